package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "kagami.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func mustLookup(t *testing.T, d *DB, id int64) (string, bool) {
	t.Helper()
	noteID, ok, err := d.LookupNote(id)
	require.NoError(t, err)
	return noteID, ok
}

func mustSkipped(t *testing.T, d *DB, id int64) bool {
	t.Helper()
	skipped, err := d.IsSkipped(id)
	require.NoError(t, err)
	return skipped
}

func mustResolved(t *testing.T, d *DB, id int64) bool {
	t.Helper()
	resolved, err := d.Resolved(id)
	require.NoError(t, err)
	return resolved
}

func TestRecordMapping_Lookup(t *testing.T) {
	d := openTestDB(t)

	_, ok := mustLookup(t, d, 100)
	assert.False(t, ok)

	require.NoError(t, d.RecordMapping(100, "note-a", "alice"))

	noteID, ok := mustLookup(t, d, 100)
	require.True(t, ok)
	assert.Equal(t, "note-a", noteID)
	assert.True(t, mustResolved(t, d, 100))
	assert.False(t, mustSkipped(t, d, 100))
}

func TestRecordMapping_Duplicate(t *testing.T) {
	d := openTestDB(t)

	require.NoError(t, d.RecordMapping(100, "note-a", "alice"))

	err := d.RecordMapping(100, "note-b", "alice")
	require.ErrorIs(t, err, ErrDuplicateMapping)

	// The original entry is untouched.
	noteID, ok := mustLookup(t, d, 100)
	require.True(t, ok)
	assert.Equal(t, "note-a", noteID)
}

func TestRecordMapping_OverSkipIsConflict(t *testing.T) {
	d := openTestDB(t)

	require.NoError(t, d.MarkSkipped(100, "alice"))
	err := d.RecordMapping(100, "note-a", "alice")
	assert.ErrorIs(t, err, ErrDuplicateMapping)
}

func TestMarkSkipped(t *testing.T) {
	d := openTestDB(t)

	require.NoError(t, d.MarkSkipped(200, "alice"))
	assert.True(t, mustSkipped(t, d, 200))
	assert.True(t, mustResolved(t, d, 200))

	// A skip is not a mapping.
	_, ok := mustLookup(t, d, 200)
	assert.False(t, ok)

	// Marking twice is harmless.
	require.NoError(t, d.MarkSkipped(200, "alice"))
}

func TestRecordOriginal_NotAConflict(t *testing.T) {
	d := openTestDB(t)

	require.NoError(t, d.RecordOriginal(300, "note-rt", "alice"))
	require.NoError(t, d.RecordOriginal(300, "note-other", "alice"))

	noteID, ok := mustLookup(t, d, 300)
	require.True(t, ok)
	assert.Equal(t, "note-rt", noteID)
}

func TestCursor(t *testing.T) {
	d := openTestDB(t)

	_, ok := d.Cursor("alice")
	assert.False(t, ok)

	require.NoError(t, d.SetCursor("alice", 100))
	id, ok := d.Cursor("alice")
	require.True(t, ok)
	assert.Equal(t, int64(100), id)

	// Cursors never move backwards.
	require.NoError(t, d.SetCursor("alice", 50))
	id, _ = d.Cursor("alice")
	assert.Equal(t, int64(100), id)

	require.NoError(t, d.SetCursor("alice", 150))
	id, _ = d.Cursor("alice")
	assert.Equal(t, int64(150), id)

	// Cursors are per account.
	_, ok = d.Cursor("bob")
	assert.False(t, ok)
}

func TestRecordAndAdvance(t *testing.T) {
	d := openTestDB(t)

	_, err := d.RecordFailure(100)
	require.NoError(t, err)

	require.NoError(t, d.RecordAndAdvance("alice", 100, "note-a"))

	noteID, ok := mustLookup(t, d, 100)
	require.True(t, ok)
	assert.Equal(t, "note-a", noteID)

	id, ok := d.Cursor("alice")
	require.True(t, ok)
	assert.Equal(t, int64(100), id)

	assert.Equal(t, 0, d.Failures(100), "retry counter cleared on success")
}

func TestRecordAndAdvance_DuplicateRollsBack(t *testing.T) {
	d := openTestDB(t)

	require.NoError(t, d.RecordAndAdvance("alice", 100, "note-a"))

	err := d.RecordAndAdvance("alice", 100, "note-b")
	require.ErrorIs(t, err, ErrDuplicateMapping)

	noteID, _ := mustLookup(t, d, 100)
	assert.Equal(t, "note-a", noteID)
}

func TestSkipAndAdvance(t *testing.T) {
	d := openTestDB(t)

	_, err := d.RecordFailure(100)
	require.NoError(t, err)

	require.NoError(t, d.SkipAndAdvance("alice", 100))

	assert.True(t, mustSkipped(t, d, 100))
	id, ok := d.Cursor("alice")
	require.True(t, ok)
	assert.Equal(t, int64(100), id)
	assert.Equal(t, 0, d.Failures(100))
}

func TestRetryCounter(t *testing.T) {
	d := openTestDB(t)

	assert.Equal(t, 0, d.Failures(100))

	n, err := d.RecordFailure(100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = d.RecordFailure(100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = d.RecordFailure(100)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, d.Failures(100))

	require.NoError(t, d.ClearFailures(100))
	assert.Equal(t, 0, d.Failures(100))
}

func TestStatusQueries(t *testing.T) {
	d := openTestDB(t)

	require.NoError(t, d.RecordMapping(100, "note-a", "alice"))
	require.NoError(t, d.RecordMapping(101, "note-b", "bob"))
	require.NoError(t, d.MarkSkipped(102, "alice"))

	assert.Equal(t, 2, d.MappingCount())
	assert.Equal(t, 1, d.SkipCount())
	assert.Equal(t, []string{"alice", "bob"}, d.Accounts())

	recent, err := d.RecentMappings(10)
	require.NoError(t, err)
	require.Len(t, recent, 3)

	pending, err := d.PendingFailures()
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = d.RecordFailure(103)
	require.NoError(t, err)
	pending, err = d.PendingFailures()
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{103: 1}, pending)
}

func TestLookups_SurfaceQueryErrors(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "kagami.db"))
	require.NoError(t, err)
	require.NoError(t, d.RecordMapping(100, "note-a", "alice"))
	require.NoError(t, d.Close())

	// A failed lookup must not read as "absent": the caller would mirror
	// the tweet a second time.
	_, ok, err := d.LookupNote(100)
	assert.Error(t, err)
	assert.False(t, ok)

	_, err = d.IsSkipped(100)
	assert.Error(t, err)

	_, err = d.Resolved(100)
	assert.Error(t, err)
}

func TestOpen_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "kagami.db")
	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, path, d.Path())
}
