package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagamibot/kagami/internal/config"
	"github.com/kagamibot/kagami/internal/db"
	"github.com/kagamibot/kagami/internal/media"
	"github.com/kagamibot/kagami/internal/misskey"
	"github.com/kagamibot/kagami/internal/source"
	"github.com/kagamibot/kagami/internal/types"
)

type fakeSource struct {
	timeline []*types.SourcePost
	posts    map[int64]*types.SourcePost
	err      error
}

func (f *fakeSource) Timeline(_ context.Context, _ string, sinceID int64) ([]*types.SourcePost, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*types.SourcePost
	for _, p := range f.timeline {
		if p.ID > sinceID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeSource) Post(_ context.Context, id int64) (*types.SourcePost, error) {
	if p, ok := f.posts[id]; ok {
		return p, nil
	}
	return nil, source.ErrNotFound
}

type fakeTarget struct {
	notes      []misskey.NoteRequest
	uploads    []string
	createErr  error
	noteSerial int
	onCreate   func()
}

func (f *fakeTarget) CreateNote(_ context.Context, req misskey.NoteRequest) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.notes = append(f.notes, req)
	f.noteSerial++
	if f.onCreate != nil {
		f.onCreate()
	}
	return fmt.Sprintf("note-%d", f.noteSerial), nil
}

func (f *fakeTarget) UploadFile(_ context.Context, _ []byte, name string, _ bool) (string, error) {
	f.uploads = append(f.uploads, name)
	return "file-" + name, nil
}

type fakeMedia struct {
	failURLs map[string]bool
}

func (f *fakeMedia) Prepare(_ context.Context, postID int64, items []types.MediaItem) []media.Result {
	out := make([]media.Result, len(items))
	for i, it := range items {
		if f.failURLs[it.URL] {
			out[i] = media.Result{Err: errors.New("download failed")}
			continue
		}
		out[i] = media.Result{
			Name:      fmt.Sprintf("%d_%d.bin", postID, i),
			Blob:      []byte("blob"),
			Sensitive: it.Sensitive,
		}
	}
	return out
}

type harness struct {
	crawler *Crawler
	src     *fakeSource
	target  *fakeTarget
	db      *db.DB
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "kagami.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	src := &fakeSource{posts: map[int64]*types.SourcePost{}}
	target := &fakeTarget{}
	cfg := config.Default()

	c := NewCrawler("alice", database, src, target, &fakeMedia{}, cfg, zerolog.Nop())
	c.Retry.MaxAttempts = 1
	c.sleep = func(context.Context, time.Duration) error { return nil }

	return &harness{crawler: c, src: src, target: target, db: database}
}

func (h *harness) seedCursor(t *testing.T, id int64) {
	t.Helper()
	require.NoError(t, h.db.SetCursor("alice", id))
}

func post(id int64, text string) *types.SourcePost {
	return &types.SourcePost{ID: id, Author: "alice", Text: text}
}

func TestRunOnce_FirstRunInitializesCursor(t *testing.T) {
	h := newHarness(t)
	h.src.timeline = []*types.SourcePost{post(10, "old"), post(20, "new")}

	res, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Mirrored, "first run must not replay the backlog")
	assert.Empty(t, h.target.notes)

	cursor, ok := h.db.Cursor("alice")
	require.True(t, ok)
	assert.Equal(t, int64(20), cursor)
}

func TestRunOnce_MirrorsOldestFirst(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	h.src.timeline = []*types.SourcePost{post(30, "second"), post(20, "first")}

	res, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Mirrored)

	require.Len(t, h.target.notes, 2)
	assert.Contains(t, h.target.notes[0].Text, "first")
	assert.Contains(t, h.target.notes[1].Text, "second")
	assert.Contains(t, h.target.notes[0].Text, "https://x.com/alice/status/20")

	cursor, _ := h.db.Cursor("alice")
	assert.Equal(t, int64(30), cursor)

	noteID, ok, err := h.db.LookupNote(20)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "note-1", noteID)
}

func TestRunOnce_SecondCycleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	h.src.timeline = []*types.SourcePost{post(20, "only")}

	_, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	_, err = h.crawler.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Len(t, h.target.notes, 1, "a mapped post must never be dispatched twice")
}

func TestRunOnce_ResolvedPostAdvancesCursor(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	// 20 was already mirrored as an ancestor, without a cursor advance.
	require.NoError(t, h.db.RecordMapping(20, "note-x", "alice"))
	h.src.timeline = []*types.SourcePost{post(20, "seen")}

	_, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.target.notes)

	cursor, _ := h.db.Cursor("alice")
	assert.Equal(t, int64(20), cursor)
}

func TestRunOnce_TransientFailureRetriesThenSkips(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	h.src.timeline = []*types.SourcePost{post(20, "cursed")}
	h.target.createErr = &misskey.APIError{Status: 503, Endpoint: "notes/create"}

	for i := 1; i <= 2; i++ {
		res, err := h.crawler.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Pending, "cycle %d", i)
		cursor, _ := h.db.Cursor("alice")
		assert.Equal(t, int64(1), cursor, "cursor must not pass a pending post")
	}

	res, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped, "third failure exhausts the budget")
	skipped, err := h.db.IsSkipped(20)
	require.NoError(t, err)
	assert.True(t, skipped)
	cursor, _ := h.db.Cursor("alice")
	assert.Equal(t, int64(20), cursor)

	// No fourth attempt.
	h.target.createErr = nil
	res, err = h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Mirrored)
	assert.Empty(t, h.target.notes)
}

func TestRunOnce_PermanentRejectionSkipsImmediately(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	h.src.timeline = []*types.SourcePost{post(20, "rejected")}
	h.target.createErr = &misskey.APIError{Status: 400, Endpoint: "notes/create"}

	res, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	skipped, err := h.db.IsSkipped(20)
	require.NoError(t, err)
	assert.True(t, skipped)
	assert.Equal(t, 0, h.db.Failures(20), "no retry budget spent on permanent rejections")
}

func TestRunOnce_PendingPostBlocksRestOfBatch(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	h.src.timeline = []*types.SourcePost{post(20, "stuck"), post(30, "behind")}
	h.target.createErr = &misskey.APIError{Status: 502, Endpoint: "notes/create"}

	res, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pending)
	assert.Equal(t, 0, res.Mirrored)

	cursor, _ := h.db.Cursor("alice")
	assert.Equal(t, int64(1), cursor)
}

func TestRunOnce_ReplyChainMirroredInOrder(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	root := post(10, "thread root")
	h.src.posts[10] = root
	reply := post(20, "the reply")
	reply.ReplyToID = 10
	h.src.timeline = []*types.SourcePost{reply}

	res, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Mirrored)

	require.Len(t, h.target.notes, 2)
	assert.Contains(t, h.target.notes[0].Text, "thread root")
	rootNote, _, _ := h.db.LookupNote(10)
	assert.Equal(t, rootNote, h.target.notes[1].ReplyID, "reply links the freshly mirrored parent")
}

func TestRunOnce_DeletedParentFallsBackToText(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	reply := post(20, "orphan reply")
	reply.ReplyToID = 99 // not in the fake source
	h.src.timeline = []*types.SourcePost{reply}

	res, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Mirrored)

	require.Len(t, h.target.notes, 1)
	assert.Empty(t, h.target.notes[0].ReplyID)
	assert.Contains(t, h.target.notes[0].Text, "Reply to : https://x.com/x/status/99")
}

func TestRunOnce_RepostOfMappedOriginalBecomesRenote(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	require.NoError(t, h.db.RecordMapping(10, "note-orig", "alice"))
	rt := post(20, "")
	rt.RepostOfID = 10
	h.src.timeline = []*types.SourcePost{rt}

	res, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Mirrored)

	require.Len(t, h.target.notes, 1)
	assert.Equal(t, "note-orig", h.target.notes[0].RenoteID)
	assert.Empty(t, h.target.notes[0].Text)
}

func TestRunOnce_RepostOfUnmappedOriginalBecomesText(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	h.src.posts[10] = &types.SourcePost{
		ID: 10, Author: "bob", Text: "bob's words",
		Media: []types.MediaItem{{Kind: types.MediaPhoto, URL: "https://pbs.twimg.com/media/a.jpg"}},
	}
	rt := post(20, "")
	rt.RepostOfID = 10
	h.src.timeline = []*types.SourcePost{rt}

	res, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Mirrored)

	require.Len(t, h.target.notes, 1)
	note := h.target.notes[0]
	assert.Contains(t, note.Text, "RT ?[@bob](https://x.com/bob): bob's words")
	assert.Contains(t, note.Text, "https://x.com/bob/status/10")
	assert.Empty(t, note.RenoteID)
	require.Len(t, note.FileIDs, 1, "original's media rides along")

	// The original maps to the same note so later references can link it.
	origNote, ok, err := h.db.LookupNote(10)
	require.NoError(t, err)
	require.True(t, ok)
	rtNote, _, _ := h.db.LookupNote(20)
	assert.Equal(t, rtNote, origNote)
}

func TestRunOnce_RepostsDisabled(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	h.crawler.Cfg.Note.Retweet = false
	rt := post(20, "")
	rt.RepostOfID = 10
	h.src.timeline = []*types.SourcePost{rt}

	res, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, h.target.notes)
	skipped, err := h.db.IsSkipped(20)
	require.NoError(t, err)
	assert.True(t, skipped)
}

func TestRunOnce_QuoteOfMappedPost(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	require.NoError(t, h.db.RecordMapping(10, "note-q", "alice"))
	q := post(20, "my take https://x.com/bob/status/10")
	q.QuoteID = 10
	h.src.timeline = []*types.SourcePost{q}

	res, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Mirrored)

	require.Len(t, h.target.notes, 1)
	note := h.target.notes[0]
	assert.Equal(t, "note-q", note.RenoteID)
	assert.NotContains(t, note.Text, "status/10", "quote URL moves into the relation")
	assert.Contains(t, note.Text, "my take")
}

func TestRunOnce_QuoteOfOwnRepostReusesNote(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	// 20 quotes 30, and 30 is bob's repost of 20. Mirroring 30 records 20 as
	// the RT note's original, so 20 is already mapped by the time its own
	// dispatch returns from resolution.
	q := post(20, "quoting the RT")
	q.QuoteID = 30
	h.src.posts[30] = &types.SourcePost{ID: 30, Author: "bob", RepostOfID: 20}
	h.src.posts[20] = q
	h.src.timeline = []*types.SourcePost{q}

	res, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Mirrored)
	assert.Len(t, h.target.notes, 1, "the existing note is reused, not duplicated")

	cursor, _ := h.db.Cursor("alice")
	assert.Equal(t, int64(20), cursor, "cursor advances over the self-mapped post")

	selfNote, ok, lerr := h.db.LookupNote(20)
	require.NoError(t, lerr)
	require.True(t, ok)
	rtNote, _, _ := h.db.LookupNote(30)
	assert.Equal(t, rtNote, selfNote)
}

func TestRunOnce_MappingConflictHaltsAccount(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	h.src.timeline = []*types.SourcePost{post(20, "racing")}
	// Another writer claims the post with a different note between note
	// creation and the mapping write.
	h.target.onCreate = func() {
		require.NoError(t, h.db.RecordMapping(20, "note-intruder", "alice"))
	}

	res, err := h.crawler.RunOnce(context.Background())
	require.ErrorIs(t, err, db.ErrDuplicateMapping)
	assert.Equal(t, 1, res.Pending)
	assert.NotEmpty(t, res.Error)

	cursor, _ := h.db.Cursor("alice")
	assert.Equal(t, int64(1), cursor, "cursor must not move past a conflicted post")
}

func TestRunOnce_PartialMediaFailureStillPosts(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	h.crawler.Media = &fakeMedia{failURLs: map[string]bool{"https://bad.example/b.jpg": true}}
	p := post(20, "pics")
	p.Media = []types.MediaItem{
		{Kind: types.MediaPhoto, URL: "https://good.example/a.jpg"},
		{Kind: types.MediaPhoto, URL: "https://bad.example/b.jpg"},
	}
	h.src.timeline = []*types.SourcePost{p}

	res, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Mirrored)
	require.Len(t, h.target.notes, 1)
	assert.Len(t, h.target.notes[0].FileIDs, 1)
}

func TestRunOnce_AllMediaFailedStaysPending(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	h.crawler.Media = &fakeMedia{failURLs: map[string]bool{"https://bad.example/b.jpg": true}}
	p := post(20, "pics")
	p.Media = []types.MediaItem{{Kind: types.MediaPhoto, URL: "https://bad.example/b.jpg"}}
	h.src.timeline = []*types.SourcePost{p}

	res, err := h.crawler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pending)
	assert.Empty(t, h.target.notes)
	assert.Equal(t, 1, h.db.Failures(20))
}

func TestRunOnce_FatalSourceErrorSurfaces(t *testing.T) {
	h := newHarness(t)
	h.seedCursor(t, 1)
	h.src.err = fmt.Errorf("login: %w", source.ErrAuthExpired)

	res, err := h.crawler.RunOnce(context.Background())
	require.ErrorIs(t, err, source.ErrAuthExpired)
	assert.NotEmpty(t, res.Error)
}

func TestEngine_RunCycleAggregates(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "kagami.db"))
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, database.SetCursor("alice", 1))
	require.NoError(t, database.SetCursor("bob", 1))

	cfg := config.Default()
	mkCrawler := func(account string, posts ...*types.SourcePost) (*Crawler, *fakeTarget) {
		src := &fakeSource{timeline: posts, posts: map[int64]*types.SourcePost{}}
		target := &fakeTarget{}
		c := NewCrawler(account, database, src, target, &fakeMedia{}, cfg, zerolog.Nop())
		c.Retry.MaxAttempts = 1
		c.sleep = func(context.Context, time.Duration) error { return nil }
		return c, target
	}

	c1, _ := mkCrawler("alice", post(20, "a"))
	c2, _ := mkCrawler("bob", &types.SourcePost{ID: 30, Author: "bob", Text: "b"})

	e := &Engine{DB: database, Cfg: cfg, Log: zerolog.Nop(), Crawlers: []*Crawler{c1, c2}}
	summary, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Accounts, 2)
	assert.Equal(t, 2, summary.TotalMirrored)
	assert.Equal(t, 2, summary.TotalMapped)
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "kagami.db"))
	require.NoError(t, err)
	defer database.Close()

	cfg := config.Default()
	src := &fakeSource{posts: map[int64]*types.SourcePost{}}
	c := NewCrawler("alice", database, src, &fakeTarget{}, &fakeMedia{}, cfg, zerolog.Nop())
	c.Retry.MaxAttempts = 1

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{DB: database, Cfg: cfg, Log: zerolog.Nop(), Crawlers: []*Crawler{c}}
	e.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	require.NoError(t, e.Run(ctx))
}
