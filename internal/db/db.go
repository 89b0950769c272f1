// Package db provides SQLite storage for kagami: the tweet→note mapping
// table, per-account cursors and per-post retry counters.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrDuplicateMapping is returned when a mapping or skip already exists for
// a tweet id. Callers check Lookup/IsSkipped first; the store enforces
// uniqueness as the last line of defense. Hitting it means corrupted state.
var ErrDuplicateMapping = errors.New("mapping already exists")

// DB wraps a SQLite connection for kagami operations.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) a kagami database at the given path.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec(Schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Now returns the current time as an ISO 8601 string.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Mapping is one row of the mapping table.
type Mapping struct {
	TweetID   int64  `json:"tweet_id"`
	NoteID    string `json:"note_id,omitempty"`
	Skipped   bool   `json:"skipped"`
	Mirror    bool   `json:"mirror"`
	Account   string `json:"account"`
	CreatedAt string `json:"created_at"`
}

// --- Mapping operations ---

// LookupNote returns the note id mirroring a tweet, if one exists.
// Skipped entries are not mappings and return ok=false.
func (d *DB) LookupNote(tweetID int64) (string, bool, error) {
	var noteID sql.NullString
	err := d.conn.QueryRow(
		"SELECT note_id FROM mappings WHERE tweet_id = ? AND skipped = 0", tweetID,
	).Scan(&noteID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		// Absent and unreadable are different answers: a failed lookup must
		// not make the caller mirror the tweet again.
		return "", false, fmt.Errorf("lookup note for %d: %w", tweetID, err)
	}
	if !noteID.Valid || noteID.String == "" {
		return "", false, nil
	}
	return noteID.String, true, nil
}

// IsSkipped reports whether a tweet has been permanently skipped.
func (d *DB) IsSkipped(tweetID int64) (bool, error) {
	var n int
	err := d.conn.QueryRow(
		"SELECT 1 FROM mappings WHERE tweet_id = ? AND skipped = 1", tweetID,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("skip lookup for %d: %w", tweetID, err)
	}
	return n == 1, nil
}

// Resolved reports whether a tweet has a terminal outcome (mapped or skipped).
func (d *DB) Resolved(tweetID int64) (bool, error) {
	var n int
	err := d.conn.QueryRow("SELECT 1 FROM mappings WHERE tweet_id = ?", tweetID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve lookup for %d: %w", tweetID, err)
	}
	return n == 1, nil
}

// RecordMapping inserts a tweet→note mapping. Returns ErrDuplicateMapping
// if any entry (mapping or skip) already exists for the tweet.
func (d *DB) RecordMapping(tweetID int64, noteID, account string) error {
	return recordMapping(d.conn, tweetID, noteID, account)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func recordMapping(e execer, tweetID int64, noteID, account string) error {
	res, err := e.Exec(`
		INSERT OR IGNORE INTO mappings (tweet_id, note_id, skipped, mirror, account, created_at)
		VALUES (?, ?, 0, 1, ?, ?)`,
		tweetID, noteID, account, Now(),
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("record mapping %d: %w", tweetID, ErrDuplicateMapping)
	}
	return nil
}

// RecordOriginal records the note that mirrors somebody else's post (the
// original behind a repost). Unlike RecordMapping, an existing entry is not
// a conflict: the original may already be mapped.
func (d *DB) RecordOriginal(tweetID int64, noteID, account string) error {
	_, err := d.conn.Exec(`
		INSERT OR IGNORE INTO mappings (tweet_id, note_id, skipped, mirror, account, created_at)
		VALUES (?, ?, 0, 0, ?, ?)`,
		tweetID, noteID, account, Now(),
	)
	return err
}

// MarkSkipped records a permanent skip for a tweet.
func (d *DB) MarkSkipped(tweetID int64, account string) error {
	_, err := d.conn.Exec(`
		INSERT OR IGNORE INTO mappings (tweet_id, note_id, skipped, mirror, account, created_at)
		VALUES (?, NULL, 1, 1, ?, ?)`,
		tweetID, account, Now(),
	)
	return err
}

// --- Cursor operations ---

// Cursor returns the last fully processed tweet id for an account.
func (d *DB) Cursor(account string) (int64, bool) {
	var id int64
	err := d.conn.QueryRow(
		"SELECT last_tweet_id FROM cursors WHERE account = ?", account,
	).Scan(&id)
	if err != nil {
		return 0, false
	}
	return id, true
}

// SetCursor advances the cursor for an account. The cursor never moves
// backwards.
func (d *DB) SetCursor(account string, tweetID int64) error {
	return setCursor(d.conn, account, tweetID)
}

func setCursor(e execer, account string, tweetID int64) error {
	_, err := e.Exec(`
		INSERT INTO cursors (account, last_tweet_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			last_tweet_id = excluded.last_tweet_id,
			updated_at = excluded.updated_at
		WHERE excluded.last_tweet_id > cursors.last_tweet_id`,
		account, tweetID, Now(),
	)
	return err
}

// RecordAndAdvance writes the mapping, advances the cursor and clears the
// retry counter in a single transaction. A crash between note creation and
// this call is the only window where a note exists unmapped; the dispatcher
// calls this immediately after creation to keep that window minimal, and a
// crash before it simply retries the post (idempotent on the mapping side).
func (d *DB) RecordAndAdvance(account string, tweetID int64, noteID string) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := recordMapping(tx, tweetID, noteID, account); err != nil {
		return err
	}
	if err := setCursor(tx, account, tweetID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM retries WHERE tweet_id = ?", tweetID); err != nil {
		return err
	}
	return tx.Commit()
}

// SkipAndAdvance marks a tweet permanently skipped and advances the cursor
// past it in a single transaction.
func (d *DB) SkipAndAdvance(account string, tweetID int64) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO mappings (tweet_id, note_id, skipped, mirror, account, created_at)
		VALUES (?, NULL, 1, 1, ?, ?)`,
		tweetID, account, Now(),
	); err != nil {
		return err
	}
	if err := setCursor(tx, account, tweetID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM retries WHERE tweet_id = ?", tweetID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Retry counter operations ---

// Failures returns the consecutive dispatch failure count for a tweet.
func (d *DB) Failures(tweetID int64) int {
	var n int
	d.conn.QueryRow("SELECT failures FROM retries WHERE tweet_id = ?", tweetID).Scan(&n)
	return n
}

// RecordFailure increments the failure counter and returns the new count.
func (d *DB) RecordFailure(tweetID int64) (int, error) {
	var n int
	err := d.conn.QueryRow(`
		INSERT INTO retries (tweet_id, failures, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(tweet_id) DO UPDATE SET
			failures = retries.failures + 1,
			updated_at = excluded.updated_at
		RETURNING failures`,
		tweetID, Now(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("record failure %d: %w", tweetID, err)
	}
	return n, nil
}

// ClearFailures removes the retry counter for a tweet.
func (d *DB) ClearFailures(tweetID int64) error {
	_, err := d.conn.Exec("DELETE FROM retries WHERE tweet_id = ?", tweetID)
	return err
}

// --- Status queries ---

// MappingCount returns the number of mirrored posts.
func (d *DB) MappingCount() int {
	var n int
	d.conn.QueryRow("SELECT COUNT(*) FROM mappings WHERE skipped = 0").Scan(&n)
	return n
}

// SkipCount returns the number of permanently skipped posts.
func (d *DB) SkipCount() int {
	var n int
	d.conn.QueryRow("SELECT COUNT(*) FROM mappings WHERE skipped = 1").Scan(&n)
	return n
}

// Accounts returns distinct accounts present in the mapping table.
func (d *DB) Accounts() []string {
	rows, err := d.conn.Query("SELECT DISTINCT account FROM mappings WHERE account != '' ORDER BY account")
	if err != nil {
		return nil
	}
	defer rows.Close()
	var accs []string
	for rows.Next() {
		var a string
		rows.Scan(&a)
		accs = append(accs, a)
	}
	return accs
}

// RecentMappings returns the most recent mapping entries, newest first.
func (d *DB) RecentMappings(limit int) ([]*Mapping, error) {
	rows, err := d.conn.Query(`
		SELECT tweet_id, note_id, skipped, mirror, account, created_at
		FROM mappings
		ORDER BY created_at DESC, tweet_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Mapping
	for rows.Next() {
		m := &Mapping{}
		var noteID sql.NullString
		var skipped, mirror int
		if err := rows.Scan(&m.TweetID, &noteID, &skipped, &mirror, &m.Account, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.NoteID = noteID.String
		m.Skipped = skipped == 1
		m.Mirror = mirror == 1
		result = append(result, m)
	}
	return result, rows.Err()
}

// PendingFailures returns tweets with an active retry counter.
func (d *DB) PendingFailures() (map[int64]int, error) {
	rows, err := d.conn.Query("SELECT tweet_id, failures FROM retries")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	pending := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		pending[id] = n
	}
	return pending, rows.Err()
}
