package db

// Schema is the DDL for the kagami database.
//
// mappings is append-only: a row is either a mirrored post (note_id set) or
// a permanent skip (skipped=1, note_id empty). mirror=0 rows are secondary
// entries recording the note that mirrors someone else's post (the original
// behind a repost), so later quotes of it resolve.
const Schema = `
CREATE TABLE IF NOT EXISTS mappings (
    tweet_id    INTEGER PRIMARY KEY,
    note_id     TEXT,
    skipped     INTEGER NOT NULL DEFAULT 0,
    mirror      INTEGER NOT NULL DEFAULT 1,
    account     TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cursors (
    account        TEXT PRIMARY KEY,
    last_tweet_id  INTEGER NOT NULL,
    updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS retries (
    tweet_id    INTEGER PRIMARY KEY,
    failures    INTEGER NOT NULL DEFAULT 0,
    updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mappings_account ON mappings(account);
CREATE INDEX IF NOT EXISTS idx_mappings_created ON mappings(created_at DESC);
`
