package store

const schema = `
CREATE TABLE IF NOT EXISTS posts (
	uri         TEXT PRIMARY KEY,
	cid         TEXT NOT NULL,
	author_did  TEXT NOT NULL,
	text        TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	indexed_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS posts_author_created ON posts(author_did, created_at DESC);
CREATE INDEX IF NOT EXISTS posts_indexed_at ON posts(indexed_at);

CREATE TABLE IF NOT EXISTS follows (
	uri           TEXT PRIMARY KEY,
	follower_did  TEXT NOT NULL,
	target_did    TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	indexed_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS follows_follower ON follows(follower_did);
CREATE INDEX IF NOT EXISTS follows_target ON follows(target_did);

CREATE TABLE IF NOT EXISTS active_users (
	did                TEXT PRIMARY KEY,
	last_feed_request  TEXT NOT NULL,
	last_follow_sync   TEXT
);

CREATE TABLE IF NOT EXISTS cursors (
	service       TEXT PRIMARY KEY,
	cursor_value  INTEGER NOT NULL,
	updated_at    TEXT NOT NULL
);
`
