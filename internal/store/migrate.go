package store

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS update_log (
	doc_id       TEXT NOT NULL,
	seq          BIGINT NOT NULL,
	update_bytes BYTEA NOT NULL,
	author_id    TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (doc_id, seq)
);

CREATE TABLE IF NOT EXISTS sessions (
	id        TEXT PRIMARY KEY,
	doc_id    TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	user_name TEXT NOT NULL DEFAULT '',
	org_id    TEXT NOT NULL DEFAULT '',
	joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	active    BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_sessions_doc ON sessions (doc_id) WHERE active;

CREATE TABLE IF NOT EXISTS locks (
	id          TEXT PRIMARY KEY,
	doc_id      TEXT NOT NULL,
	owner_id    TEXT NOT NULL,
	owner_name  TEXT NOT NULL DEFAULT '',
	lock_type   TEXT NOT NULL,
	range_start INTEGER,
	range_end   INTEGER,
	expires_at  TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_locks_doc ON locks (doc_id);

CREATE TABLE IF NOT EXISTS conflicts (
	id                  TEXT PRIMARY KEY,
	doc_id              TEXT NOT NULL,
	org_id              TEXT NOT NULL DEFAULT '',
	conflict_type       TEXT NOT NULL,
	local_version       BIGINT NOT NULL DEFAULT 0,
	remote_version      BIGINT NOT NULL DEFAULT 0,
	local_content       TEXT NOT NULL DEFAULT '',
	remote_content      TEXT NOT NULL DEFAULT '',
	local_author        TEXT NOT NULL DEFAULT '',
	remote_author       TEXT NOT NULL DEFAULT '',
	resolver_id         TEXT,
	resolution_strategy TEXT,
	merged_content      TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	resolved_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_conflicts_doc ON conflicts (doc_id, created_at DESC);

CREATE TABLE IF NOT EXISTS snapshots (
	id             TEXT PRIMARY KEY,
	doc_id         TEXT NOT NULL,
	state_blob     BYTEA NOT NULL,
	version_vector TEXT NOT NULL DEFAULT '{}',
	metadata       TEXT NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_snapshots_doc ON snapshots (doc_id, created_at DESC);

CREATE TABLE IF NOT EXISTS comments (
	id                TEXT PRIMARY KEY,
	doc_id            TEXT NOT NULL,
	thread_id         TEXT NOT NULL,
	parent_comment_id TEXT,
	author_id         TEXT NOT NULL,
	author_name       TEXT NOT NULL DEFAULT '',
	content           TEXT NOT NULL,
	position_start    INTEGER NOT NULL DEFAULT 0,
	position_end      INTEGER,
	status            TEXT NOT NULL DEFAULT 'open',
	resolved_by       TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_comments_doc ON comments (doc_id, position_start);

CREATE TABLE IF NOT EXISTS knowledge_items (
	id             TEXT PRIMARY KEY,
	org_id         TEXT NOT NULL,
	folder_id      TEXT,
	title          TEXT NOT NULL DEFAULT '',
	content        TEXT NOT NULL DEFAULT '',
	permissions    TEXT,
	created_by     TEXT NOT NULL DEFAULT '',
	last_edited_by TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_knowledge_org ON knowledge_items (org_id, updated_at);

CREATE TABLE IF NOT EXISTS folders (
	id          TEXT PRIMARY KEY,
	org_id      TEXT NOT NULL,
	parent_id   TEXT,
	name        TEXT NOT NULL,
	permissions TEXT,
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS org_members (
	org_id  TEXT NOT NULL,
	user_id TEXT NOT NULL,
	role    TEXT NOT NULL,
	PRIMARY KEY (org_id, user_id)
);
`

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
