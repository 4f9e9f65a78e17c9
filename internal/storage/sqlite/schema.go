package sqlite

import (
	"context"
	"fmt"
	"log/slog"
)

// schemaVersion bumps when the table layout changes. Migrations are forward
// only; the engine never downgrades a store in place.
const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS observations (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	type           TEXT NOT NULL,
	title          TEXT NOT NULL,
	subtitle       TEXT NOT NULL DEFAULT '',
	narrative      TEXT NOT NULL DEFAULT '',
	facts          TEXT NOT NULL DEFAULT '[]',
	concepts       TEXT NOT NULL DEFAULT '[]',
	files_read     TEXT NOT NULL DEFAULT '[]',
	files_modified TEXT NOT NULL DEFAULT '[]',
	tool           TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	token_count    INTEGER NOT NULL DEFAULT 0,
	importance     INTEGER NOT NULL DEFAULT 3,
	revision_of    TEXT,
	superseded_by  TEXT,
	superseded_at  TEXT,
	deleted_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_observations_type ON observations(type);
CREATE INDEX IF NOT EXISTS idx_observations_current ON observations(type, created_at)
	WHERE superseded_by IS NULL AND deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS embeddings (
	observation_id TEXT PRIMARY KEY REFERENCES observations(id) ON DELETE CASCADE,
	vector         BLOB NOT NULL,
	dim            INTEGER NOT NULL,
	model          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS pending_jobs (
	id                 TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL,
	tool               TEXT NOT NULL,
	output             TEXT NOT NULL,
	call_id            TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	attempts           INTEGER NOT NULL DEFAULT 0,
	last_error         TEXT NOT NULL DEFAULT '',
	enqueued_at        TEXT NOT NULL,
	last_transition_at TEXT NOT NULL,
	UNIQUE(session_id, call_id)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON pending_jobs(status, enqueued_at);

CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	project_path      TEXT NOT NULL DEFAULT '',
	started_at        TEXT NOT NULL,
	ended_at          TEXT,
	status            TEXT NOT NULL DEFAULT 'active',
	observation_count INTEGER NOT NULL DEFAULT 0,
	summary_id        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS session_summaries (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL UNIQUE,
	summary        TEXT NOT NULL,
	key_decisions  TEXT NOT NULL DEFAULT '[]',
	files_modified TEXT NOT NULL DEFAULT '[]',
	concepts       TEXT NOT NULL DEFAULT '[]',
	token_count    INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(name, kind)
);

CREATE TABLE IF NOT EXISTS entity_relations (
	id             TEXT PRIMARY KEY,
	from_id        TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	to_id          TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	kind           TEXT NOT NULL,
	observation_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_relations_from ON entity_relations(from_id);
CREATE INDEX IF NOT EXISTS idx_relations_to ON entity_relations(to_id);
`

// ftsSQL is applied separately so a build without FTS5 still yields a
// working store.
const ftsSQL = `
CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
	title, narrative, concepts,
	content='observations', content_rowid='rowid',
	tokenize='porter unicode61', prefix='2 3'
);
`

func (s *SQLiteStorage) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, ftsSQL); err != nil {
		slog.Warn("fts5 unavailable; text search degrades to LIKE scans", "error", err)
		s.fts = false
	} else {
		s.fts = true
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO NOTHING`, fmt.Sprint(schemaVersion))
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// SchemaVersion reads the stored schema version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}
