// Package sqlite is the default embedded eventstore.Store backend:
// mattn/go-sqlite3 with an FTS5 virtual table backing full-text search.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentcore-dev/core/internal/eventstore"
	"github.com/agentcore-dev/core/internal/eventstore/sqlstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	working_dir TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	root_event_id TEXT NOT NULL DEFAULT '',
	head_event_id TEXT NOT NULL DEFAULT '',
	parent_session_id TEXT NOT NULL DEFAULT '',
	spawn_type TEXT NOT NULL DEFAULT '',
	spawn_task TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	turn_count INTEGER NOT NULL DEFAULT 0,
	total_input_tokens INTEGER NOT NULL DEFAULT 0,
	total_output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	last_activity_at DATETIME NOT NULL,
	ended_at DATETIME
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	workspace_id TEXT NOT NULL DEFAULT '',
	sequence INTEGER NOT NULL,
	timestamp DATETIME NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	run_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, sequence);
CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_id);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);

CREATE TABLE IF NOT EXISTS blobs (
	id TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL UNIQUE,
	content_type TEXT NOT NULL DEFAULT '',
	data BLOB NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS event_search USING fts5(event_id UNINDEXED, body);
`

type dialect struct{}

func (dialect) Name() string             { return "sqlite" }
func (dialect) Rebind(query string) string { return query }
func (dialect) Schema() string           { return schema }

func (dialect) MatchClause(column string) (string, func(string) any) {
	return fmt.Sprintf("%s MATCH ?", column), func(q string) any { return q }
}

// Open opens (creating if absent) a SQLite database file and returns an
// eventstore.Store backed by it.
func Open(path string) (eventstore.Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers anyway; avoid SQLITE_BUSY churn
	return sqlstore.Open(db, dialect{})
}
