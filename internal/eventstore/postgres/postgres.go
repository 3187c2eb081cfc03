// Package postgres is the optional multi-writer eventstore.Store
// backend: lib/pq with a tsvector/GIN index backing full-text search.
package postgres

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

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
	total_input_tokens BIGINT NOT NULL DEFAULT 0,
	total_output_tokens BIGINT NOT NULL DEFAULT 0,
	cache_read_tokens BIGINT NOT NULL DEFAULT 0,
	cache_creation_tokens BIGINT NOT NULL DEFAULT 0,
	total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	workspace_id TEXT NOT NULL DEFAULT '',
	sequence BIGINT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
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
	data BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS event_search (
	event_id TEXT PRIMARY KEY REFERENCES events(id),
	body TEXT NOT NULL,
	tsv TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', body)) STORED
);
CREATE INDEX IF NOT EXISTS idx_event_search_tsv ON event_search USING GIN (tsv);
`

type dialect struct{}

func (dialect) Name() string   { return "postgres" }
func (dialect) Schema() string { return schema }

func (dialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20)
	n := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func (dialect) MatchClause(column string) (string, func(string) any) {
	tsv := strings.TrimSuffix(column, ".body") + ".tsv"
	return fmt.Sprintf("%s @@ plainto_tsquery('english', ?)", tsv), func(q string) any { return q }
}

// Open opens a Postgres connection and returns an eventstore.Store
// backed by it.
func Open(dsn string) (eventstore.Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	return sqlstore.Open(db, dialect{})
}
