// Package eventstore defines the Event Store contract of spec.md §4.1:
// durable, ordered, branchable storage of events with indexed access by
// session, parent, kind, timestamp, and full-text search.
package eventstore

import (
	"context"

	"github.com/agentcore-dev/core/pkg/types"
)

// AppendInput is everything Append needs besides the session lock it
// manages internally.
type AppendInput struct {
	SessionID   string
	WorkspaceID string
	Kind        types.Kind
	Payload     types.Payload
	ParentID    string // optional; defaults to current head
	RunID       string
}

// Store is the operation set spec.md §4.1's table names.
type Store interface {
	// Append persists one event, assigning id/sequence/timestamp, and
	// advances the session head atomically if parent == current head
	// (spec.md §4.1's eight-step algorithm).
	Append(ctx context.Context, in AppendInput) (types.Event, error)

	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// CreateSession inserts a new session row with no events yet.
	CreateSession(ctx context.Context, s types.Session) error

	// GetEvents returns events in sequence order on the active branch,
	// root through head.
	GetEvents(ctx context.Context, sessionID string) ([]types.Event, error)

	GetChildren(ctx context.Context, eventID string) ([]types.Event, error)

	// GetAncestors returns events from root to eventID inclusive, in
	// sequence order.
	GetAncestors(ctx context.Context, eventID string) ([]types.Event, error)

	Search(ctx context.Context, query string, filters types.SearchFilters) ([]types.SearchResult, error)

	// DeleteMessage appends a message.deleted marker event; the target
	// event itself is preserved, merely flagged.
	DeleteMessage(ctx context.Context, sessionID, targetEventID, reason string) (types.Event, error)

	UpdateSessionSpawnInfo(ctx context.Context, sessionID, parentSessionID string, spawnType types.SpawnType, spawnTask string) error

	UpdateLatestModel(ctx context.Context, sessionID, model string) error

	UpdateSessionTitle(ctx context.Context, sessionID, title string) error

	// UpdateSessionStats accumulates per-turn aggregate stats onto the
	// session row (turn count, token totals, cost, last-activity).
	UpdateSessionStats(ctx context.Context, sessionID string, turnDelta int, tokens types.RawTokenUsage, cost float64) error

	EndSession(ctx context.Context, sessionID, reason string) error

	StoreBlob(ctx context.Context, contentType string, data []byte) (string, error)

	GetBlob(ctx context.Context, blobID string) ([]byte, string, error)

	// Fork creates a new session whose root event references sourceEventID
	// by payload, not by parent-id, keeping the parent-id DAG within one
	// session (spec.md §3 invariant #5).
	Fork(ctx context.Context, sourceSessionID, sourceEventID, newSessionID, name string) (types.Session, error)

	// Tree returns the branch-annotated visualization of a session's
	// full event DAG (spec.md §4.1's "Tree visualization").
	Tree(ctx context.Context, sessionID string) ([]types.TreeNode, error)

	Close() error
}
