// Package types holds the data model shared across the core runtime:
// events, sessions, token records, hook definitions, tracked sub-agents,
// provider events and content blocks. It mirrors the teacher's pkg/types
// layout but replaces the TypeScript-flavored Record<string, unknown>
// payloads with a closed, tagged event-kind enum; each event's payload
// is a Payload map whose keys depend on its kind.
package types

import "time"

// Kind is the closed set of persisted event kinds. Clients reconstruct
// UI state from these, so the set is part of the external contract.
type Kind string

const (
	KindSessionStart  Kind = "session.start"
	KindSessionEnd    Kind = "session.end"
	KindSessionFork   Kind = "session.fork"
	KindMessageUser   Kind = "message.user"
	KindMessageAssist Kind = "message.assistant"
	KindMessageDel    Kind = "message.deleted"
	KindToolCall      Kind = "tool.call"
	KindToolResult    Kind = "tool.result"
	KindStreamStart   Kind = "stream.turn_start"
	KindStreamEnd     Kind = "stream.turn_end"
	KindModelSwitch   Kind = "config.model_switch"
	KindCompactBound  Kind = "compact.boundary"
	KindContextClear  Kind = "context.cleared"
	KindHookTriggered Kind = "hook.triggered"
	KindHookCompleted Kind = "hook.completed"
	KindPlanEntered   Kind = "plan.mode_entered"
	KindPlanExited    Kind = "plan.mode_exited"
	KindSubagentSpawn Kind = "subagent.spawned"
	KindSubagentStat  Kind = "subagent.status_update"
	KindSubagentDone  Kind = "subagent.completed"
	KindSubagentFail  Kind = "subagent.failed"
	KindErrorAgent    Kind = "error.agent"
)

// textIndexable reports whether a kind's text fields participate in the
// full-text index (spec.md §4.1 step 6).
func (k Kind) textIndexable() bool {
	switch {
	case k == KindToolResult, k == KindErrorAgent:
		return true
	case len(k) >= 8 && k[:8] == "message.":
		return true
	case len(k) >= 7 && k[:7] == "stream.":
		return true
	}
	return false
}

// TextIndexable reports whether this kind's payload should be indexed
// for full-text search.
func TextIndexable(k Kind) bool { return k.textIndexable() }

// Event is the sole persisted unit: immutable once visible to any reader.
type Event struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parentId,omitempty"`
	SessionID   string    `json:"sessionId"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	Sequence    int64     `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        Kind      `json:"kind"`
	Payload     Payload   `json:"payload"`
	RunID       string    `json:"runId,omitempty"`
}

// Payload is a kind-specific key-value map. Callers build it inline when
// appending; the event store does not check its keys against the kind.
type Payload map[string]any

// BlobRef is how a payload references content stored outside the row
// (spec.md §4.1: "a payload may reference blobs by identifier for
// content above 2 KiB").
type BlobRef struct {
	BlobID   string `json:"blobId"`
	Preview  string `json:"preview,omitempty"`
	Truncated bool  `json:"truncated"`
	SizeBytes int   `json:"sizeBytes"`
}

// ForkRef is the payload reference carried by a forked session's root
// event (spec.md §3 invariant #5: fork disjointness).
type ForkRef struct {
	SourceSessionID string `json:"sourceSessionId"`
	SourceEventID   string `json:"sourceEventId"`
	Name            string `json:"name,omitempty"`
}
