package types

import "time"

// SpawnType distinguishes how a session came into being.
type SpawnType string

const (
	SpawnNone       SpawnType = ""
	SpawnSubsession SpawnType = "subsession"
	SpawnTmux       SpawnType = "tmux"
	SpawnFork       SpawnType = "fork"
)

// Session is the durable record a session owns (spec.md §3).
type Session struct {
	ID              string    `json:"id"`
	WorkingDir      string    `json:"workingDirectory"`
	Model           string    `json:"model"`
	RootEventID     string    `json:"rootEventId"`
	HeadEventID     string    `json:"headEventId"`
	ParentSessionID string    `json:"parentSessionId,omitempty"`
	SpawnType       SpawnType `json:"spawnType,omitempty"`
	SpawnTask       string    `json:"spawnTask,omitempty"`
	Title           string    `json:"title,omitempty"`

	TurnCount            int       `json:"turnCount"`
	TotalInputTokens      int64     `json:"totalInputTokens"`
	TotalOutputTokens     int64     `json:"totalOutputTokens"`
	CacheReadTokens       int64     `json:"cacheReadTokens"`
	CacheCreationTokens   int64     `json:"cacheCreationTokens"`
	TotalCost             float64   `json:"totalCost"`

	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// TreeNode is one entry of a tree-visualization response (spec.md §4.1).
type TreeNode struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parentId,omitempty"`
	Kind        Kind      `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	Summary     string    `json:"summary"`
	HasChildren bool      `json:"hasChildren"`
	ChildCount  int       `json:"childCount"`
	Depth       int       `json:"depth"`
	IsBranchPoint bool    `json:"isBranchPoint"`
	IsHead      bool      `json:"isHead"`
}

// SearchResult is one ranked hit from Store.Search.
type SearchResult struct {
	Event     Event   `json:"event"`
	Snippet   string  `json:"snippet"`
	Relevance float64 `json:"relevance"`
}

// SearchFilters narrows a full-text search.
type SearchFilters struct {
	SessionID   string
	WorkspaceID string
	Kinds       []Kind
	Limit       int
}
