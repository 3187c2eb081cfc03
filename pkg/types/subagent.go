package types

import "time"

// SubAgentStatus is a tracked sub-agent's lifecycle state.
type SubAgentStatus string

const (
	SubAgentSpawning     SubAgentStatus = "spawning"
	SubAgentRunning      SubAgentStatus = "running"
	SubAgentPaused       SubAgentStatus = "paused"
	SubAgentWaitingInput SubAgentStatus = "waiting_input"
	SubAgentCompleted    SubAgentStatus = "completed"
	SubAgentFailed       SubAgentStatus = "failed"
)

// Terminal reports whether the status ends the sub-agent's lifecycle.
func (s SubAgentStatus) Terminal() bool {
	return s == SubAgentCompleted || s == SubAgentFailed
}

// TrackedSubAgent is the tracker's record of one spawned child session.
type TrackedSubAgent struct {
	SessionID     string         `json:"sessionId"`
	SpawnEventID  string         `json:"spawnEventId"`
	SpawnType     SpawnType      `json:"spawnType"`
	Task          string         `json:"task"`
	Model         string         `json:"model"`
	WorkingDir    string         `json:"workingDirectory"`
	Status        SubAgentStatus `json:"status"`
	CurrentTurn   int            `json:"currentTurn"`
	TokenUsage    RawTokenUsage  `json:"tokenUsage"`
	StartedAt     time.Time      `json:"startedAt"`
	EndedAt       *time.Time     `json:"endedAt,omitempty"`
	ResultSummary string         `json:"resultSummary,omitempty"`
	FullOutput    string         `json:"fullOutput,omitempty"`
	Err           string         `json:"error,omitempty"`
	TmuxSession   string         `json:"tmuxSessionName,omitempty"`
	MaxTurns      int            `json:"maxTurns,omitempty"`
	Duration      time.Duration  `json:"duration,omitempty"`
}

// SubAgentResult is what a waiter receives on completion or failure.
type SubAgentResult struct {
	SessionID     string
	Success       bool
	Output        string
	Summary       string
	TotalTurns    int
	TokenUsage    RawTokenUsage
	Duration      time.Duration
	Err           string
	Recoverable   bool
}
