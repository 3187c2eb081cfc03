// Package orchestrator owns the Active Session state machine and drives
// one prompt-to-completion turn loop, mediating between the provider
// client, the tool registry, the event store, the hook engine, and the
// sub-agent tracker (spec.md §4.2).
package orchestrator

import (
	"context"
	"time"

	"github.com/agentcore-dev/core/pkg/types"
)

// ToolSpec is one tool's name/description/schema as advertised to the
// provider for a turn.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// HistoryItem is one flattened transcript entry the orchestrator builds
// from persisted events to hand the provider on each call, generalizing
// the teacher's loadMessages+convertMessage pipeline from a typed
// Message/Part store onto the append-only event log.
type HistoryItem struct {
	Role string // "user" | "assistant" | "tool"

	Text string

	ToolCallID string
	ToolName   string
	ToolInput  map[string]any

	ToolResultText string
	ToolIsError    bool
}

// TurnRequest is everything a Provider needs to stream one turn.
type TurnRequest struct {
	SessionID      string
	Model          string
	History        []HistoryItem
	Tools          []ToolSpec
	ReasoningLevel string
}

// Provider is the core-facing surface the orchestrator depends on; a
// concrete implementation (internal/provider) wraps a specific vendor
// SDK. Kept narrow here so orchestrator never imports the provider
// package, mirroring subagent.TurnRunner's inversion.
type Provider interface {
	StartTurn(ctx context.Context, req TurnRequest) (types.Stream, error)
}

// ToolExecutor is the core-facing surface over the tool registry.
type ToolExecutor interface {
	Execute(ctx context.Context, sessionID, toolName string, args map[string]any) (content string, isError bool, err error)
	Specs() []ToolSpec
}

// PromptOptions parameterizes one call to Prompt.
type PromptOptions struct {
	Attachments    []string
	Images         []string
	Skills         []string
	MaxTurns       int
	ReasoningLevel string
}

// ModelRates is a per-model cost table row (spec.md §4.2's cost
// computation fallback), priced in USD per token.
type ModelRates struct {
	InputPerToken          float64
	OutputPerToken         float64
	CacheReadPerToken      float64
	CacheCreationPerToken  float64
	CacheCreation5mPerToken float64
	CacheCreation1hPerToken float64
}

const defaultMaxTurnsPerPrompt = 50

// defaultHookTimeout is the value Options.HookTimeout takes when unset.
// The orchestrator stores it but does not pass it to the hook engine,
// which applies its own per-hook default timeout.
const defaultHookTimeout = 30 * time.Second
