package types

import "time"

// ProviderEventType tags the union of events a Provider stream yields
// (spec.md §4.2's table and §6's core-facing provider interface).
type ProviderEventType string

const (
	PEventTurnStart       ProviderEventType = "turn_start"
	PEventTextDelta       ProviderEventType = "text_delta"
	PEventThinkingDelta   ProviderEventType = "thinking_delta"
	PEventToolUseBatch    ProviderEventType = "tool_use_batch"
	PEventToolExecStart   ProviderEventType = "tool_execution_start"
	PEventToolExecUpdate  ProviderEventType = "tool_execution_update"
	PEventToolExecEnd     ProviderEventType = "tool_execution_end"
	PEventResponseComplete ProviderEventType = "response_complete"
	PEventTurnEnd         ProviderEventType = "turn_end"
	PEventError           ProviderEventType = "error"
)

// ToolIntent is one tool call the model wants to make, as announced by
// a tool_use_batch event.
type ToolIntent struct {
	ToolCallID string
	Name       string
	Arguments  map[string]any
}

// ProviderEvent is a single tagged event from a provider's stream. Only
// the fields relevant to Type are populated; this is the Go realization
// of spec.md §9's "dynamic typing -> tagged variants" note.
type ProviderEvent struct {
	Type ProviderEventType

	Turn int

	TextDelta     string
	ThinkingDelta string
	ThinkingSig   string

	ToolIntents []ToolIntent

	ToolCallID     string
	ToolName       string
	ToolArguments  map[string]any
	ToolOutputChunk string
	ToolResultContent string
	ToolIsError    bool
	ToolDuration   time.Duration

	TokenUsage RawTokenUsage
	Cost       *float64

	StopReason string
	Duration   time.Duration

	Err           error
	ErrRecoverable bool
}

// Stream is the ordered, cancellable stream a Provider call returns.
// Recv blocks until the next event, io.EOF-equivalent is signaled by
// returning (ProviderEvent{}, io.EOF).
type Stream interface {
	Recv() (ProviderEvent, error)
	Close() error
}
