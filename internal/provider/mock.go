// Package provider supplies orchestrator.Provider implementations: a
// real Anthropic Messages client (anthropic.go) and a deterministic
// MockProvider for tests, grounded in the teacher's own
// AnthropicProvider/chunk-processor pair but rebuilt directly on
// github.com/anthropics/anthropic-sdk-go instead of the teacher's eino
// indirection, since this module never imports eino.
package provider

import (
	"context"
	"io"
	"sync"

	"github.com/agentcore-dev/core/internal/orchestrator"
	"github.com/agentcore-dev/core/pkg/types"
)

// Script is one scripted turn: the ordered ProviderEvents MockProvider
// replays for the Nth call to StartTurn against a given session.
type Script []types.ProviderEvent

// MockProvider replays pre-scripted turns per session, satisfying
// orchestrator.Provider without ever calling a real model. The provider
// tests and the end-to-end specs in internal/orchestrator/e2e_test.go
// use it to drive the turn pipeline against the exact event sequences
// spec.md §8 names; orchestrator_test.go uses its own scriptedProvider.
type MockProvider struct {
	mu      sync.Mutex
	scripts map[string][]Script // sessionID -> ordered turns
	calls   map[string]int
}

// NewMock creates an empty MockProvider. Use ScriptSession to register turns
// per session before driving a prompt.
func NewMock() *MockProvider {
	return &MockProvider{scripts: make(map[string][]Script), calls: make(map[string]int)}
}

// ScriptSession registers the ordered sequence of turns StartTurn will
// replay for sessionID, one Script per call. Calls beyond the scripted
// set fall back to an empty turn (turn_start then turn_end, with no text
// and no tool call), so a runaway loop terminates instead of hanging.
func (m *MockProvider) ScriptSession(sessionID string, turns ...Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[sessionID] = turns
}

func (m *MockProvider) StartTurn(ctx context.Context, req orchestrator.TurnRequest) (types.Stream, error) {
	m.mu.Lock()
	turns := m.scripts[req.SessionID]
	idx := m.calls[req.SessionID]
	m.calls[req.SessionID] = idx + 1
	m.mu.Unlock()

	if idx < len(turns) {
		return &mockStream{events: turns[idx]}, nil
	}
	return &mockStream{events: Script{
		{Type: types.PEventTurnStart, Turn: idx + 1},
		{Type: types.PEventTurnEnd, StopReason: "end_turn"},
	}}, nil
}

type mockStream struct {
	events Script
	i      int
}

func (s *mockStream) Recv() (types.ProviderEvent, error) {
	if s.i >= len(s.events) {
		return types.ProviderEvent{}, io.EOF
	}
	e := s.events[s.i]
	s.i++
	return e, nil
}

func (s *mockStream) Close() error { return nil }

// ColdPromptTextOnly is spec.md §8 scenario 1: a single turn that emits
// text and ends without touching any tool.
func ColdPromptTextOnly(text string) Script {
	return Script{
		{Type: types.PEventTurnStart, Turn: 1},
		{Type: types.PEventTextDelta, TextDelta: text},
		{Type: types.PEventResponseComplete, TokenUsage: types.RawTokenUsage{InputTokens: 10, OutputTokens: 5}},
		{Type: types.PEventTurnEnd, StopReason: "end_turn", TokenUsage: types.RawTokenUsage{InputTokens: 10, OutputTokens: 5}},
	}
}

// ToolLoop is spec.md §8 scenario 2: a tool-using turn followed by a
// text-only closing turn.
func ToolLoop(toolName string, args map[string]any, toolCallID string) []Script {
	return []Script{
		{
			{Type: types.PEventTurnStart, Turn: 1},
			{Type: types.PEventTextDelta, TextDelta: "reading"},
			{Type: types.PEventToolExecStart, ToolCallID: toolCallID, ToolName: toolName, ToolArguments: args},
			{Type: types.PEventTurnEnd, StopReason: "tool_use"},
		},
		{
			{Type: types.PEventTurnStart, Turn: 2},
			{Type: types.PEventTextDelta, TextDelta: "done"},
			{Type: types.PEventResponseComplete, TokenUsage: types.RawTokenUsage{InputTokens: 20, OutputTokens: 8}},
			{Type: types.PEventTurnEnd, StopReason: "end_turn", TokenUsage: types.RawTokenUsage{InputTokens: 20, OutputTokens: 8}},
		},
	}
}

// PreToolUseBlockAttempt is spec.md §8 scenario 3: a single tool call
// that a PreToolUse hook is expected to block before it ever executes.
func PreToolUseBlockAttempt(toolName string, args map[string]any, toolCallID string) Script {
	return Script{
		{Type: types.PEventTurnStart, Turn: 1},
		{Type: types.PEventToolExecStart, ToolCallID: toolCallID, ToolName: toolName, ToolArguments: args},
	}
}

// InterruptionMidTool is spec.md §8 scenario 6: a tool call that never
// resolves within the script itself — the caller is expected to abort
// the run while the orchestrator's own tool executor is blocked on it.
func InterruptionMidTool(toolName string, args map[string]any, toolCallID string) Script {
	return Script{
		{Type: types.PEventTurnStart, Turn: 1},
		{Type: types.PEventToolExecStart, ToolCallID: toolCallID, ToolName: toolName, ToolArguments: args},
	}
}
