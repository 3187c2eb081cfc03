package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore-dev/core/internal/agentevents"
	"github.com/agentcore-dev/core/internal/eventstore/memstore"
	"github.com/agentcore-dev/core/internal/hooks"
	"github.com/agentcore-dev/core/internal/subagent"
	"github.com/agentcore-dev/core/pkg/types"
)

// scriptedStream replays a fixed slice of ProviderEvents, one per Recv,
// then returns io.EOF. A non-nil block channel lets a test hold Recv
// open past the scripted events to exercise cancellation.
type scriptedStream struct {
	events []types.ProviderEvent
	i      int
	block  <-chan struct{}
}

func (s *scriptedStream) Recv() (types.ProviderEvent, error) {
	if s.i < len(s.events) {
		e := s.events[s.i]
		s.i++
		return e, nil
	}
	if s.block != nil {
		<-s.block
	}
	return types.ProviderEvent{}, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

// scriptedProvider hands back one scriptedStream per StartTurn call, in
// order; StartTurn beyond the scripted set returns a text-only
// no-tool-use stream so loops terminate cleanly.
type scriptedProvider struct {
	mu      sync.Mutex
	streams [][]types.ProviderEvent
	calls   int
}

func (p *scriptedProvider) StartTurn(ctx context.Context, req TurnRequest) (types.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	if idx < len(p.streams) {
		return &scriptedStream{events: p.streams[idx]}, nil
	}
	return &scriptedStream{events: []types.ProviderEvent{
		{Type: types.PEventTurnStart, Turn: idx + 1},
		{Type: types.PEventTextDelta, TextDelta: "done"},
		{Type: types.PEventTurnEnd, StopReason: "end_turn"},
	}}, nil
}

// fakeTools is a ToolExecutor test double; Execute looks up a canned
// response by tool name, defaulting to an empty success result.
type fakeTools struct {
	mu        sync.Mutex
	responses map[string]string
	calls     []string
	delay     chan struct{} // if set, Execute blocks on this before returning
}

func (t *fakeTools) Execute(ctx context.Context, sessionID, name string, args map[string]any) (string, bool, error) {
	t.mu.Lock()
	t.calls = append(t.calls, name)
	t.mu.Unlock()
	if t.delay != nil {
		<-t.delay
	}
	if resp, ok := t.responses[name]; ok {
		return resp, false, nil
	}
	return "", false, nil
}

func (t *fakeTools) Specs() []ToolSpec { return nil }

func newTestStore(t *testing.T, sessionID string) *memstore.Store {
	t.Helper()
	st := memstore.New()
	require.NoError(t, st.CreateSession(context.Background(), types.Session{ID: sessionID, Model: "claude-sonnet-4"}))
	return st
}

func kinds(events []types.Event) []types.Kind {
	out := make([]types.Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func countKind(ks []types.Kind, want types.Kind) int {
	n := 0
	for _, k := range ks {
		if k == want {
			n++
		}
	}
	return n
}

// Scenario 1: a cold prompt answered with text only, no tool use.
func TestPrompt_ColdPromptTextOnly(t *testing.T) {
	sessionID := "sess-cold"
	store := newTestStore(t, sessionID)
	prov := &scriptedProvider{streams: [][]types.ProviderEvent{
		{
			{Type: types.PEventTurnStart, Turn: 1},
			{Type: types.PEventTextDelta, TextDelta: "Hello "},
			{Type: types.PEventTextDelta, TextDelta: "there."},
			{Type: types.PEventResponseComplete, TokenUsage: types.RawTokenUsage{InputTokens: 10, OutputTokens: 5}},
			{Type: types.PEventTurnEnd, StopReason: "end_turn", TokenUsage: types.RawTokenUsage{InputTokens: 10, OutputTokens: 5}},
		},
	}}
	orch := New(store, nil, nil, prov, nil, nil, Options{})

	require.NoError(t, orch.Prompt(context.Background(), sessionID, "hi", PromptOptions{}))

	events, err := store.GetEvents(context.Background(), sessionID)
	require.NoError(t, err)
	ks := kinds(events)

	assert.Subset(t, ks, []types.Kind{
		types.KindSessionStart, types.KindMessageUser, types.KindStreamStart,
		types.KindMessageAssist, types.KindStreamEnd,
	})
	assert.Equal(t, 1, countKind(ks, types.KindMessageAssist))

	var assistText string
	for _, e := range events {
		if e.Kind == types.KindMessageAssist {
			blocks, _ := e.Payload["content"].([]types.ContentBlock)
			for _, b := range blocks {
				if b.Type == types.BlockText {
					assistText += b.Text
				}
			}
		}
	}
	assert.Equal(t, "Hello there.", assistText)
	assert.False(t, orch.IsProcessing(sessionID))
}

// Scenario 2: the model calls a tool, gets a result, then answers with
// text only on the following turn — the multi-step tool loop.
func TestPrompt_ToolLoop(t *testing.T) {
	sessionID := "sess-tool-loop"
	store := newTestStore(t, sessionID)
	prov := &scriptedProvider{streams: [][]types.ProviderEvent{
		{
			{Type: types.PEventTurnStart, Turn: 1},
			{Type: types.PEventTextDelta, TextDelta: "Let me check."},
			{Type: types.PEventToolExecStart, ToolCallID: "call-1", ToolName: "Read", ToolArguments: map[string]any{"path": "a.go"}},
			{Type: types.PEventTurnEnd, StopReason: "tool_use"},
		},
		{
			{Type: types.PEventTurnStart, Turn: 2},
			{Type: types.PEventTextDelta, TextDelta: "It contains package main."},
			{Type: types.PEventTurnEnd, StopReason: "end_turn"},
		},
	}}
	tools := &fakeTools{responses: map[string]string{"Read": "package main"}}
	orch := New(store, nil, nil, prov, tools, nil, Options{})

	require.NoError(t, orch.Prompt(context.Background(), sessionID, "what's in a.go?", PromptOptions{}))

	events, err := store.GetEvents(context.Background(), sessionID)
	require.NoError(t, err)
	ks := kinds(events)

	assert.Positive(t, countKind(ks, types.KindToolCall))
	assert.Positive(t, countKind(ks, types.KindToolResult))
	assert.Equal(t, 2, countKind(ks, types.KindMessageAssist), "one message.assistant per turn")
	assert.Equal(t, 2, countKind(ks, types.KindStreamEnd))
	assert.Equal(t, []string{"Read"}, tools.calls)
}

// Scenario 3: a PreToolUse hook rejects the call; the turn stops with a
// hook_blocked error and no tool.call/tool.result is persisted.
func TestPrompt_PreToolUseBlock(t *testing.T) {
	sessionID := "sess-blocked"
	store := newTestStore(t, sessionID)
	prov := &scriptedProvider{streams: [][]types.ProviderEvent{
		{
			{Type: types.PEventTurnStart, Turn: 1},
			{Type: types.PEventToolExecStart, ToolCallID: "call-1", ToolName: "Bash", ToolArguments: map[string]any{"command": "rm -rf /"}},
			{Type: types.PEventTurnEnd, StopReason: "tool_use"},
		},
	}}
	tools := &fakeTools{}
	engine := hooks.New(func(kind types.Kind, payload types.Payload) {})
	engine.Register(types.HookDefinition{
		Name: "deny-bash", Kind: types.HookPreToolUse,
		Handler: func(hctx types.HookContext) (types.HookResult, error) {
			if hctx.ToolName == "Bash" {
				return types.HookResult{Action: types.ActionBlock, Reason: "bash is not permitted"}, nil
			}
			return types.HookResult{Action: types.ActionContinue}, nil
		},
	})
	orch := New(store, engine, nil, prov, tools, nil, Options{})

	err := orch.Prompt(context.Background(), sessionID, "delete everything", PromptOptions{})
	require.Error(t, err)

	events, err := store.GetEvents(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, countKind(kinds(events), types.KindToolCall))
	assert.Empty(t, tools.calls)
}

// Scenario 6: the caller aborts mid-tool-execution; the pending tool
// call gets a synthesized interrupted tool.result and the turn ends
// with stream.turn_end{interrupted:true}.
func TestPrompt_InterruptionMidTool(t *testing.T) {
	sessionID := "sess-interrupt"
	store := newTestStore(t, sessionID)
	prov := &scriptedProvider{streams: [][]types.ProviderEvent{
		{
			{Type: types.PEventTurnStart, Turn: 1},
			{Type: types.PEventToolExecStart, ToolCallID: "call-1", ToolName: "Bash", ToolArguments: map[string]any{"command": "sleep 100"}},
		},
	}}
	block := make(chan struct{})
	tools := &fakeTools{delay: block}
	orch := New(store, nil, nil, prov, tools, nil, Options{})

	done := make(chan error, 1)
	go func() {
		done <- orch.Prompt(context.Background(), sessionID, "run it", PromptOptions{})
	}()

	require.Eventually(t, func() bool { return orch.IsProcessing(sessionID) }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond) // let the turn loop reach the blocked tool call

	require.NoError(t, orch.Abort(sessionID))
	close(block)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Prompt never returned after Abort")
	}

	events, err := store.GetEvents(context.Background(), sessionID)
	require.NoError(t, err)

	var found, sawInterruptedEnd bool
	for _, e := range events {
		if e.Kind == types.KindToolResult {
			meta, _ := e.Payload["_meta"].(map[string]any)
			if meta["interrupted"] == true && meta["toolName"] == "Bash" {
				found = true
			}
			assert.Equal(t, "Command interrupted (no output captured)", e.Payload["content"])
		}
		if e.Kind == types.KindStreamEnd {
			if interrupted, _ := e.Payload["interrupted"].(bool); interrupted {
				sawInterruptedEnd = true
			}
		}
	}
	assert.True(t, found, "expected a synthesized interrupted tool.result event")
	assert.True(t, sawInterruptedEnd, "expected stream.turn_end{interrupted:true}")
}

// A second Prompt call while one is already in flight is rejected
// outright rather than queued (spec.md §4.2's single-flight rule).
func TestPrompt_AlreadyProcessing(t *testing.T) {
	sessionID := "sess-busy"
	store := newTestStore(t, sessionID)
	block := make(chan struct{})
	// A stream that blocks on Recv past turn_start keeps the first
	// Prompt call in-flight long enough to observe the rejection.
	orch := New(store, nil, nil, &blockingStartProvider{block: block}, nil, nil, Options{})

	go func() { _ = orch.Prompt(context.Background(), sessionID, "first", PromptOptions{}) }()
	require.Eventually(t, func() bool { return orch.IsProcessing(sessionID) }, 2*time.Second, time.Millisecond)

	err := orch.Prompt(context.Background(), sessionID, "second", PromptOptions{})
	assert.Error(t, err)

	close(block)
}

type blockingStartProvider struct{ block <-chan struct{} }

func (p *blockingStartProvider) StartTurn(ctx context.Context, req TurnRequest) (types.Stream, error) {
	return &scriptedStream{events: []types.ProviderEvent{{Type: types.PEventTurnStart, Turn: 1}}, block: p.block}, nil
}

// A duplicate turn_end within the same stream is idempotent: only one
// message.assistant / stream.turn_end pair is persisted.
func TestConsumeOneTurn_DuplicateTurnEndIgnored(t *testing.T) {
	sessionID := "sess-dup-end"
	store := newTestStore(t, sessionID)
	prov := &scriptedProvider{streams: [][]types.ProviderEvent{
		{
			{Type: types.PEventTurnStart, Turn: 1},
			{Type: types.PEventTextDelta, TextDelta: "ok"},
			{Type: types.PEventTurnEnd, StopReason: "end_turn"},
			{Type: types.PEventTurnEnd, StopReason: "end_turn"},
		},
	}}
	orch := New(store, nil, nil, prov, nil, nil, Options{})

	require.NoError(t, orch.Prompt(context.Background(), sessionID, "hi", PromptOptions{}))

	events, err := store.GetEvents(context.Background(), sessionID)
	require.NoError(t, err)
	ks := kinds(events)
	assert.Equal(t, 1, countKind(ks, types.KindStreamEnd))
	assert.Equal(t, 1, countKind(ks, types.KindMessageAssist))
}

// A turn that exhausts MaxTurnsPerPrompt without stopping surfaces the
// max_turns_exceeded error rather than looping forever.
func TestPrompt_MaxTurnsExceeded(t *testing.T) {
	sessionID := "sess-maxturns"
	store := newTestStore(t, sessionID)
	prov := &loopingToolProvider{}
	tools := &fakeTools{responses: map[string]string{"Read": "x"}}
	orch := New(store, nil, nil, prov, tools, nil, Options{MaxTurnsPerPrompt: 2})

	err := orch.Prompt(context.Background(), sessionID, "go forever", PromptOptions{})
	assert.Error(t, err)
}

// loopingToolProvider always answers with another tool call, never
// stopping on its own, to exercise the max-turns guard.
type loopingToolProvider struct{ calls int }

func (p *loopingToolProvider) StartTurn(ctx context.Context, req TurnRequest) (types.Stream, error) {
	p.calls++
	return &scriptedStream{events: []types.ProviderEvent{
		{Type: types.PEventTurnStart, Turn: p.calls},
		{Type: types.PEventToolExecStart, ToolCallID: "call", ToolName: "Read", ToolArguments: map[string]any{}},
		{Type: types.PEventTurnEnd, StopReason: "tool_use"},
	}}, nil
}

// alwaysFailingTools is a ToolExecutor double whose every call reports
// isError true, used to exercise the doom-loop guard.
type alwaysFailingTools struct{ calls int }

func (t *alwaysFailingTools) Execute(ctx context.Context, sessionID, name string, args map[string]any) (string, bool, error) {
	t.calls++
	return "boom", true, nil
}

func (t *alwaysFailingTools) Specs() []ToolSpec { return nil }

// A tool call that keeps failing with identical arguments trips the
// doom-loop guard and ends the run instead of retrying up to MaxTurns.
func TestPrompt_DoomLoopEndsRun(t *testing.T) {
	sessionID := "sess-doomloop"
	store := newTestStore(t, sessionID)
	prov := &loopingToolProvider{}
	tools := &alwaysFailingTools{}
	orch := New(store, nil, nil, prov, tools, nil, Options{MaxTurnsPerPrompt: 20, DoomLoopThreshold: 3})

	err := orch.Prompt(context.Background(), sessionID, "keep failing", PromptOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doom_loop")

	// the guard trips on the threshold-th failing call, well short of
	// the generous MaxTurnsPerPrompt ceiling.
	assert.Equal(t, 3, tools.calls)
}

// A provider-reported terminal error aborts the loop with a
// ProviderTerminal, non-retryable error and persists error.agent.
func TestPrompt_ProviderTerminalError(t *testing.T) {
	sessionID := "sess-provider-error"
	store := newTestStore(t, sessionID)
	prov := &scriptedProvider{streams: [][]types.ProviderEvent{
		{
			{Type: types.PEventTurnStart, Turn: 1},
			{Type: types.PEventError, Err: errors.New("invalid api key"), ErrRecoverable: false},
		},
	}}
	orch := New(store, nil, nil, prov, nil, nil, Options{})

	err := orch.Prompt(context.Background(), sessionID, "hi", PromptOptions{})
	assert.Error(t, err)

	events, fetchErr := store.GetEvents(context.Background(), sessionID)
	require.NoError(t, fetchErr)
	assert.Positive(t, countKind(kinds(events), types.KindErrorAgent))
}

// Compact clears the sub-agent tracker and appends a compact.boundary
// event carrying the compression ratio.
func TestCompact_AppendsBoundaryAndClearsTracker(t *testing.T) {
	sessionID := "sess-compact"
	store := newTestStore(t, sessionID)
	tracker := subagent.New()
	tracker.Spawn(types.TrackedSubAgent{SessionID: "child"})
	orch := New(store, nil, tracker, &scriptedProvider{}, nil, nil, Options{})

	evt, err := orch.Compact(context.Background(), sessionID, 1000, 200, "manual", "summary text")
	require.NoError(t, err)
	assert.Equal(t, types.KindCompactBound, evt.Kind)
	assert.InDelta(t, 0.2, evt.Payload["compressionRatio"], 0.0001)
	_, stillTracked := tracker.Get("child")
	assert.False(t, stillTracked, "Compact clears the sub-agent tracker")
}

// SwitchModel persists both the prior and new model so clients can
// reconstruct the switch without a second lookup.
func TestSwitchModel_RecordsPreviousAndNewModel(t *testing.T) {
	sessionID := "sess-switch"
	store := newTestStore(t, sessionID)
	orch := New(store, nil, nil, &scriptedProvider{}, nil, nil, Options{})

	require.NoError(t, orch.SwitchModel(context.Background(), sessionID, "claude-opus-4"))

	events, err := store.GetEvents(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.KindModelSwitch, events[0].Kind)
	assert.Equal(t, "claude-sonnet-4", events[0].Payload["previousModel"])
	assert.Equal(t, "claude-opus-4", events[0].Payload["newModel"])

	sess, err := store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4", sess.Model)
}

// Publishing through the bus reaches subscribers for the turn lifecycle.
func TestPrompt_PublishesBusEvents(t *testing.T) {
	sessionID := "sess-bus"
	store := newTestStore(t, sessionID)
	prov := &scriptedProvider{streams: [][]types.ProviderEvent{
		{
			{Type: types.PEventTurnStart, Turn: 1},
			{Type: types.PEventTextDelta, TextDelta: "hi"},
			{Type: types.PEventTurnEnd, StopReason: "end_turn"},
		},
	}}
	bus := agentevents.New()
	defer bus.Close()

	var mu sync.Mutex
	var seen []agentevents.Kind
	unsub := bus.SubscribeAll(func(e agentevents.Event) {
		mu.Lock()
		seen = append(seen, e.Kind)
		mu.Unlock()
	})
	defer unsub()

	orch := New(store, nil, nil, prov, nil, bus, Options{})
	require.NoError(t, orch.Prompt(context.Background(), sessionID, "hi", PromptOptions{}))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, agentevents.KindTurnStart)
	assert.Contains(t, seen, agentevents.KindTurnEnd)
}

// titleProvider always answers with the same scripted text turn,
// independent of call count — generateTitle runs on its own goroutine
// so it must not share scriptedProvider's ordinal replay state with
// whatever turn loop is under test.
type titleProvider struct{ text string }

func (p *titleProvider) StartTurn(ctx context.Context, req TurnRequest) (types.Stream, error) {
	return &scriptedStream{events: []types.ProviderEvent{
		{Type: types.PEventTextDelta, TextDelta: p.text},
	}}, nil
}

func TestGenerateTitle_SetsSessionTitleFromFirstPrompt(t *testing.T) {
	sessionID := "sess-title"
	store := newTestStore(t, sessionID)
	bus := agentevents.New()
	defer bus.Close()

	var mu sync.Mutex
	var seen []agentevents.Kind
	unsub := bus.SubscribeAll(func(e agentevents.Event) {
		mu.Lock()
		seen = append(seen, e.Kind)
		mu.Unlock()
	})
	defer unsub()

	orch := New(store, nil, nil, &titleProvider{text: "Debugging flaky title test\nextra line"}, nil, bus, Options{})
	orch.generateTitle(sessionID, "why does this test flake")

	require.Eventually(t, func() bool {
		sess, err := store.GetSession(context.Background(), sessionID)
		return err == nil && sess.Title != ""
	}, time.Second, 5*time.Millisecond)

	sess, err := store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "Debugging flaky title test", sess.Title, "only the first non-empty line is kept")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, agentevents.KindSessionUpdated)
}

func TestGenerateTitle_SkipsChildSessions(t *testing.T) {
	sessionID := "sess-title-child"
	store := memstore.New()
	require.NoError(t, store.CreateSession(context.Background(), types.Session{ID: sessionID, Model: "claude-sonnet-4", ParentSessionID: "sess-parent"}))

	orch := New(store, nil, nil, &titleProvider{text: "Should never be used"}, nil, nil, Options{})
	orch.generateTitle(sessionID, "child prompt")

	time.Sleep(20 * time.Millisecond)
	sess, err := store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Empty(t, sess.Title)
}
