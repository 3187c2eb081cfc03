// Package subagent implements the Sub-Agent Tracker of spec.md §4.4:
// bookkeeping for spawned child sessions, a waiter/notification API
// for code that needs to block on a child's outcome, and event-sourced
// reconstruction so a resumed session rebuilds identical tracking state.
package subagent

import (
	"context"
	"sync"
	"time"

	"github.com/agentcore-dev/core/internal/coreerr"
	"github.com/agentcore-dev/core/internal/corelog"
	"github.com/agentcore-dev/core/pkg/types"
)

type waiterOutcome struct {
	result types.SubAgentResult
	err    error
}

// Tracker holds the live state for one parent session's sub-agents. The
// lock shape — one mutex guarding a handful of maps — mirrors the
// teacher's permission.DoomLoopDetector.
type Tracker struct {
	mu      sync.Mutex
	agents  map[string]*types.TrackedSubAgent
	results map[string]types.SubAgentResult // terminal results, by session id
	pending []types.SubAgentResult

	waiters       map[string][]chan waiterOutcome
	onComplete    map[string][]func(types.SubAgentResult)
	onAnyComplete []func(types.SubAgentResult)
}

func New() *Tracker {
	return &Tracker{
		agents:     make(map[string]*types.TrackedSubAgent),
		results:    make(map[string]types.SubAgentResult),
		waiters:    make(map[string][]chan waiterOutcome),
		onComplete: make(map[string][]func(types.SubAgentResult)),
	}
}

// Spawn inserts a tracked record with status spawning.
func (t *Tracker) Spawn(rec types.TrackedSubAgent) {
	rec.Status = types.SubAgentSpawning
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := rec
	t.agents[rec.SessionID] = &cp
}

// UpdateStatus mutates status/turn/tokenUsage for a tracked sub-agent.
func (t *Tracker) UpdateStatus(sessionID string, status types.SubAgentStatus, turn int, usage types.RawTokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.agents[sessionID]
	if !ok {
		return
	}
	rec.Status = status
	rec.CurrentTurn = turn
	rec.TokenUsage = usage
}

// Complete marks a sub-agent completed, enqueues its result, and
// resolves all waiters and callbacks registered for it.
func (t *Tracker) Complete(sessionID, summary string, turns int, usage types.RawTokenUsage, duration time.Duration, fullOutput string) {
	result := types.SubAgentResult{
		SessionID: sessionID, Success: true, Output: fullOutput, Summary: summary,
		TotalTurns: turns, TokenUsage: usage, Duration: duration,
	}
	t.finish(sessionID, types.SubAgentCompleted, result)
}

// Fail is Complete's symmetric counterpart: the result carries
// success: false, but waiters resolve (not reject) with it.
func (t *Tracker) Fail(sessionID string, failErr error, failedAtTurn int, duration time.Duration) {
	result := types.SubAgentResult{
		SessionID: sessionID, Success: false, TotalTurns: failedAtTurn,
		Duration: duration, Recoverable: coreerr.Is(failErr, coreerr.ProviderTransient),
	}
	if failErr != nil {
		result.Err = failErr.Error()
	}
	t.finish(sessionID, types.SubAgentFailed, result)
}

func (t *Tracker) finish(sessionID string, status types.SubAgentStatus, result types.SubAgentResult) {
	t.mu.Lock()
	if rec, ok := t.agents[sessionID]; ok {
		rec.Status = status
		rec.ResultSummary = result.Summary
		rec.FullOutput = result.Output
		rec.Err = result.Err
		now := time.Now().UTC()
		rec.EndedAt = &now
		rec.Duration = result.Duration
	}
	t.results[sessionID] = result
	t.pending = append(t.pending, result)

	waiters := t.waiters[sessionID]
	delete(t.waiters, sessionID)
	completeCbs := append([]func(types.SubAgentResult){}, t.onComplete[sessionID]...)
	anyCbs := append([]func(types.SubAgentResult){}, t.onAnyComplete...)
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- waiterOutcome{result: result}
	}
	runCallbacks(completeCbs, result)
	runCallbacks(anyCbs, result)
}

func runCallbacks(cbs []func(types.SubAgentResult), result types.SubAgentResult) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					corelog.Warn().Interface("panic", r).Str("session_id", result.SessionID).
						Msg("sub-agent completion callback panicked")
				}
			}()
			cb(result)
		}()
	}
}

// WaitFor resolves on the sub-agent's completion or failure, or returns
// an error on timeout. If the sub-agent is already terminal it resolves
// synchronously from stored state.
func (t *Tracker) WaitFor(ctx context.Context, sessionID string, timeout time.Duration) (types.SubAgentResult, error) {
	t.mu.Lock()
	if result, ok := t.results[sessionID]; ok {
		t.mu.Unlock()
		return result, nil
	}
	ch := make(chan waiterOutcome, 1)
	t.waiters[sessionID] = append(t.waiters[sessionID], ch)
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		return outcome.result, outcome.err
	case <-timer.C:
		return types.SubAgentResult{}, coreerr.New("subagent_wait_timeout", coreerr.Cancellation, false,
			"timed out waiting for sub-agent: "+sessionID)
	case <-ctx.Done():
		return types.SubAgentResult{}, coreerr.Wrap("subagent_wait_cancelled", coreerr.Cancellation, false,
			"context cancelled while waiting for sub-agent", ctx.Err())
	}
}

// WaitForAny resolves with whichever of sids completes or fails first.
func (t *Tracker) WaitForAny(ctx context.Context, sids []string, timeout time.Duration) (types.SubAgentResult, error) {
	if len(sids) == 0 {
		return types.SubAgentResult{}, coreerr.New("invalid_argument", coreerr.Validation, false, "waitForAny requires at least one session id")
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan waiterOutcome, len(sids))
	for _, sid := range sids {
		sid := sid
		go func() {
			result, err := t.WaitFor(subCtx, sid, timeout)
			out <- waiterOutcome{result: result, err: err}
		}()
	}

	outcome := <-out
	return outcome.result, outcome.err
}

// WaitForAll resolves once every sid has completed or failed, preserving
// input order; the timeout applies independently per sid.
func (t *Tracker) WaitForAll(ctx context.Context, sids []string, timeout time.Duration) ([]types.SubAgentResult, error) {
	results := make([]types.SubAgentResult, len(sids))
	errs := make([]error, len(sids))

	var wg sync.WaitGroup
	for i, sid := range sids {
		wg.Add(1)
		go func(i int, sid string) {
			defer wg.Done()
			results[i], errs[i] = t.WaitFor(ctx, sid, timeout)
		}(i, sid)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// OnComplete registers a callback fired when sessionID completes or fails.
func (t *Tracker) OnComplete(sessionID string, cb func(types.SubAgentResult)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onComplete[sessionID] = append(t.onComplete[sessionID], cb)
}

// OnAnyComplete registers a callback fired when any tracked sub-agent
// completes or fails.
func (t *Tracker) OnAnyComplete(cb func(types.SubAgentResult)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAnyComplete = append(t.onAnyComplete, cb)
}

// ConsumePendingResults drains and returns the pending-result queue, for
// auto-injection into the parent's next turn.
func (t *Tracker) ConsumePendingResults() []types.SubAgentResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.pending
	t.pending = nil
	return out
}

// Get returns a snapshot of one tracked sub-agent, if known.
func (t *Tracker) Get(sessionID string) (types.TrackedSubAgent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.agents[sessionID]
	if !ok {
		return types.TrackedSubAgent{}, false
	}
	return *rec, true
}

// Clear empties tracking and rejects all outstanding waiters with a
// tracking-cleared error. Pending results are preserved — they must
// still be delivered to the parent's next turn.
func (t *Tracker) Clear() {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = make(map[string][]chan waiterOutcome)
	t.agents = make(map[string]*types.TrackedSubAgent)
	t.results = make(map[string]types.SubAgentResult)
	t.onComplete = make(map[string][]func(types.SubAgentResult))
	t.onAnyComplete = nil
	t.mu.Unlock()

	clearErr := coreerr.New("tracking_cleared", coreerr.Cancellation, false, "sub-agent tracking was cleared")
	for _, chans := range waiters {
		for _, ch := range chans {
			ch <- waiterOutcome{err: clearErr}
		}
	}
}

// FromEvents statically reconstructs a Tracker by replaying
// subagent.spawned/status_update/completed/failed events in order.
// context.cleared and compact.boundary events reset the tracker, since
// a resumed session has no live waiters to reject.
func FromEvents(events []types.Event) *Tracker {
	t := New()
	for _, evt := range events {
		switch evt.Kind {
		case types.KindSubagentSpawn:
			t.applySpawned(evt)
		case types.KindSubagentStat:
			t.applyStatusUpdate(evt)
		case types.KindSubagentDone:
			t.applyCompleted(evt)
		case types.KindSubagentFail:
			t.applyFailed(evt)
		case types.KindContextClear, types.KindCompactBound:
			t.agents = make(map[string]*types.TrackedSubAgent)
			t.results = make(map[string]types.SubAgentResult)
			t.pending = nil
		}
	}
	return t
}

func (t *Tracker) applySpawned(evt types.Event) {
	sid, _ := evt.Payload["subagentSessionId"].(string)
	if sid == "" {
		return
	}
	rec := types.TrackedSubAgent{
		SessionID:    sid,
		SpawnEventID: evt.ID,
		Status:       types.SubAgentSpawning,
		StartedAt:    evt.Timestamp,
	}
	if v, ok := evt.Payload["spawnType"].(string); ok {
		rec.SpawnType = types.SpawnType(v)
	}
	if v, ok := evt.Payload["task"].(string); ok {
		rec.Task = v
	}
	if v, ok := evt.Payload["model"].(string); ok {
		rec.Model = v
	}
	if v, ok := evt.Payload["workingDirectory"].(string); ok {
		rec.WorkingDir = v
	}
	if v, ok := evt.Payload["tmuxSessionName"].(string); ok {
		rec.TmuxSession = v
	}
	t.agents[sid] = &rec
}

func (t *Tracker) applyStatusUpdate(evt types.Event) {
	sid, _ := evt.Payload["subagentSessionId"].(string)
	rec, ok := t.agents[sid]
	if !ok {
		return
	}
	if v, ok := evt.Payload["status"].(string); ok {
		rec.Status = types.SubAgentStatus(v)
	}
	if v, ok := evt.Payload["currentTurn"].(float64); ok {
		rec.CurrentTurn = int(v)
	}
}

func (t *Tracker) applyCompleted(evt types.Event) {
	sid, _ := evt.Payload["subagentSessionId"].(string)
	rec, ok := t.agents[sid]
	if !ok {
		return
	}
	rec.Status = types.SubAgentCompleted
	if v, ok := evt.Payload["resultSummary"].(string); ok {
		rec.ResultSummary = v
	}
	endedAt := evt.Timestamp
	rec.EndedAt = &endedAt
	t.results[sid] = types.SubAgentResult{SessionID: sid, Success: true, Summary: rec.ResultSummary, Output: rec.FullOutput}
}

func (t *Tracker) applyFailed(evt types.Event) {
	sid, _ := evt.Payload["subagentSessionId"].(string)
	rec, ok := t.agents[sid]
	if !ok {
		return
	}
	rec.Status = types.SubAgentFailed
	endedAt := evt.Timestamp
	rec.EndedAt = &endedAt
	t.results[sid] = types.SubAgentResult{SessionID: sid, Success: false}
}
