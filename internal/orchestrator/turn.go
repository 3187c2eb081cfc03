package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentcore-dev/core/internal/agentevents"
	"github.com/agentcore-dev/core/internal/content"
	"github.com/agentcore-dev/core/internal/coreerr"
	"github.com/agentcore-dev/core/internal/eventstore"
	"github.com/agentcore-dev/core/pkg/types"
)

// turnAccumulator holds everything the pipeline has seen in-flight for
// the current model turn, the mutable state the spec's provider-event
// table mutates row by row (spec.md §4.2).
type turnAccumulator struct {
	thinking    strings.Builder
	thinkingSig string
	textBuf     strings.Builder
	sequence    []types.SequenceItem
	toolCalls   map[string]types.ToolCallRecord
	toolOrder   []string
	flushed     bool
	turnEnded   bool
	hadToolUse  bool
}

func newTurnAccumulator() *turnAccumulator {
	return &turnAccumulator{toolCalls: make(map[string]types.ToolCallRecord)}
}

func (a *turnAccumulator) flushText() {
	if a.textBuf.Len() > 0 {
		a.sequence = append(a.sequence, types.SequenceItem{Kind: types.SeqText, Text: a.textBuf.String()})
		a.textBuf.Reset()
	}
}

func (a *turnAccumulator) registerIntent(toolCallID, name string, args map[string]any, startedAt int64) {
	a.flushText()
	a.sequence = append(a.sequence, types.SequenceItem{Kind: types.SeqToolRef, ToolCallID: toolCallID})
	a.toolCalls[toolCallID] = types.ToolCallRecord{ID: toolCallID, Name: name, Arguments: args, Status: "pending", StartedAt: startedAt}
	a.toolOrder = append(a.toolOrder, toolCallID)
	a.hadToolUse = true
}

func (a *turnAccumulator) content(interrupted bool) []types.ContentBlock {
	a.flushText()
	if interrupted {
		return content.BuildInterrupted(a.thinking.String(), a.thinkingSig, a.sequence, a.toolCalls)
	}
	return content.Build(a.thinking.String(), a.thinkingSig, a.sequence, a.toolCalls, a.flushed)
}

// turnOutcome is what consumeOneTurn reports back to the outer loop.
type turnOutcome struct {
	hadToolUse  bool
	blocked     bool
	blockKind   types.HookKind
	blockInfo   types.ExecResult
	interrupted bool
	doomLoop    bool
}

func blockedErr(kind types.HookKind, res types.ExecResult) error {
	return coreerr.New("hook_blocked", coreerr.HookFailure, false,
		string(kind)+" blocked: "+res.Result.Reason)
}

// runTurnLoop is the full turn pipeline of spec.md §4.2: pre-turn hooks,
// the multi-step provider/tool loop, and the terminal Stop hook.
func (o *Orchestrator) runTurnLoop(ctx context.Context, sessionID, prompt string, opts PromptOptions, as *activeSession) error {
	priorEvents, err := o.store.GetEvents(ctx, sessionID)
	if err != nil {
		return err
	}
	isFirst := len(priorEvents) == 0

	if isFirst {
		res := o.runHook(ctx, types.HookSessionStart, types.HookContext{Kind: types.HookSessionStart, SessionID: sessionID, RunID: as.runID})
		if res.Blocked {
			return blockedErr(types.HookSessionStart, res)
		}
	}
	res := o.runHook(ctx, types.HookUserPromptSubmit, types.HookContext{Kind: types.HookUserPromptSubmit, SessionID: sessionID, RunID: as.runID, Prompt: prompt})
	if res.Blocked {
		return blockedErr(types.HookUserPromptSubmit, res)
	}

	if isFirst {
		if _, err := o.store.Append(ctx, eventstore.AppendInput{SessionID: sessionID, Kind: types.KindSessionStart, RunID: as.runID}); err != nil {
			return err
		}
	}
	if _, err := o.store.Append(ctx, eventstore.AppendInput{
		SessionID: sessionID, Kind: types.KindMessageUser, RunID: as.runID,
		Payload: types.Payload{"content": prompt, "attachments": opts.Attachments, "images": opts.Images, "skills": opts.Skills},
	}); err != nil {
		return err
	}

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	model := sess.Model
	if model == "" {
		model = o.defaultModel
	}

	events, err := o.store.GetEvents(ctx, sessionID)
	if err != nil {
		return err
	}
	history := buildHistory(events)

	retryB := newRetryBackoff(ctx)

	maxTurns := o.maxTurns
	if opts.MaxTurns > 0 && opts.MaxTurns < maxTurns {
		maxTurns = opts.MaxTurns
	}

	for turnNum := 1; turnNum <= maxTurns; turnNum++ {
		as.setTurn(turnNum)

		req := TurnRequest{SessionID: sessionID, Model: model, History: history, ReasoningLevel: opts.ReasoningLevel}
		if o.tools != nil {
			req.Tools = o.tools.Specs()
		}

		stream, err := o.provider.StartTurn(ctx, req)
		if err != nil {
			if wait, ok := nextRetry(retryB); ok {
				time.Sleep(wait)
				turnNum--
				continue
			}
			return coreerr.Wrap("provider_unavailable", coreerr.ProviderTransient, true, "starting turn", err)
		}

		outcome, newHistory, err := o.consumeOneTurn(ctx, sessionID, model, turnNum, stream, as, history)
		stream.Close()

		if err != nil {
			if coreerr.Is(err, coreerr.ProviderTransient) {
				if wait, ok := nextRetry(retryB); ok {
					time.Sleep(wait)
					turnNum--
					continue
				}
			}
			return err
		}
		retryB.Reset()
		history = newHistory

		if outcome.interrupted {
			return coreerr.New("turn_interrupted", coreerr.Cancellation, false, "turn was aborted")
		}
		if outcome.blocked {
			return blockedErr(outcome.blockKind, outcome.blockInfo)
		}
		if outcome.doomLoop {
			return coreerr.New("doom_loop", coreerr.Validation, false, "repeated failing tool call exceeded the doom-loop threshold")
		}
		if !outcome.hadToolUse {
			o.runHook(ctx, types.HookStop, types.HookContext{Kind: types.HookStop, SessionID: sessionID, RunID: as.runID})
			if isFirst {
				// Fired only once the turn loop has fully drained its own
				// provider calls, so the title call's StartTurn never
				// interleaves with this prompt's turn sequence.
				o.generateTitle(sessionID, prompt)
			}
			return nil
		}
	}

	return coreerr.New("max_turns_exceeded", coreerr.Validation, false, "exceeded max turns for this prompt")
}

func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute
	b.RandomizationFactor = 0.3
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)
}

func nextRetry(b backoff.BackOff) (time.Duration, bool) {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

// consumeOneTurn drains a provider Stream for exactly one model turn,
// mediating tool execution and hook invocation per spec.md §4.2's
// event table, and returns the updated transcript including any tool
// call/result pairs produced.
func (o *Orchestrator) consumeOneTurn(ctx context.Context, sessionID, model string, turnNum int, stream types.Stream, as *activeSession, history []HistoryItem) (turnOutcome, []HistoryItem, error) {
	acc := newTurnAccumulator()
	var tokenRecord types.TokenRecord
	var turnCost *float64
	var stopReason string
	var turnErr error

	for {
		select {
		case <-ctx.Done():
			return o.handleInterruption(ctx, sessionID, model, turnNum, acc, as, history)
		default:
		}

		evt, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return turnOutcome{}, history, coreerr.Wrap("stream_error", coreerr.ProviderTransient, true, "reading provider stream", err)
		}

		switch evt.Type {
		case types.PEventTurnStart:
			as.setTurn(evt.Turn)
			o.publish(agentevents.Event{Kind: agentevents.KindTurnStart, SessionID: sessionID, Data: map[string]any{"turn": evt.Turn}})
			if _, err := o.store.Append(ctx, eventstore.AppendInput{SessionID: sessionID, Kind: types.KindStreamStart, RunID: as.runID, Payload: types.Payload{"turn": evt.Turn}}); err != nil {
				o.warnf(sessionID, "persisting stream.turn_start", err)
			}

		case types.PEventTextDelta:
			acc.textBuf.WriteString(evt.TextDelta)

		case types.PEventThinkingDelta:
			acc.thinking.WriteString(evt.ThinkingDelta)
			if evt.ThinkingSig != "" {
				acc.thinkingSig = evt.ThinkingSig
			}

		case types.PEventToolUseBatch:
			now := time.Now().UnixMilli()
			for _, intent := range evt.ToolIntents {
				acc.registerIntent(intent.ToolCallID, intent.Name, intent.Arguments, now)
			}

		case types.PEventToolExecStart:
			if _, ok := acc.toolCalls[evt.ToolCallID]; !ok {
				acc.registerIntent(evt.ToolCallID, evt.ToolName, evt.ToolArguments, time.Now().UnixMilli())
			}

			if !acc.flushed {
				if blocks := acc.content(false); blocks != nil {
					info := assistantMessageInfo{Turn: turnNum, Model: model, HasThinking: acc.thinking.Len() > 0}
					if err := o.persistAssistantMessage(ctx, sessionID, as.runID, blocks, info); err != nil {
						o.warnf(sessionID, "persisting pre-tool message.assistant", err)
					}
				}
				acc.flushed = true
			}

			rec := acc.toolCalls[evt.ToolCallID]
			rec.Status = "running"
			acc.toolCalls[evt.ToolCallID] = rec

			hres := o.runHook(ctx, types.HookPreToolUse, types.HookContext{
				Kind: types.HookPreToolUse, SessionID: sessionID, RunID: as.runID,
				ToolName: evt.ToolName, ToolCallID: evt.ToolCallID, ToolArguments: evt.ToolArguments,
			})
			if hres.Blocked {
				return turnOutcome{blocked: true, blockKind: types.HookPreToolUse, blockInfo: hres}, history, nil
			}

			o.publish(agentevents.Event{Kind: agentevents.KindToolStart, SessionID: sessionID, Data: map[string]any{"toolCallId": evt.ToolCallID, "name": evt.ToolName}})

			execResult, completed := o.executeToolCancelable(ctx, sessionID, evt.ToolName, evt.ToolArguments)
			if !completed {
				// cancel() fired mid-execution: leave this tool's status
				// as "running" and synthesize the interrupted transcript
				// (spec.md §8 scenario 6) instead of a normal result.
				return o.handleInterruption(ctx, sessionID, model, turnNum, acc, as, history)
			}
			resultText, isError := execResult.text, execResult.isError
			if execResult.err != nil {
				resultText, isError = execResult.err.Error(), true
			}

			completedAt := time.Now().UnixMilli()
			rec = acc.toolCalls[evt.ToolCallID]
			rec.Status = "completed"
			rec.ResultText = resultText
			rec.IsError = isError
			rec.CompletedAt = completedAt
			acc.toolCalls[evt.ToolCallID] = rec

			if _, err := o.store.Append(ctx, eventstore.AppendInput{
				SessionID: sessionID, Kind: types.KindToolCall, RunID: as.runID,
				Payload: types.Payload{"toolCallId": evt.ToolCallID, "name": evt.ToolName, "content": evt.ToolArguments},
			}); err != nil {
				o.warnf(sessionID, "persisting tool.call", err)
			}

			o.runHookBackground(types.HookPostToolUse, types.HookContext{
				Kind: types.HookPostToolUse, SessionID: sessionID, RunID: as.runID,
				ToolName: evt.ToolName, ToolCallID: evt.ToolCallID, ToolArguments: evt.ToolArguments,
			})

			if _, err := o.store.Append(ctx, eventstore.AppendInput{
				SessionID: sessionID, Kind: types.KindToolResult, RunID: as.runID,
				Payload: types.Payload{"toolCallId": evt.ToolCallID, "content": resultText, "isError": isError},
			}); err != nil {
				o.warnf(sessionID, "persisting tool.result", err)
			}
			o.publish(agentevents.Event{Kind: agentevents.KindToolEnd, SessionID: sessionID, Data: map[string]any{"toolCallId": evt.ToolCallID, "isError": isError}})

			if o.doomLoop.Check(sessionID, evt.ToolName, evt.ToolArguments, isError) {
				o.publish(agentevents.Event{Kind: agentevents.KindTurnEnd, SessionID: sessionID, Data: map[string]any{"turn": turnNum, "stopReason": "doom_loop"}})
				return turnOutcome{doomLoop: true}, history, nil
			}

			history = append(history,
				HistoryItem{Role: "assistant", ToolCallID: evt.ToolCallID, ToolName: evt.ToolName, ToolInput: evt.ToolArguments},
				HistoryItem{Role: "tool", ToolCallID: evt.ToolCallID, ToolResultText: resultText, ToolIsError: isError},
			)

		case types.PEventToolExecUpdate:
			o.publish(agentevents.Event{Kind: agentevents.KindToolOutput, SessionID: sessionID, Data: map[string]any{"toolCallId": evt.ToolCallID, "chunk": evt.ToolOutputChunk}})

		case types.PEventToolExecEnd:
			// terminal state already applied at tool_execution_start in
			// this synchronous tool-execution model; nothing further to do.

		case types.PEventResponseComplete:
			tokenRecord = types.ComputeTokenRecord(evt.TokenUsage, o.baseline(sessionID), turnNum, sessionID, time.Now())

		case types.PEventTurnEnd:
			if acc.turnEnded {
				continue // duplicate turn_end: ignored (idempotent end)
			}
			acc.turnEnded = true
			stopReason = evt.StopReason
			tokenRecord = types.ComputeTokenRecord(evt.TokenUsage, o.baseline(sessionID), turnNum, sessionID, time.Now())
			turnCost = evt.Cost
			o.setBaseline(sessionID, tokenRecord.ContextWindowTokens)

			if !acc.flushed {
				blocks := acc.content(false)
				latencyMs := evt.Duration.Milliseconds()
				info := assistantMessageInfo{
					Turn: turnNum, Model: model, StopReason: stopReason,
					HasThinking: acc.thinking.Len() > 0, TokenRecord: &tokenRecord, LatencyMs: &latencyMs,
				}
				if err := o.persistAssistantMessage(ctx, sessionID, as.runID, blocks, info); err != nil {
					o.warnf(sessionID, "persisting message.assistant", err)
				}
				acc.flushed = true
				if blocks != nil {
					history = append(history, HistoryItem{Role: "assistant", Text: flattenText(blocks)})
				}
			}

			cost := computeCost(o.modelFor(sessionID), turnCost, evt.TokenUsage)
			if _, err := o.store.Append(ctx, eventstore.AppendInput{
				SessionID: sessionID, Kind: types.KindStreamEnd, RunID: as.runID,
				Payload: types.Payload{
					"turn": turnNum, "duration": evt.Duration.Milliseconds(),
					"tokenRecord": tokenRecord, "cost": cost, "stopReason": stopReason,
				},
			}); err != nil {
				o.warnf(sessionID, "persisting stream.turn_end", err)
			}
			if err := o.store.UpdateSessionStats(ctx, sessionID, 1, evt.TokenUsage, cost); err != nil {
				o.warnf(sessionID, "updating session stats", err)
			}
			o.publish(agentevents.Event{Kind: agentevents.KindTurnEnd, SessionID: sessionID, Data: map[string]any{"turn": turnNum, "stopReason": stopReason}})

		case types.PEventError:
			turnErr = evt.Err
			cat := coreerr.ProviderTerminal
			retryable := evt.ErrRecoverable
			if retryable {
				cat = coreerr.ProviderTransient
			}
			if _, err := o.store.Append(ctx, eventstore.AppendInput{
				SessionID: sessionID, Kind: types.KindErrorAgent, RunID: as.runID,
				Payload: types.Payload{"message": evt.Err.Error(), "recoverable": retryable},
			}); err != nil {
				o.warnf(sessionID, "persisting error.agent", err)
			}
			if !retryable {
				return turnOutcome{}, history, coreerr.Wrap("provider_error", cat, false, "provider reported a terminal error", turnErr)
			}
			return turnOutcome{}, history, coreerr.Wrap("provider_error", cat, true, "provider reported a transient error", turnErr)
		}
	}

	return turnOutcome{hadToolUse: acc.hadToolUse}, history, nil
}

// handleInterruption synthesizes the cancellation transcript of
// spec.md §4.2 step 4 / §8 scenario 6: any pending/running tool calls
// get synthesized tool_result blocks, and the assistant message is
// persisted with per-block status/interrupted metadata.
func (o *Orchestrator) handleInterruption(ctx context.Context, sessionID, model string, turnNum int, acc *turnAccumulator, as *activeSession, history []HistoryItem) (turnOutcome, []HistoryItem, error) {
	blocks := acc.content(true)
	info := assistantMessageInfo{Turn: turnNum, Model: model, HasThinking: acc.thinking.Len() > 0}
	if err := o.persistAssistantMessage(context.Background(), sessionID, as.runID, blocks, info); err != nil {
		o.warnf(sessionID, "persisting interrupted message.assistant", err)
	}

	for _, id := range acc.toolOrder {
		rec := acc.toolCalls[id]
		if rec.Status != "pending" && rec.Status != "running" {
			continue
		}
		if _, err := o.store.Append(context.Background(), eventstore.AppendInput{
			SessionID: sessionID, Kind: types.KindToolResult, RunID: as.runID,
			Payload: types.Payload{
				"toolCallId": id, "content": content.InterruptedNoOutput, "isError": false,
				"_meta": map[string]any{"interrupted": true, "toolName": rec.Name},
			},
		}); err != nil {
			o.warnf(sessionID, "persisting interrupted tool.result", err)
		}
	}

	if _, err := o.store.Append(context.Background(), eventstore.AppendInput{
		SessionID: sessionID, Kind: types.KindStreamEnd, RunID: as.runID,
		Payload: types.Payload{"turn": turnNum, "interrupted": true},
	}); err != nil {
		o.warnf(sessionID, "persisting interrupted stream.turn_end", err)
	}
	o.publish(agentevents.Event{Kind: agentevents.KindTurnInterrupted, SessionID: sessionID, Data: map[string]any{"turn": turnNum}})
	return turnOutcome{interrupted: true}, history, nil
}

// assistantMessageInfo carries the message.assistant payload fields
// (spec.md §6's closed event-kind contract) that aren't part of the
// content blocks themselves. TokenRecord and LatencyMs are nil before
// a turn has finished streaming (the pre-tool flush), since neither is
// known yet.
type assistantMessageInfo struct {
	Turn        int
	Model       string
	StopReason  string
	HasThinking bool
	TokenRecord *types.TokenRecord
	LatencyMs   *int64
}

func (o *Orchestrator) persistAssistantMessage(ctx context.Context, sessionID, runID string, blocks []types.ContentBlock, info assistantMessageInfo) error {
	if blocks == nil {
		return nil
	}
	payload := types.Payload{
		"content": blocks, "turn": info.Turn, "model": info.Model, "hasThinking": info.HasThinking,
	}
	if info.StopReason != "" {
		payload["stopReason"] = info.StopReason
	}
	if info.TokenRecord != nil {
		payload["tokenRecord"] = *info.TokenRecord
		payload["tokenUsage"] = info.TokenRecord.Raw
	}
	if info.LatencyMs != nil {
		payload["latency"] = *info.LatencyMs
	}
	_, err := o.store.Append(ctx, eventstore.AppendInput{SessionID: sessionID, Kind: types.KindMessageAssist, RunID: runID, Payload: payload})
	return err
}

func (o *Orchestrator) executeTool(ctx context.Context, sessionID, name string, args map[string]any) (string, bool, error) {
	if o.tools == nil {
		return "", true, coreerr.New("no_tool_registry", coreerr.ToolFailure, false, "no tool registry configured")
	}
	return o.tools.Execute(ctx, sessionID, name, args)
}

type toolExecOutcome struct {
	text    string
	isError bool
	err     error
}

// executeToolCancelable runs the tool on a background goroutine with its
// own uncancelled context and races it against ctx.Done so a running tool
// can be abandoned mid-flight for cancellation (spec.md §8 scenario 6).
// The tool itself is not stopped: it runs to its own end, and once ctx is
// done its result is dropped.
func (o *Orchestrator) executeToolCancelable(ctx context.Context, sessionID, name string, args map[string]any) (toolExecOutcome, bool) {
	done := make(chan toolExecOutcome, 1)
	go func() {
		text, isErr, err := o.executeTool(context.Background(), sessionID, name, args)
		done <- toolExecOutcome{text: text, isError: isErr, err: err}
	}()
	select {
	case r := <-done:
		return r, true
	case <-ctx.Done():
		return toolExecOutcome{}, false
	}
}

func (o *Orchestrator) runHookBackground(kind types.HookKind, hctx types.HookContext) {
	if o.hookEng == nil {
		return
	}
	o.hookEng.Execute(context.Background(), kind, hctx)
}

func flattenText(blocks []types.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == types.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func (o *Orchestrator) baseline(sessionID string) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.baselines == nil {
		return 0
	}
	return o.baselines[sessionID]
}

func (o *Orchestrator) setBaseline(sessionID string, v int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.baselines == nil {
		o.baselines = make(map[string]int64)
	}
	o.baselines[sessionID] = v
}

// modelFor looks up the session's current model for cost-table lookup;
// falls back to the orchestrator default on any lookup failure.
func (o *Orchestrator) modelFor(sessionID string) string {
	sess, err := o.store.GetSession(context.Background(), sessionID)
	if err != nil || sess == nil || sess.Model == "" {
		return o.defaultModel
	}
	return sess.Model
}
