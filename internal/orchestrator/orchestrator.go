package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore-dev/core/internal/agentevents"
	"github.com/agentcore-dev/core/internal/coreerr"
	"github.com/agentcore-dev/core/internal/corelog"
	"github.com/agentcore-dev/core/internal/eventstore"
	"github.com/agentcore-dev/core/internal/hooks"
	"github.com/agentcore-dev/core/internal/subagent"
	"github.com/agentcore-dev/core/pkg/types"
)

// Options configures an Orchestrator beyond its required collaborators.
type Options struct {
	DefaultModel      string
	HookTimeout       time.Duration
	DoomLoopThreshold int
	MaxTurnsPerPrompt int
}

// Orchestrator owns the Active Session state machine and the turn
// pipeline for every session sharing one event store (spec.md §4.2).
// It mediates between the provider, the tool registry, the event
// store, the hook engine, and the sub-agent tracker, and itself
// implements subagent.TurnRunner so spawned children can be driven by
// the same pipeline recursively.
type Orchestrator struct {
	store    eventstore.Store
	hookEng  *hooks.Engine
	tracker  *subagent.Tracker
	provider Provider
	tools    ToolExecutor
	bus      *agentevents.Bus
	doomLoop *doomLoopDetector

	mu        sync.Mutex
	active    map[string]*activeSession
	baselines map[string]int64

	defaultModel string
	hookTimeout  time.Duration
	maxTurns     int
}

// New constructs an Orchestrator. hookEng may be nil (hooks become a
// no-op). bus may be nil (agent.* notifications are dropped).
func New(store eventstore.Store, hookEng *hooks.Engine, tracker *subagent.Tracker, provider Provider, tools ToolExecutor, bus *agentevents.Bus, opts Options) *Orchestrator {
	if opts.DefaultModel == "" {
		opts.DefaultModel = "claude-sonnet-4"
	}
	if opts.HookTimeout <= 0 {
		opts.HookTimeout = defaultHookTimeout
	}
	if opts.MaxTurnsPerPrompt <= 0 {
		opts.MaxTurnsPerPrompt = defaultMaxTurnsPerPrompt
	}
	return &Orchestrator{
		store: store, hookEng: hookEng, tracker: tracker, provider: provider, tools: tools, bus: bus,
		doomLoop:     newDoomLoopDetector(opts.DoomLoopThreshold),
		active:       make(map[string]*activeSession),
		defaultModel: opts.DefaultModel,
		hookTimeout:  opts.HookTimeout,
		maxTurns:     opts.MaxTurnsPerPrompt,
	}
}

func (o *Orchestrator) sessionState(sessionID string) *activeSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	as, ok := o.active[sessionID]
	if !ok {
		as = &activeSession{}
		o.active[sessionID] = as
	}
	return as
}

// IsProcessing reports whether sessionID currently has a run in flight.
func (o *Orchestrator) IsProcessing(sessionID string) bool {
	return o.sessionState(sessionID).isProcessing()
}

// Abort cancels the active run for sessionID, if any.
func (o *Orchestrator) Abort(sessionID string) error {
	if !o.sessionState(sessionID).abort() {
		return coreerr.New("not_processing", coreerr.Concurrency, false, "session is not processing: "+sessionID)
	}
	return nil
}

// Prompt drives one prompt-to-completion turn loop for sessionID,
// rejecting with AlreadyProcessing if a run is already active
// (spec.md §4.2's "only one turn loop may run per session at a time").
// It blocks until the loop exits (normal completion, error, or abort).
func (o *Orchestrator) Prompt(ctx context.Context, sessionID, prompt string, opts PromptOptions) error {
	as := o.sessionState(sessionID)
	runCtx, cancel := context.WithCancel(ctx)
	// Run ids are a transient in-process correlation key, not a durably
	// ordered primary key, so this is the one place a uuid fits better
	// than the ledger's ulid (spec.md §9: request ids vs. event ids).
	if !as.tryStart(uuid.NewString(), cancel) {
		cancel()
		return coreerr.AlreadyProcessing(sessionID)
	}
	defer as.finish()

	err := o.runTurnLoop(runCtx, sessionID, prompt, opts, as)
	return err
}

// RunTurn implements subagent.TurnRunner, letting SpawnSubsession drive
// a child session through this same pipeline.
func (o *Orchestrator) RunTurn(ctx context.Context, sessionID, prompt string) error {
	return o.Prompt(ctx, sessionID, prompt, PromptOptions{})
}

// SwitchModel updates the session's model, requiring the session not be
// mid-turn (spec.md §4.2's model switch operation).
func (o *Orchestrator) SwitchModel(ctx context.Context, sessionID, model string) error {
	if o.sessionState(sessionID).isProcessing() {
		return coreerr.AlreadyProcessing(sessionID)
	}
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	previousModel := o.defaultModel
	if sess != nil && sess.Model != "" {
		previousModel = sess.Model
	}
	if err := o.store.UpdateLatestModel(ctx, sessionID, model); err != nil {
		return err
	}
	_, err = o.store.Append(ctx, eventstore.AppendInput{
		SessionID: sessionID, Kind: types.KindModelSwitch,
		Payload: types.Payload{"previousModel": previousModel, "newModel": model},
	})
	return err
}

// Compact runs context compaction for sessionID: emits the non-persisted
// agent.compaction_started notification, then on success appends a
// compact.boundary event and clears the sub-agent tracker state (it's
// tied to pre-compaction context, per spec.md §4.2).
func (o *Orchestrator) Compact(ctx context.Context, sessionID string, originalTokens, compactedTokens int64, reason, summary string) (types.Event, error) {
	o.publish(agentevents.Event{Kind: agentevents.KindCompactionStarted, SessionID: sessionID})

	ratio := 0.0
	if originalTokens > 0 {
		ratio = float64(compactedTokens) / float64(originalTokens)
	}

	evt, err := o.store.Append(ctx, eventstore.AppendInput{
		SessionID: sessionID, Kind: types.KindCompactBound,
		Payload: types.Payload{
			"originalTokens": originalTokens, "compactedTokens": compactedTokens,
			"compressionRatio": ratio, "reason": reason, "summary": summary,
			"runId": o.sessionState(sessionID).runID,
		},
	})
	if err != nil {
		return types.Event{}, err
	}

	if o.tracker != nil {
		o.tracker.Clear()
	}
	o.doomLoop.Reset(sessionID)

	return evt, nil
}

func (o *Orchestrator) publish(evt agentevents.Event) {
	if o.bus != nil {
		o.bus.Publish(evt)
	}
}

func (o *Orchestrator) runHook(ctx context.Context, kind types.HookKind, hctx types.HookContext) types.ExecResult {
	if o.hookEng == nil {
		return types.ExecResult{Result: types.HookResult{Action: types.ActionContinue}}
	}
	return o.hookEng.Execute(ctx, kind, hctx)
}

func (o *Orchestrator) warnf(sessionID, msg string, err error) {
	corelog.Warn().Err(err).Str("session_id", sessionID).Msg(msg)
}
