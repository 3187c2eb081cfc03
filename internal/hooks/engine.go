// Package hooks implements the prioritized, filterable lifecycle
// interceptor described in spec.md §4.3: registration, priority-ordered
// blocking execution with fail-open error handling, and fire-and-forget
// background execution with a drain-on-shutdown hook.
//
// The concurrency shape — a registry guarded by a mutex, a WaitGroup
// tracking in-flight background work — mirrors the teacher's
// permission.DoomLoopDetector and Checker: small maps behind RWMutex,
// no actor goroutines.
package hooks

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentcore-dev/core/internal/coreerr"
	"github.com/agentcore-dev/core/internal/corelog"
	"github.com/agentcore-dev/core/pkg/types"
)

const defaultTimeout = 5 * time.Second

// EventEmitter appends a lifecycle event; the orchestrator supplies this
// so the engine can record hook.triggered/hook.completed without
// importing the event store.
type EventEmitter func(kind types.Kind, payload types.Payload)

type Engine struct {
	mu    sync.RWMutex
	hooks map[types.HookKind][]types.HookDefinition
	names map[string]types.HookKind

	seq int64

	bgWG     sync.WaitGroup
	bgErrMu  sync.Mutex
	bgErrors []error

	defaultTimeout time.Duration
	emit           EventEmitter
}

func New(emit EventEmitter) *Engine {
	return &Engine{
		hooks:          make(map[types.HookKind][]types.HookDefinition),
		names:          make(map[string]types.HookKind),
		defaultTimeout: defaultTimeout,
		emit:           emit,
	}
}

// Register adds or replaces a hook, keyed by its unique Name. Kinds in
// the forced-blocking set always run blocking regardless of def.Mode.
func (e *Engine) Register(def types.HookDefinition) {
	if types.ForcesBlocking(def.Kind) {
		def.Mode = types.HookBlocking
	}
	def.RegisteredAt = atomic.AddInt64(&e.seq, 1)

	e.mu.Lock()
	defer e.mu.Unlock()

	if oldKind, exists := e.names[def.Name]; exists {
		e.hooks[oldKind] = removeByName(e.hooks[oldKind], def.Name)
	}
	e.names[def.Name] = def.Kind
	e.hooks[def.Kind] = append(e.hooks[def.Kind], def)
}

// Unregister removes a hook by name, if present.
func (e *Engine) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kind, ok := e.names[name]
	if !ok {
		return
	}
	delete(e.names, name)
	e.hooks[kind] = removeByName(e.hooks[kind], name)
}

func removeByName(defs []types.HookDefinition, name string) []types.HookDefinition {
	out := defs[:0:0]
	for _, d := range defs {
		if d.Name != name {
			out = append(out, d)
		}
	}
	return out
}

// getHooks returns all hooks of a kind sorted by priority descending,
// stable on ties by registration order.
func (e *Engine) getHooks(kind types.HookKind) []types.HookDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	defs := make([]types.HookDefinition, len(e.hooks[kind]))
	copy(defs, e.hooks[kind])
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Priority > defs[j].Priority })
	return defs
}

// Execute runs spec.md §4.3's six-step algorithm for one lifecycle kind.
func (e *Engine) Execute(ctx context.Context, kind types.HookKind, hctx types.HookContext) types.ExecResult {
	hctx.Kind = kind
	defs := e.getHooks(kind)

	var blocking, background []types.HookDefinition
	for _, d := range defs {
		if d.Mode == types.HookBackground {
			background = append(background, d)
		} else {
			blocking = append(blocking, d)
		}
	}

	start := time.Now()
	names := make([]string, 0, len(defs))

	if len(blocking) > 0 && e.emit != nil {
		e.emit(types.KindHookTriggered, types.Payload{
			"hookKind": string(kind), "sessionId": hctx.SessionID, "runId": hctx.RunID,
		})
	}

	accum := types.HookResult{Action: types.ActionContinue, Modifications: map[string]any{}}
	blocked := false
	blockReason := ""

	for _, d := range blocking {
		if d.Filter != nil && !d.Filter(hctx) {
			continue
		}
		names = append(names, d.Name)

		timeout := d.Timeout
		if timeout == 0 {
			timeout = e.defaultTimeout
		}
		result, err := e.runWithTimeout(ctx, d, hctx, timeout)
		if err != nil {
			// fail-open: categorize and log, never change the outcome.
			corelog.Warn().Err(err).Str("hook", d.Name).Str("kind", string(kind)).
				Msg("hook handler failed; treating as continue")
			continue
		}

		switch result.Action {
		case types.ActionBlock:
			blocked = true
			blockReason = result.Reason
			accum = result
		case types.ActionModify:
			for k, v := range result.Modifications {
				accum.Modifications[k] = v
			}
		}
		if blocked {
			break
		}
	}

	duration := time.Since(start)
	if e.emit != nil {
		e.emit(types.KindHookCompleted, types.Payload{
			"hookKind": string(kind), "sessionId": hctx.SessionID, "runId": hctx.RunID,
			"durationMs": duration.Milliseconds(), "blocked": blocked, "blockReason": blockReason,
			"hookNames": names,
		})
	}

	if len(background) > 0 {
		e.launchBackground(hctx, background)
	}

	return types.ExecResult{
		Result:      accum,
		Duration:    duration,
		HookNames:   names,
		Blocked:     blocked,
		BlockReason: blockReason,
	}
}

func (e *Engine) runWithTimeout(ctx context.Context, d types.HookDefinition, hctx types.HookContext, timeout time.Duration) (types.HookResult, error) {
	type outcome struct {
		result types.HookResult
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: coreerr.New("hook_panic", coreerr.HookFailure, false, "hook handler panicked")}
			}
		}()
		result, err := d.Handler(hctx)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-time.After(timeout):
		return types.HookResult{}, coreerr.New("hook_timeout", coreerr.HookFailure, false, "hook handler timed out: "+d.Name)
	case <-ctx.Done():
		return types.HookResult{}, coreerr.Wrap("hook_cancelled", coreerr.Cancellation, false, "context cancelled during hook", ctx.Err())
	}
}

func (e *Engine) launchBackground(hctx types.HookContext, defs []types.HookDefinition) {
	for _, d := range defs {
		if d.Filter != nil && !d.Filter(hctx) {
			continue
		}
		d := d
		e.bgWG.Add(1)
		go func() {
			defer e.bgWG.Done()
			timeout := d.Timeout
			if timeout == 0 {
				timeout = e.defaultTimeout
			}
			if _, err := e.runWithTimeout(context.Background(), d, hctx, timeout); err != nil {
				e.bgErrMu.Lock()
				e.bgErrors = append(e.bgErrors, err)
				e.bgErrMu.Unlock()
				corelog.Warn().Err(err).Str("hook", d.Name).Msg("background hook failed")
			}
		}()
	}
}

// DrainBackgroundHooks waits up to timeout for all in-flight background
// hooks to finish, returning any errors they accumulated. Called at
// session/process shutdown.
func (e *Engine) DrainBackgroundHooks(timeout time.Duration) []error {
	done := make(chan struct{})
	go func() {
		e.bgWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		corelog.Warn().Msg("drainBackgroundHooks timed out with hooks still running")
	}

	e.bgErrMu.Lock()
	defer e.bgErrMu.Unlock()
	out := make([]error, len(e.bgErrors))
	copy(out, e.bgErrors)
	return out
}
