package hooks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore-dev/core/pkg/types"
)

func handlerReturning(result types.HookResult) types.HookHandler {
	return func(types.HookContext) (types.HookResult, error) { return result, nil }
}

func TestRegister_ForcesBlockingForPreToolUse(t *testing.T) {
	e := New(nil)
	e.Register(types.HookDefinition{
		Name: "h1", Kind: types.HookPreToolUse, Mode: types.HookBackground,
		Handler: handlerReturning(types.HookResult{Action: types.ActionContinue}),
	})
	defs := e.getHooks(types.HookPreToolUse)
	require.Len(t, defs, 1)
	assert.Equal(t, types.HookBlocking, defs[0].Mode)
}

func TestRegister_ReplacesOnSameName(t *testing.T) {
	e := New(nil)
	e.Register(types.HookDefinition{Name: "h1", Kind: types.HookStop, Priority: 1, Handler: handlerReturning(types.HookResult{})})
	e.Register(types.HookDefinition{Name: "h1", Kind: types.HookStop, Priority: 5, Handler: handlerReturning(types.HookResult{})})
	defs := e.getHooks(types.HookStop)
	require.Len(t, defs, 1)
	assert.Equal(t, 5, defs[0].Priority)
}

func TestGetHooks_SortsByPriorityDescStableOnTies(t *testing.T) {
	e := New(nil)
	e.Register(types.HookDefinition{Name: "a", Kind: types.HookStop, Priority: 0, Handler: handlerReturning(types.HookResult{})})
	e.Register(types.HookDefinition{Name: "b", Kind: types.HookStop, Priority: 10, Handler: handlerReturning(types.HookResult{})})
	e.Register(types.HookDefinition{Name: "c", Kind: types.HookStop, Priority: 0, Handler: handlerReturning(types.HookResult{})})

	defs := e.getHooks(types.HookStop)
	require.Len(t, defs, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{defs[0].Name, defs[1].Name, defs[2].Name})
}

func TestExecute_BlockStopsChain(t *testing.T) {
	e := New(nil)
	var ranSecond atomic.Bool
	e.Register(types.HookDefinition{
		Name: "first", Kind: types.HookStop, Priority: 10,
		Handler: handlerReturning(types.HookResult{Action: types.ActionBlock, Reason: "nope"}),
	})
	e.Register(types.HookDefinition{
		Name: "second", Kind: types.HookStop, Priority: 0,
		Handler: func(types.HookContext) (types.HookResult, error) {
			ranSecond.Store(true)
			return types.HookResult{Action: types.ActionContinue}, nil
		},
	})

	result := e.Execute(context.Background(), types.HookStop, types.HookContext{})
	assert.True(t, result.Blocked)
	assert.Equal(t, "nope", result.BlockReason)
	assert.False(t, ranSecond.Load())
}

func TestExecute_FailOpenOnHandlerError(t *testing.T) {
	e := New(nil)
	e.Register(types.HookDefinition{
		Name: "fails", Kind: types.HookStop,
		Handler: func(types.HookContext) (types.HookResult, error) {
			return types.HookResult{}, assertError{}
		},
	})
	result := e.Execute(context.Background(), types.HookStop, types.HookContext{})
	assert.False(t, result.Blocked)
	assert.Equal(t, types.ActionContinue, result.Result.Action)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestExecute_FilterSkipsNonMatchingHooks(t *testing.T) {
	e := New(nil)
	var ran atomic.Bool
	e.Register(types.HookDefinition{
		Name: "filtered", Kind: types.HookPreToolUse,
		Filter:  func(ctx types.HookContext) bool { return ctx.ToolName == "Bash" },
		Handler: func(types.HookContext) (types.HookResult, error) { ran.Store(true); return types.HookResult{}, nil },
	})
	e.Execute(context.Background(), types.HookPreToolUse, types.HookContext{ToolName: "Read"})
	assert.False(t, ran.Load())
}

func TestExecute_ModifyAccumulatesAcrossHooks(t *testing.T) {
	e := New(nil)
	e.Register(types.HookDefinition{
		Name: "m1", Kind: types.HookStop, Priority: 10,
		Handler: handlerReturning(types.HookResult{Action: types.ActionModify, Modifications: map[string]any{"a": 1}}),
	})
	e.Register(types.HookDefinition{
		Name: "m2", Kind: types.HookStop, Priority: 5,
		Handler: handlerReturning(types.HookResult{Action: types.ActionModify, Modifications: map[string]any{"b": 2}}),
	})
	result := e.Execute(context.Background(), types.HookStop, types.HookContext{})
	assert.Equal(t, 1, result.Result.Modifications["a"])
	assert.Equal(t, 2, result.Result.Modifications["b"])
}

func TestExecute_TimeoutIsFailOpen(t *testing.T) {
	e := New(nil)
	e.Register(types.HookDefinition{
		Name: "slow", Kind: types.HookStop, Timeout: 10 * time.Millisecond,
		Handler: func(types.HookContext) (types.HookResult, error) {
			time.Sleep(100 * time.Millisecond)
			return types.HookResult{Action: types.ActionBlock}, nil
		},
	})
	result := e.Execute(context.Background(), types.HookStop, types.HookContext{})
	assert.False(t, result.Blocked)
}

func TestExecute_BackgroundHooksDoNotBlockAndAreDrained(t *testing.T) {
	e := New(nil)
	var wg sync.WaitGroup
	wg.Add(1)
	e.Register(types.HookDefinition{
		Name: "bg", Kind: types.HookNotification, Mode: types.HookBackground,
		Handler: func(types.HookContext) (types.HookResult, error) {
			defer wg.Done()
			time.Sleep(20 * time.Millisecond)
			return types.HookResult{Action: types.ActionContinue}, nil
		},
	})

	start := time.Now()
	e.Execute(context.Background(), types.HookNotification, types.HookContext{})
	assert.Less(t, time.Since(start), 15*time.Millisecond)

	errs := e.DrainBackgroundHooks(time.Second)
	assert.Empty(t, errs)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background hook did not run")
	}
}

func TestExecute_EmitsTriggeredAndCompletedEvents(t *testing.T) {
	var kinds []types.Kind
	e := New(func(kind types.Kind, payload types.Payload) { kinds = append(kinds, kind) })
	e.Register(types.HookDefinition{Name: "h", Kind: types.HookStop, Handler: handlerReturning(types.HookResult{Action: types.ActionContinue})})
	e.Execute(context.Background(), types.HookStop, types.HookContext{})
	assert.Equal(t, []types.Kind{types.KindHookTriggered, types.KindHookCompleted}, kinds)
}
