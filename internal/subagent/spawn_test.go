package subagent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore-dev/core/internal/eventstore"
	"github.com/agentcore-dev/core/internal/eventstore/memstore"
	"github.com/agentcore-dev/core/pkg/types"
)

type fakeRunner struct {
	err error
}

func (f fakeRunner) RunTurn(ctx context.Context, sessionID, prompt string) error { return f.err }

func TestSpawnSubsession_RecordsSpawnAndTracksCompletion(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, types.Session{ID: "parent", CreatedAt: time.Now(), LastActivityAt: time.Now()}))
	_, err := store.Append(ctx, eventstore.AppendInput{SessionID: "parent", Kind: types.KindSessionStart})
	require.NoError(t, err)

	tracker := New()
	childID, err := SpawnSubsession(ctx, store, tracker, fakeRunner{}, SpawnOptions{
		ParentSessionID: "parent", Task: "write docs", Model: "claude", WorkingDir: "/work", MaxTurns: 10,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, childID)

	result, err := tracker.WaitFor(ctx, childID, time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)

	events, err := store.GetEvents(ctx, "parent")
	require.NoError(t, err)
	var sawSpawn, sawDone bool
	for _, e := range events {
		if e.Kind == types.KindSubagentSpawn {
			sawSpawn = true
		}
		if e.Kind == types.KindSubagentDone {
			sawDone = true
		}
	}
	assert.True(t, sawSpawn)
	assert.True(t, sawDone)
}

func TestSpawnSubsession_RunnerErrorRecordsFailure(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, types.Session{ID: "parent", CreatedAt: time.Now(), LastActivityAt: time.Now()}))
	_, err := store.Append(ctx, eventstore.AppendInput{SessionID: "parent", Kind: types.KindSessionStart})
	require.NoError(t, err)

	tracker := New()
	childID, err := SpawnSubsession(ctx, store, tracker, fakeRunner{err: errors.New("boom")}, SpawnOptions{
		ParentSessionID: "parent", Task: "t",
	})
	require.NoError(t, err)

	result, err := tracker.WaitFor(ctx, childID, time.Second)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "boom", result.Err)

	events, _ := store.GetEvents(ctx, "parent")
	var sawFail bool
	for _, e := range events {
		if e.Kind == types.KindSubagentFail {
			sawFail = true
		}
	}
	assert.True(t, sawFail)
}
