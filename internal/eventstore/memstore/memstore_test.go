package memstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore-dev/core/internal/coreerr"
	"github.com/agentcore-dev/core/internal/eventstore"
	"github.com/agentcore-dev/core/pkg/types"
)

func newSession(t *testing.T, s *Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.CreateSession(context.Background(), types.Session{
		ID:             id,
		WorkingDir:     "/work",
		CreatedAt:      now,
		LastActivityAt: now,
	}))
}

func TestAppend_RootEventHasNoParentAndSequenceOne(t *testing.T) {
	s := New()
	ctx := context.Background()
	newSession(t, s, "s1")

	evt, err := s.Append(ctx, eventstore.AppendInput{
		SessionID: "s1",
		Kind:      types.KindSessionStart,
		Payload:   types.Payload{},
	})
	require.NoError(t, err)
	assert.Empty(t, evt.ParentID)
	assert.EqualValues(t, 1, evt.Sequence)

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, evt.ID, sess.HeadEventID)
	assert.Equal(t, evt.ID, sess.RootEventID)
}

func TestAppend_AdvancesHeadOnlyWhenParentIsHead(t *testing.T) {
	s := New()
	ctx := context.Background()
	newSession(t, s, "s1")

	root, err := s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindSessionStart})
	require.NoError(t, err)

	a, err := s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindMessageUser, Payload: types.Payload{"content": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, root.ID, a.ParentID)

	sess, _ := s.GetSession(ctx, "s1")
	assert.Equal(t, a.ID, sess.HeadEventID)

	// Branch off the root explicitly: head does not move.
	b, err := s.Append(ctx, eventstore.AppendInput{
		SessionID: "s1", Kind: types.KindMessageUser, ParentID: root.ID,
		Payload: types.Payload{"content": "alt"},
	})
	require.NoError(t, err)
	sess, _ = s.GetSession(ctx, "s1")
	assert.Equal(t, a.ID, sess.HeadEventID, "branching append must not move the head")
	assert.NotEqual(t, a.ID, b.ID)

	children, err := s.GetChildren(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, children, 2, "root now has two children: a branch point")
}

func TestAppend_SequenceStrictlyIncreasesEvenAcrossBranches(t *testing.T) {
	s := New()
	ctx := context.Background()
	newSession(t, s, "s1")

	root, _ := s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindSessionStart})
	a, _ := s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindMessageUser})
	b, err := s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindMessageUser, ParentID: root.ID})
	require.NoError(t, err)

	assert.Less(t, root.Sequence, a.Sequence)
	assert.Less(t, a.Sequence, b.Sequence)
}

func TestAppend_UnknownSessionReturnsNotFound(t *testing.T) {
	s := New()
	_, err := s.Append(context.Background(), eventstore.AppendInput{SessionID: "nope", Kind: types.KindSessionStart})
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.NotFound))
}

func TestAppend_MismatchedParentSessionRejected(t *testing.T) {
	s := New()
	ctx := context.Background()
	newSession(t, s, "s1")
	newSession(t, s, "s2")

	rootS2, _ := s.Append(ctx, eventstore.AppendInput{SessionID: "s2", Kind: types.KindSessionStart})

	_, err := s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindMessageUser, ParentID: rootS2.ID})
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.Concurrency))
}

func TestAppend_OversizedContentSpillsToBlob(t *testing.T) {
	s := New()
	ctx := context.Background()
	newSession(t, s, "s1")

	big := strings.Repeat("x", 4096)
	evt, err := s.Append(ctx, eventstore.AppendInput{
		SessionID: "s1", Kind: types.KindToolResult,
		Payload: types.Payload{"content": big},
	})
	require.NoError(t, err)

	_, hasContent := evt.Payload["content"]
	assert.False(t, hasContent)
	blobID, ok := evt.Payload["blobId"].(string)
	require.True(t, ok)

	data, _, err := s.GetBlob(ctx, blobID)
	require.NoError(t, err)
	assert.Equal(t, big, string(data))
}

func TestGetEvents_ReturnsActiveBranchRootToHead(t *testing.T) {
	s := New()
	ctx := context.Background()
	newSession(t, s, "s1")

	root, _ := s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindSessionStart})
	a, _ := s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindMessageUser})
	b, _ := s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindMessageAssist})

	events, err := s.GetEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{root.ID, a.ID, b.ID}, []string{events[0].ID, events[1].ID, events[2].ID})
}

func TestFork_CreatesNewSessionWithForkRootReferencingSource(t *testing.T) {
	s := New()
	ctx := context.Background()
	newSession(t, s, "s1")

	root, _ := s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindSessionStart})
	a, _ := s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindMessageUser})

	forked, err := s.Fork(ctx, "s1", a.ID, "s1-fork", "experiment")
	require.NoError(t, err)
	assert.Equal(t, "s1", forked.ParentSessionID)
	assert.Equal(t, types.SpawnFork, forked.SpawnType)
	assert.NotEmpty(t, forked.RootEventID)
	assert.Equal(t, forked.RootEventID, forked.HeadEventID)

	events, err := s.GetEvents(ctx, "s1-fork")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, a.ID, events[0].Payload["sourceEventId"])
	assert.NotEqual(t, root.ID, events[0].ID)
}

func TestTree_MarksBranchPointsAndHead(t *testing.T) {
	s := New()
	ctx := context.Background()
	newSession(t, s, "s1")

	root, _ := s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindSessionStart})
	a, _ := s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindMessageUser})
	_, _ = s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindMessageUser, ParentID: root.ID})

	nodes, err := s.Tree(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	var rootNode, headNode types.TreeNode
	for _, n := range nodes {
		if n.ID == root.ID {
			rootNode = n
		}
		if n.IsHead {
			headNode = n
		}
	}
	assert.True(t, rootNode.IsBranchPoint)
	assert.Equal(t, 2, rootNode.ChildCount)
	assert.Equal(t, a.ID, headNode.ID)
}

func TestDeleteMessage_PreservesTargetAppendsMarker(t *testing.T) {
	s := New()
	ctx := context.Background()
	newSession(t, s, "s1")

	root, _ := s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindSessionStart})
	a, _ := s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindMessageUser, Payload: types.Payload{"content": "oops"}})

	marker, err := s.DeleteMessage(ctx, "s1", a.ID, "user requested")
	require.NoError(t, err)
	assert.Equal(t, types.KindMessageDel, marker.Kind)
	assert.Equal(t, a.ID, marker.Payload["targetEventId"])

	events, err := s.GetEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, a.ID, events[1].ID, "target event is preserved, not removed")
	_ = root
}

func TestSearch_FindsIndexableKindsOnly(t *testing.T) {
	s := New()
	ctx := context.Background()
	newSession(t, s, "s1")

	_, _ = s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindSessionStart})
	_, _ = s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindMessageUser, Payload: types.Payload{"content": "find the needle here"}})
	_, _ = s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindStreamStart, Payload: types.Payload{"content": "needle"}})

	results, err := s.Search(ctx, "needle", types.SearchFilters{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.KindMessageUser, results[0].Event.Kind)
}

func TestStoreBlob_IsContentAddressedAndIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	id1, err := s.StoreBlob(ctx, "text/plain", []byte("hello"))
	require.NoError(t, err)
	id2, err := s.StoreBlob(ctx, "text/plain", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestUpdateSessionStats_AccumulatesAcrossCalls(t *testing.T) {
	s := New()
	ctx := context.Background()
	newSession(t, s, "s1")

	require.NoError(t, s.UpdateSessionStats(ctx, "s1", 1, types.RawTokenUsage{InputTokens: 100, OutputTokens: 50}, 0.01))
	require.NoError(t, s.UpdateSessionStats(ctx, "s1", 1, types.RawTokenUsage{InputTokens: 120, OutputTokens: 60}, 0.02))

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.TurnCount)
	assert.EqualValues(t, 220, sess.TotalInputTokens)
	assert.EqualValues(t, 110, sess.TotalOutputTokens)
	assert.InDelta(t, 0.03, sess.TotalCost, 0.0001)
}

func TestEndSession_SetsEndedAtAndAppendsEvent(t *testing.T) {
	s := New()
	ctx := context.Background()
	newSession(t, s, "s1")
	_, _ = s.Append(ctx, eventstore.AppendInput{SessionID: "s1", Kind: types.KindSessionStart})

	require.NoError(t, s.EndSession(ctx, "s1", "completed"))

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, sess.EndedAt)

	events, _ := s.GetEvents(ctx, "s1")
	assert.Equal(t, types.KindSessionEnd, events[len(events)-1].Kind)
}
