package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore-dev/core/pkg/types"
)

func TestBuild_EmptyReturnsNil(t *testing.T) {
	assert.Nil(t, Build("", "", nil, nil, false))
}

func TestBuild_AlreadyFlushedReturnsNil(t *testing.T) {
	seq := []types.SequenceItem{{Kind: types.SeqText, Text: "hi"}}
	assert.Nil(t, Build("", "", seq, nil, true))
}

func TestBuild_TextOnly(t *testing.T) {
	seq := []types.SequenceItem{{Kind: types.SeqText, Text: "hello"}}
	blocks := Build("", "", seq, nil, false)
	require.Len(t, blocks, 1)
	assert.Equal(t, types.BlockText, blocks[0].Type)
	assert.Equal(t, "hello", blocks[0].Text)
}

func TestBuild_ThinkingFirst(t *testing.T) {
	seq := []types.SequenceItem{{Kind: types.SeqText, Text: "hello"}}
	blocks := Build("pondering", "sig-1", seq, nil, false)
	require.Len(t, blocks, 2)
	assert.Equal(t, types.BlockThinking, blocks[0].Type)
	assert.Equal(t, "pondering", blocks[0].Thinking)
	assert.Equal(t, "sig-1", blocks[0].ThinkingSig)
	assert.Equal(t, types.BlockText, blocks[1].Type)
}

func TestBuild_ToolUseResolvesFromMap(t *testing.T) {
	seq := []types.SequenceItem{
		{Kind: types.SeqText, Text: "reading"},
		{Kind: types.SeqToolRef, ToolCallID: "t1"},
	}
	calls := map[string]types.ToolCallRecord{
		"t1": {ID: "t1", Name: "Read", Arguments: map[string]any{"file_path": "/a"}},
	}
	blocks := Build("", "", seq, calls, false)
	require.Len(t, blocks, 2)
	assert.Equal(t, types.BlockToolUse, blocks[1].Type)
	assert.Equal(t, "t1", blocks[1].ToolUseID)
	assert.Equal(t, "Read", blocks[1].ToolName)
}

func TestBuild_UnresolvedToolRefIsSkipped(t *testing.T) {
	seq := []types.SequenceItem{{Kind: types.SeqToolRef, ToolCallID: "missing"}}
	blocks := Build("", "", seq, map[string]types.ToolCallRecord{}, false)
	assert.Nil(t, blocks)
}

func TestBuildInterrupted_CompletedToolGetsRealOutput(t *testing.T) {
	seq := []types.SequenceItem{{Kind: types.SeqToolRef, ToolCallID: "t1"}}
	calls := map[string]types.ToolCallRecord{
		"t1": {
			ID: "t1", Name: "Read", Status: "completed",
			ResultText: "file contents", StartedAt: 1000, CompletedAt: 1050,
		},
	}
	blocks := BuildInterrupted("", "", seq, calls)
	require.Len(t, blocks, 2)

	toolUse := blocks[0]
	require.NotNil(t, toolUse.Meta)
	assert.False(t, toolUse.Meta.Interrupted)
	assert.EqualValues(t, 50, toolUse.Meta.DurationMs)

	result := blocks[1]
	assert.Equal(t, types.BlockToolResult, result.Type)
	assert.Equal(t, "t1", result.ToolResultForID)
	assert.Equal(t, "file contents", result.ToolResultText)
}

func TestBuildInterrupted_RunningToolGetsSynthesizedResult(t *testing.T) {
	seq := []types.SequenceItem{{Kind: types.SeqToolRef, ToolCallID: "t1"}}
	calls := map[string]types.ToolCallRecord{
		"t1": {ID: "t1", Name: "Bash", Status: "running", StartedAt: 1000},
	}
	blocks := BuildInterrupted("", "", seq, calls)
	require.Len(t, blocks, 2)

	toolUse := blocks[0]
	require.NotNil(t, toolUse.Meta)
	assert.True(t, toolUse.Meta.Interrupted)
	assert.Equal(t, "running", toolUse.Meta.Status)

	result := blocks[1]
	assert.Equal(t, "Command interrupted (no output captured)", result.ToolResultText)
	require.NotNil(t, result.Meta)
	assert.True(t, result.Meta.Interrupted)
}

func TestBuildInterrupted_PendingToolCountsAsInterrupted(t *testing.T) {
	seq := []types.SequenceItem{{Kind: types.SeqToolRef, ToolCallID: "t1"}}
	calls := map[string]types.ToolCallRecord{
		"t1": {ID: "t1", Name: "Bash", Status: "pending"},
	}
	blocks := BuildInterrupted("", "", seq, calls)
	require.Len(t, blocks, 2)
	assert.True(t, blocks[0].Meta.Interrupted)
}
