// Package content implements the content-block builder: a pure function
// shared by the turn pipeline and interrupted-session persistence
// (spec.md §4.5). Same inputs always produce the same output bytes —
// no I/O, no clock, no randomness.
package content

import "github.com/agentcore-dev/core/pkg/types"

// Build returns the canonical content-block array for a turn's
// accumulated thinking/text/tool-use content, or nil if there is
// nothing to flush or it was already flushed (spec.md §4.5 step 3).
func Build(
	thinking string,
	thinkingSig string,
	sequence []types.SequenceItem,
	toolCalls map[string]types.ToolCallRecord,
	alreadyFlushed bool,
) []types.ContentBlock {
	if alreadyFlushed {
		return nil
	}

	var blocks []types.ContentBlock

	if thinking != "" {
		blocks = append(blocks, types.ContentBlock{
			Type:        types.BlockThinking,
			Thinking:    thinking,
			ThinkingSig: thinkingSig,
		})
	}

	for _, item := range sequence {
		switch item.Kind {
		case types.SeqText:
			if item.Text != "" {
				blocks = append(blocks, types.ContentBlock{Type: types.BlockText, Text: item.Text})
			}
		case types.SeqThink:
			if item.Thinking != "" {
				blocks = append(blocks, types.ContentBlock{Type: types.BlockThinking, Thinking: item.Thinking})
			}
		case types.SeqToolRef:
			if rec, ok := toolCalls[item.ToolCallID]; ok {
				blocks = append(blocks, types.ContentBlock{
					Type:      types.BlockToolUse,
					ToolUseID: rec.ID,
					ToolName:  rec.Name,
					ToolInput: rec.Arguments,
				})
			}
		}
	}

	if len(blocks) == 0 {
		return nil
	}
	return blocks
}

// InterruptedNoOutput is the fixed string spec.md §4.5/§4.2/§8 requires
// for a synthesized tool_result when no output was captured.
const InterruptedNoOutput = "Command interrupted (no output captured)"

// BuildInterrupted additionally attaches _meta to tool_use blocks and
// synthesizes paired tool_result blocks, faithfully reflecting what
// actually happened for an aborted turn (spec.md §4.5, scenario 6 in
// spec.md §8).
func BuildInterrupted(
	thinking string,
	thinkingSig string,
	sequence []types.SequenceItem,
	toolCalls map[string]types.ToolCallRecord,
) []types.ContentBlock {
	blocks := Build(thinking, thinkingSig, sequence, toolCalls, false)

	var withMeta []types.ContentBlock
	var results []types.ContentBlock

	for _, b := range blocks {
		if b.Type != types.BlockToolUse {
			withMeta = append(withMeta, b)
			continue
		}

		rec, ok := toolCalls[b.ToolUseID]
		if !ok {
			withMeta = append(withMeta, b)
			continue
		}

		interrupted := rec.Status == "pending" || rec.Status == "running"
		b.Meta = &types.BlockMeta{Status: rec.Status, Interrupted: interrupted}
		withMeta = append(withMeta, b)

		result := types.ContentBlock{
			Type:            types.BlockToolResult,
			ToolResultForID: b.ToolUseID,
		}
		if rec.Status == "completed" {
			result.ToolResultText = rec.ResultText
			result.ToolResultError = rec.IsError
			if rec.CompletedAt > rec.StartedAt && rec.StartedAt > 0 {
				b.Meta.DurationMs = rec.CompletedAt - rec.StartedAt
				withMeta[len(withMeta)-1] = b
			}
		} else {
			result.ToolResultText = InterruptedNoOutput
			result.Meta = &types.BlockMeta{Interrupted: true}
		}
		results = append(results, result)
	}

	return append(withMeta, results...)
}
