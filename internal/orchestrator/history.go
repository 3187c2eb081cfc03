package orchestrator

import (
	"strings"

	"github.com/agentcore-dev/core/pkg/types"
)

// buildHistory flattens a session's persisted event log into the
// provider-facing transcript, generalizing the teacher's
// loadMessages+convertMessage pipeline from a typed Message/Part store
// onto the append-only event log.
func buildHistory(events []types.Event) []HistoryItem {
	var out []HistoryItem
	for _, e := range events {
		switch e.Kind {
		case types.KindMessageUser:
			text, _ := e.Payload["content"].(string)
			out = append(out, HistoryItem{Role: "user", Text: text})
		case types.KindMessageAssist:
			out = append(out, assistantHistoryItems(e.Payload)...)
		case types.KindToolResult:
			toolCallID, _ := e.Payload["toolCallId"].(string)
			content, _ := e.Payload["content"].(string)
			isError, _ := e.Payload["isError"].(bool)
			out = append(out, HistoryItem{Role: "tool", ToolCallID: toolCallID, ToolResultText: content, ToolIsError: isError})
		}
	}
	return out
}

// assistantHistoryItems extracts text and tool_use intents from a
// persisted message.assistant payload's content blocks, tolerating both
// the in-process representation ([]types.ContentBlock, as memstore
// keeps it) and the JSON round-tripped one ([]any of map[string]any, as
// sqlstore returns it after a decode).
func assistantHistoryItems(p types.Payload) []HistoryItem {
	raw, ok := p["content"]
	if !ok {
		return nil
	}

	var text strings.Builder
	var items []HistoryItem

	emitText := func() {
		if text.Len() > 0 {
			items = append(items, HistoryItem{Role: "assistant", Text: text.String()})
			text.Reset()
		}
	}

	switch blocks := raw.(type) {
	case []types.ContentBlock:
		for _, b := range blocks {
			switch b.Type {
			case types.BlockText:
				text.WriteString(b.Text)
			case types.BlockToolUse:
				emitText()
				items = append(items, HistoryItem{Role: "assistant", ToolCallID: b.ToolUseID, ToolName: b.ToolName, ToolInput: b.ToolInput})
			}
		}
	case []any:
		for _, raw := range blocks {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch m["type"] {
			case string(types.BlockText):
				if s, ok := m["text"].(string); ok {
					text.WriteString(s)
				}
			case string(types.BlockToolUse):
				emitText()
				item := HistoryItem{Role: "assistant"}
				if s, ok := m["id"].(string); ok {
					item.ToolCallID = s
				}
				if s, ok := m["name"].(string); ok {
					item.ToolName = s
				}
				if in, ok := m["input"].(map[string]any); ok {
					item.ToolInput = in
				}
				items = append(items, item)
			}
		}
	}
	emitText()
	return items
}
