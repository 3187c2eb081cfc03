package provider

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/agentcore-dev/core/internal/orchestrator"
	"github.com/agentcore-dev/core/pkg/types"
)

// unionFromJSON decodes raw SSE-shaped JSON into a MessageStreamEventUnion,
// the same construction goa-ai's stream_test.go uses to exercise a
// chunk processor without standing up a live ssestream.Stream.
func unionFromJSON(t *testing.T, raw string) sdk.MessageStreamEventUnion {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev
}

func TestChunkProcessor_TextAndToolCall(t *testing.T) {
	var got []types.ProviderEvent
	proc := newChunkProcessor(func(evt types.ProviderEvent) bool {
		got = append(got, evt)
		return true
	})

	events := []string{
		`{"type":"message_start"}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"Read"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"filePath\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"a.go\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":10,"output_tokens":4}}`,
		`{"type":"message_stop"}`,
	}
	for _, raw := range events {
		if !proc.handle(unionFromJSON(t, raw), 1) {
			t.Fatalf("handle returned false for %s", raw)
		}
	}

	var sawText, sawTool, sawEnd bool
	for _, evt := range got {
		switch evt.Type {
		case types.PEventTextDelta:
			sawText = true
			if evt.TextDelta != "hello" {
				t.Errorf("text delta = %q, want hello", evt.TextDelta)
			}
		case types.PEventToolExecStart:
			sawTool = true
			if evt.ToolName != "Read" || evt.ToolCallID != "t1" {
				t.Errorf("tool exec start = %+v", evt)
			}
			if evt.ToolArguments["filePath"] != "a.go" {
				t.Errorf("tool arguments = %+v, want filePath=a.go", evt.ToolArguments)
			}
		case types.PEventTurnEnd:
			sawEnd = true
			if evt.StopReason != "tool_use" {
				t.Errorf("stop reason = %q, want tool_use", evt.StopReason)
			}
		}
	}
	if !sawText || !sawTool || !sawEnd {
		t.Fatalf("missing expected events: text=%v tool=%v end=%v (got %d events)", sawText, sawTool, sawEnd, len(got))
	}
}

func TestChunkProcessor_StopWithoutBufferedToolEmitsNothing(t *testing.T) {
	var got []types.ProviderEvent
	proc := newChunkProcessor(func(evt types.ProviderEvent) bool {
		got = append(got, evt)
		return true
	})

	// A ContentBlockStopEvent with no buffered tool at that index must
	// not emit a tool_execution_start.
	proc.handle(unionFromJSON(t, `{"type":"content_block_stop","index":5}`), 1)
	for _, evt := range got {
		if evt.Type == types.PEventToolExecStart {
			t.Fatalf("unexpected tool_execution_start for unbuffered index")
		}
	}
}

func TestMockStream_RecvUntilEOF(t *testing.T) {
	events := Script{
		{Type: types.PEventTextDelta, TextDelta: "hi"},
		{Type: types.PEventTurnEnd, StopReason: "end_turn"},
	}
	s := &mockStream{events: events}

	first, err := s.Recv()
	if err != nil || first.TextDelta != "hi" {
		t.Fatalf("first Recv = %+v, %v", first, err)
	}
	second, err := s.Recv()
	if err != nil || second.StopReason != "end_turn" {
		t.Fatalf("second Recv = %+v, %v", second, err)
	}
	if _, err := s.Recv(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestMockProvider_ScriptedTurnsReplayInOrder(t *testing.T) {
	mp := NewMock()
	turns := ToolLoop("Read", map[string]any{"filePath": "a.go"}, "call-1")
	mp.ScriptSession("s1", turns...)

	stream1, err := mp.StartTurn(context.Background(), turnRequestFor("s1"))
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	drained1 := drain(t, stream1)
	if len(drained1) != len(turns[0]) {
		t.Fatalf("turn 1 events = %d, want %d", len(drained1), len(turns[0]))
	}

	stream2, err := mp.StartTurn(context.Background(), turnRequestFor("s1"))
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	drained2 := drain(t, stream2)
	if len(drained2) != len(turns[1]) {
		t.Fatalf("turn 2 events = %d, want %d", len(drained2), len(turns[1]))
	}

	// A third call has no scripted turn left; it must still terminate.
	stream3, err := mp.StartTurn(context.Background(), turnRequestFor("s1"))
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	drained3 := drain(t, stream3)
	if len(drained3) == 0 {
		t.Fatalf("expected a fallback terminating turn, got none")
	}
}

func TestMockProvider_UnscriptedSessionFallsBackToTrivialTurn(t *testing.T) {
	mp := NewMock()
	stream, err := mp.StartTurn(context.Background(), turnRequestFor("never-scripted"))
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	drained := drain(t, stream)
	if len(drained) != 2 {
		t.Fatalf("expected fallback turn_start+turn_end, got %d events", len(drained))
	}
}

func turnRequestFor(sessionID string) orchestrator.TurnRequest {
	return orchestrator.TurnRequest{SessionID: sessionID}
}

func drain(t *testing.T, s types.Stream) []types.ProviderEvent {
	t.Helper()
	var out []types.ProviderEvent
	for {
		evt, err := s.Recv()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		out = append(out, evt)
	}
}
