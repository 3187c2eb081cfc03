package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentcore-dev/core/internal/orchestrator"
	"github.com/agentcore-dev/core/pkg/types"
)

// messagesClient captures the subset of the Anthropic SDK used here, the
// way the goa-ai pack's anthropic adapter narrows sdk.MessageService —
// lets a test substitute a scripted client without standing up a server.
type messagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	MaxTokens int64
}

// AnthropicProvider implements orchestrator.Provider against the
// Anthropic Messages streaming API.
type AnthropicProvider struct {
	client    messagesClient
	maxTokens int64
}

// NewAnthropicProvider builds a provider from config, defaulting the API
// key to ANTHROPIC_API_KEY and max tokens to 4096 the way the teacher's
// NewAnthropicProvider does.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: ANTHROPIC_API_KEY not set")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	c := sdk.NewClient(opts...)
	return &AnthropicProvider{client: &c.Messages, maxTokens: maxTokens}, nil
}

// StartTurn implements orchestrator.Provider, translating one TurnRequest
// into a Messages.NewStreaming call and adapting the resulting SSE stream
// into the core's ProviderEvent union.
func (p *AnthropicProvider) StartTurn(ctx context.Context, req orchestrator.TurnRequest) (types.Stream, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	return newAnthropicStream(stream), nil
}

func (p *AnthropicProvider) buildParams(req orchestrator.TurnRequest) (sdk.MessageNewParams, error) {
	msgs, err := encodeHistory(req.History)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: p.maxTokens,
		Messages:  msgs,
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	if budget := thinkingBudget(req.ReasoningLevel, p.maxTokens); budget > 0 {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// thinkingBudget maps the core's coarse reasoning levels onto an
// Anthropic extended-thinking token budget, grounded in the goa-ai
// pack's ThinkingBudget/Request.Thinking handling. Levels below the
// SDK's 1024-token floor or at/above maxTokens disable thinking rather
// than erroring, since a sub-agent's reasoning level is advisory.
func thinkingBudget(level string, maxTokens int64) int64 {
	var budget int64
	switch level {
	case "low":
		budget = 1024
	case "medium":
		budget = 4096
	case "high", "max":
		budget = 16000
	default:
		return 0
	}
	if budget < 1024 || budget >= maxTokens {
		return 0
	}
	return budget
}

func encodeHistory(items []orchestrator.HistoryItem) ([]sdk.MessageParam, error) {
	var out []sdk.MessageParam
	for _, item := range items {
		switch item.Role {
		case "user":
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(item.Text)))
		case "assistant":
			if item.ToolCallID != "" {
				out = append(out, sdk.NewAssistantMessage(sdk.NewToolUseBlock(item.ToolCallID, item.ToolInput, item.ToolName)))
				continue
			}
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(item.Text)))
		case "tool":
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(item.ToolCallID, item.ToolResultText, item.ToolIsError)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported history role %q", item.Role)
		}
	}
	return out, nil
}

func encodeTools(specs []orchestrator.ToolSpec) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: s.Schema}, s.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(s.Description)
		}
		out = append(out, u)
	}
	return out
}

// anthropicStream adapts a *ssestream.Stream into types.Stream, grounded
// in the goa-ai pack's anthropicStreamer/anthropicChunkProcessor pair: a
// background goroutine drains the SSE stream into a buffered channel so
// Recv never blocks on Anthropic's wire framing directly.
type anthropicStream struct {
	sse    *ssestream.Stream[sdk.MessageStreamEventUnion]
	events chan types.ProviderEvent
	done   chan struct{}
	closeOnce sync.Once
}

func newAnthropicStream(sse *ssestream.Stream[sdk.MessageStreamEventUnion]) *anthropicStream {
	s := &anthropicStream{sse: sse, events: make(chan types.ProviderEvent, 32), done: make(chan struct{})}
	go s.run()
	return s
}

func (s *anthropicStream) Recv() (types.ProviderEvent, error) {
	evt, ok := <-s.events
	if !ok {
		return types.ProviderEvent{}, io.EOF
	}
	return evt, nil
}

func (s *anthropicStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.sse.Close()
}

func (s *anthropicStream) run() {
	defer close(s.events)
	defer s.sse.Close()

	proc := newChunkProcessor(func(evt types.ProviderEvent) bool {
		select {
		case s.events <- evt:
			return true
		case <-s.done:
			return false
		}
	})

	turn := 0
	for s.sse.Next() {
		turn++
		if !proc.handle(s.sse.Current(), turn) {
			return
		}
	}
}

// chunkProcessor converts Anthropic SSE events into ProviderEvents,
// buffering tool_use input-json deltas until their block closes (spec.md
// §9's "dynamic typing -> tagged variants" realized as buffered blocks
// instead of incremental deltas, since the core only needs the final
// decoded arguments at tool_execution_start).
type chunkProcessor struct {
	emit func(types.ProviderEvent) bool

	toolBlocks map[int64]*toolBuffer
	thinkSig   string
	stopReason string
}

type toolBuffer struct {
	id, name string
	fragments []byte
}

func newChunkProcessor(emit func(types.ProviderEvent) bool) *chunkProcessor {
	return &chunkProcessor{emit: emit, toolBlocks: make(map[int64]*toolBuffer)}
}

func (p *chunkProcessor) handle(event sdk.MessageStreamEventUnion, turn int) bool {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		return p.emit(types.ProviderEvent{Type: types.PEventTurnStart, Turn: turn})

	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			p.toolBlocks[ev.Index] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
		}
		return true

	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return true
			}
			return p.emit(types.ProviderEvent{Type: types.PEventTextDelta, TextDelta: delta.Text})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return true
			}
			return p.emit(types.ProviderEvent{Type: types.PEventThinkingDelta, ThinkingDelta: delta.Thinking})
		case sdk.SignatureDelta:
			p.thinkSig = delta.Signature
			return true
		case sdk.InputJSONDelta:
			if tb := p.toolBlocks[ev.Index]; tb != nil {
				tb.fragments = append(tb.fragments, []byte(delta.PartialJSON)...)
			}
			return true
		}
		return true

	case sdk.ContentBlockStopEvent:
		tb, ok := p.toolBlocks[ev.Index]
		if !ok {
			return true
		}
		delete(p.toolBlocks, ev.Index)
		args := map[string]any{}
		if len(tb.fragments) > 0 {
			_ = json.Unmarshal(tb.fragments, &args)
		}
		return p.emit(types.ProviderEvent{
			Type: types.PEventToolExecStart, ToolCallID: tb.id, ToolName: tb.name, ToolArguments: args,
		})

	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		usage := types.RawTokenUsage{
			InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens,
			CacheReadTokens: ev.Usage.CacheReadInputTokens, CacheCreationTokens: ev.Usage.CacheCreationInputTokens,
			Provider: "anthropic",
		}
		return p.emit(types.ProviderEvent{Type: types.PEventResponseComplete, TokenUsage: usage})

	case sdk.MessageStopEvent:
		return p.emit(types.ProviderEvent{Type: types.PEventTurnEnd, Turn: turn, StopReason: p.stopReason})
	}
	return true
}
