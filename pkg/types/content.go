package types

// BlockType tags the content-block sum type (spec.md §4.5 / §9).
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockThinking BlockType = "thinking"
	BlockToolUse  BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// BlockMeta is the `_meta` attached to tool_use/tool_result blocks when a
// turn was interrupted (spec.md §4.5).
type BlockMeta struct {
	Status      string `json:"status,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
	DurationMs  int64  `json:"durationMs,omitempty"`
}

// ContentBlock is one element of an assistant message's content array.
// Only the fields relevant to Type are populated.
type ContentBlock struct {
	Type BlockType `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking    string `json:"thinking,omitempty"`
	ThinkingSig string `json:"signature,omitempty"`

	ToolUseID   string         `json:"id,omitempty"`
	ToolName    string         `json:"name,omitempty"`
	ToolInput   map[string]any `json:"input,omitempty"`

	ToolResultForID string `json:"tool_use_id,omitempty"`
	ToolResultText  string `json:"content,omitempty"`
	ToolResultError bool   `json:"is_error,omitempty"`

	Meta *BlockMeta `json:"_meta,omitempty"`
}

// SequenceItemKind tags the ordered stream items the turn pipeline
// accumulates before a flush.
type SequenceItemKind string

const (
	SeqText    SequenceItemKind = "text"
	SeqThink   SequenceItemKind = "thinking"
	SeqToolRef SequenceItemKind = "tool_ref"
)

// SequenceItem is one item in the turn's accumulated content sequence,
// in emission order (spec.md §4.5's "sequence items in order").
type SequenceItem struct {
	Kind       SequenceItemKind
	Text       string
	Thinking   string
	ToolCallID string // resolved via the tool-call map when Kind == SeqToolRef
}

// ToolCallRecord is what the tool-call map resolves a SeqToolRef to.
type ToolCallRecord struct {
	ID        string
	Name      string
	Arguments map[string]any

	Status      string // pending | running | completed
	ResultText  string
	IsError     bool
	StartedAt   int64 // unix millis
	CompletedAt int64 // unix millis, 0 if not completed
}
