package types

import "time"

// HookKind is one of the nine lifecycle points the hook engine intercepts.
type HookKind string

const (
	HookPreToolUse       HookKind = "PreToolUse"
	HookPostToolUse      HookKind = "PostToolUse"
	HookStop             HookKind = "Stop"
	HookSubagentStop     HookKind = "SubagentStop"
	HookSessionStart     HookKind = "SessionStart"
	HookSessionEnd       HookKind = "SessionEnd"
	HookUserPromptSubmit HookKind = "UserPromptSubmit"
	HookPreCompact       HookKind = "PreCompact"
	HookNotification     HookKind = "Notification"
)

// HookMode is whether the turn loop awaits a hook's completion.
type HookMode string

const (
	HookBlocking   HookMode = "blocking"
	HookBackground HookMode = "background"
)

// forcedBlocking is the set of kinds whose mode is fixed to blocking at
// every registration, regardless of caller request (spec.md §4.3 and the
// Open Question in spec.md §9 resolved: forced-blocking applies on EVERY
// registration, not just the first).
var forcedBlocking = map[HookKind]bool{
	HookPreToolUse:       true,
	HookUserPromptSubmit: true,
	HookPreCompact:       true,
}

// ForcesBlocking reports whether kind always runs blocking.
func ForcesBlocking(kind HookKind) bool { return forcedBlocking[kind] }

// HookAction is a handler's verdict.
type HookAction string

const (
	ActionContinue HookAction = "continue"
	ActionBlock    HookAction = "block"
	ActionModify   HookAction = "modify"
)

// HookContext is the ambient + request-specific data passed to a handler.
type HookContext struct {
	Kind          HookKind
	SessionID     string
	RunID         string
	ToolName      string
	ToolCallID    string
	ToolArguments map[string]any
	Prompt        string
	Extra         map[string]any
}

// HookResult is a handler's return value.
type HookResult struct {
	Action        HookAction
	Reason        string
	Message       string
	Modifications map[string]any
}

// HookFilter decides whether a hook applies to a given context.
type HookFilter func(ctx HookContext) bool

// HookHandler executes a hook's behavior, returning a result or an error.
// A thrown/returned error is fail-open: the engine treats it as continue.
type HookHandler func(ctx HookContext) (HookResult, error)

// HookDefinition is a registered lifecycle interceptor.
type HookDefinition struct {
	Name      string
	Kind      HookKind
	Priority  int
	Timeout   time.Duration
	Mode      HookMode
	Filter    HookFilter
	Handler   HookHandler
	RegisteredAt int64 // monotonic registration order, for stable priority ties
}

// ExecResult is what Engine.Execute returns: the blocking-phase result
// plus bookkeeping for the hook.completed event.
type ExecResult struct {
	Result       HookResult
	Duration     time.Duration
	HookNames    []string
	Blocked      bool
	BlockReason  string
}
