// Package toolregistry adapts the teacher's flat tool.Registry/tool.Tool
// framework to the core's narrower orchestrator.ToolExecutor surface,
// validating arguments against each tool's JSON Schema with
// santhosh-tekuri/jsonschema/v6 before execution. The orchestrator runs
// the PreToolUse hook first and only calls into this registry once that
// hook hasn't blocked the call, so schema validation here catches
// malformed arguments a hook let through, not before it.
package toolregistry

import (
	"context"
	"encoding/json"
)

// Context carries per-call execution state into a Tool, generalizing the
// teacher's tool.Context from a fixed struct of fields plus a metadata
// callback into something that also plumbs a cancellation-aware abort
// channel for long-running tools like Bash.
type Context struct {
	SessionID string
	ToolCallID string
	WorkDir   string
	AbortCh   <-chan struct{}
}

// IsAborted reports whether the run that issued this tool call has been
// cancelled (spec.md §5's "tools observe cancellation via their
// argument-passed cancel token").
func (c *Context) IsAborted() bool {
	select {
	case <-c.AbortCh:
		return true
	default:
		return false
	}
}

// Tool is one executable capability the provider can call.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the tool's JSON Schema input shape, already decoded
	// into a map so the registry can both validate against it and hand
	// it to the provider verbatim as a ToolSpec.
	Schema() map[string]any
	Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, bool, error)
}

// BaseTool is a convenience embeddable Tool built from a closure, mirroring
// the teacher's tool.BaseTool/NewBaseTool.
type BaseTool struct {
	name        string
	description string
	schema      map[string]any
	run         func(ctx context.Context, args json.RawMessage, tc *Context) (string, bool, error)
}

// NewBaseTool builds a Tool from its identity, schema, and handler.
func NewBaseTool(name, description string, schema map[string]any, run func(context.Context, json.RawMessage, *Context) (string, bool, error)) *BaseTool {
	return &BaseTool{name: name, description: description, schema: schema, run: run}
}

func (t *BaseTool) Name() string                { return t.name }
func (t *BaseTool) Description() string         { return t.description }
func (t *BaseTool) Schema() map[string]any      { return t.schema }

func (t *BaseTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, bool, error) {
	return t.run(ctx, args, tc)
}
