package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentcore-dev/core/internal/coreerr"
	"github.com/agentcore-dev/core/internal/orchestrator"
)

// Registry holds the tools available to a session's turn loop and
// implements orchestrator.ToolExecutor, generalizing the teacher's
// tool.Registry (workDir-scoped map keyed by tool id) onto the core's
// ToolExecutor(sessionID, name, args) contract plus schema validation.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	workDir string
	abort   func(sessionID string) <-chan struct{}
}

// New creates an empty registry rooted at workDir. abort, if non-nil, is
// consulted per-call to hand each Tool a cancellation channel for the
// issuing session; the orchestrator's own executeToolCancelable already
// races the call against ctx, so this is a second, tool-observable signal.
// Glob and Grep check it between files via Context.IsAborted; Bash does
// not read it.
func New(workDir string, abort func(sessionID string) <-chan struct{}) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		workDir: workDir,
		abort:   abort,
	}
}

// Register adds a tool, compiling its schema eagerly so a malformed
// schema fails at startup rather than on first call.
func (r *Registry) Register(t Tool) error {
	compiled, err := compileSchema(t.Name(), t.Schema())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.schemas[t.Name()] = compiled
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	loc := "mem://tools/" + name + ".json"
	if err := c.AddResource(loc, schema); err != nil {
		return nil, fmt.Errorf("tool %q: adding schema resource: %w", name, err)
	}
	compiled, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("tool %q: compiling schema: %w", name, err)
	}
	return compiled, nil
}

// Execute implements orchestrator.ToolExecutor: validate args against the
// tool's schema, then run it with a Context scoped to sessionID.
func (r *Registry) Execute(ctx context.Context, sessionID, toolName string, args map[string]any) (string, bool, error) {
	r.mu.RLock()
	t, ok := r.tools[toolName]
	schema := r.schemas[toolName]
	r.mu.RUnlock()
	if !ok {
		return "", true, coreerr.New("unknown_tool", coreerr.Validation, false, "no such tool registered: "+toolName)
	}

	if schema != nil {
		if err := schema.Validate(args); err != nil {
			return "", true, coreerr.Wrap("invalid_tool_args", coreerr.Validation, false, "validating arguments for "+toolName, err)
		}
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return "", true, coreerr.Wrap("marshal_tool_args", coreerr.Validation, false, "re-encoding arguments for "+toolName, err)
	}

	var abortCh <-chan struct{}
	if r.abort != nil {
		abortCh = r.abort(sessionID)
	}
	tc := &Context{SessionID: sessionID, WorkDir: r.workDir, AbortCh: abortCh}

	output, isError, err := t.Execute(ctx, raw, tc)
	if err != nil {
		return err.Error(), true, nil
	}
	return output, isError, nil
}

// Specs implements orchestrator.ToolExecutor, advertising every
// registered tool's identity and schema to the provider for a turn.
func (r *Registry) Specs() []orchestrator.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]orchestrator.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, orchestrator.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return specs
}

// Default registers the built-in filesystem and shell tools, mirroring
// the teacher's tool.DefaultRegistry.
func Default(workDir string, abort func(sessionID string) <-chan struct{}) (*Registry, error) {
	r := New(workDir, abort)
	for _, t := range []Tool{
		NewReadTool(workDir),
		NewWriteTool(workDir),
		NewEditTool(workDir),
		NewBashTool(workDir),
		NewGlobTool(workDir),
		NewGrepTool(workDir),
	} {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}
