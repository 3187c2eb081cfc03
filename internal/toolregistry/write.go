package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const writeDescription = `Writes content to a file on the local filesystem.

Usage:
- The filePath parameter must be an absolute path
- This tool will overwrite existing files
- Parent directories will be created if they don't exist
- ALWAYS prefer editing existing files over creating new ones`

type writeInput struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// WriteTool implements file writing.
type WriteTool struct{ workDir string }

// NewWriteTool creates a new write tool.
func NewWriteTool(workDir string) *WriteTool { return &WriteTool{workDir: workDir} }

func (t *WriteTool) Name() string        { return "Write" }
func (t *WriteTool) Description() string { return writeDescription }

func (t *WriteTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filePath": map[string]any{"type": "string", "description": "The absolute path to the file to write"},
			"content":  map[string]any{"type": "string", "description": "The content to write to the file"},
		},
		"required": []any{"filePath", "content"},
	}
}

func (t *WriteTool) Execute(ctx context.Context, raw json.RawMessage, tc *Context) (string, bool, error) {
	var in writeInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", true, fmt.Errorf("invalid input: %w", err)
	}

	var before string
	if existing, err := os.ReadFile(in.FilePath); err == nil {
		before = string(existing)
	}

	dir := filepath.Dir(in.FilePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", true, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(in.FilePath, []byte(in.Content), 0644); err != nil {
		return "", true, fmt.Errorf("failed to write file: %w", err)
	}

	additions, deletions := diffLineCounts(before, in.Content)
	return fmt.Sprintf("Wrote %d bytes to %s (+%d/-%d lines)", len(in.Content), in.FilePath, additions, deletions), false, nil
}
