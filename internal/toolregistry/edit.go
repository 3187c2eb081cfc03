package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const editDescription = `Performs exact string replacements in files.

Usage:
- The filePath parameter must be an absolute path
- The oldString must exist in the file (exact match required)
- The newString will replace oldString
- Use replaceAll to replace all occurrences
- The edit will FAIL if oldString is not unique (unless using replaceAll)`

type editInput struct {
	FilePath   string `json:"filePath"`
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	ReplaceAll bool   `json:"replaceAll,omitempty"`
}

// EditTool implements exact-match file editing.
type EditTool struct{ workDir string }

// NewEditTool creates a new edit tool.
func NewEditTool(workDir string) *EditTool { return &EditTool{workDir: workDir} }

func (t *EditTool) Name() string        { return "Edit" }
func (t *EditTool) Description() string { return editDescription }

func (t *EditTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filePath":   map[string]any{"type": "string", "description": "The absolute path to the file to edit"},
			"oldString":  map[string]any{"type": "string", "description": "The exact text to replace"},
			"newString":  map[string]any{"type": "string", "description": "The text to replace it with"},
			"replaceAll": map[string]any{"type": "boolean", "description": "Replace all occurrences (default: false)"},
		},
		"required": []any{"filePath", "oldString", "newString"},
	}
}

func (t *EditTool) Execute(ctx context.Context, raw json.RawMessage, tc *Context) (string, bool, error) {
	var in editInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", true, fmt.Errorf("invalid input: %w", err)
	}
	if in.OldString == in.NewString {
		return "", true, fmt.Errorf("oldString and newString must be different")
	}

	content, err := os.ReadFile(in.FilePath)
	if err != nil {
		return "", true, fmt.Errorf("failed to read file: %w", err)
	}
	text := string(content)

	count := strings.Count(text, in.OldString)
	if count == 0 {
		return "", true, fmt.Errorf("oldString not found in %s", in.FilePath)
	}
	if !in.ReplaceAll && count > 1 {
		return "", true, fmt.Errorf("oldString appears %d times in file; use replaceAll or provide more context", count)
	}

	var newText string
	if in.ReplaceAll {
		newText = strings.ReplaceAll(text, in.OldString, in.NewString)
	} else {
		newText = strings.Replace(text, in.OldString, in.NewString, 1)
		count = 1
	}

	if err := os.WriteFile(in.FilePath, []byte(newText), 0644); err != nil {
		return "", true, fmt.Errorf("failed to write file: %w", err)
	}

	diffText := unifiedDiff(in.FilePath, text, newText)
	return fmt.Sprintf("Replaced %d occurrence(s) in %s\n%s", count, in.FilePath, diffText), false, nil
}
