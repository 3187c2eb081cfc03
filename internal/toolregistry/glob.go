package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const globDescription = `Fast file pattern matching tool that works with any codebase size.

Usage:
- Supports glob patterns like "**/*.js" or "src/**/*.ts"
- Returns matching file paths sorted alphabetically
- Use this tool when you need to find files by name patterns`

type globInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

// GlobTool implements doublestar-based file pattern matching, replacing
// the teacher's ripgrep-subprocess approach with a pure-Go walk so the
// tool has no external binary dependency.
type GlobTool struct{ workDir string }

// NewGlobTool creates a new glob tool.
func NewGlobTool(workDir string) *GlobTool { return &GlobTool{workDir: workDir} }

func (t *GlobTool) Name() string        { return "Glob" }
func (t *GlobTool) Description() string { return globDescription }

func (t *GlobTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "The glob pattern to match files against"},
			"path":    map[string]any{"type": "string", "description": "Directory to search in (default: current directory)"},
		},
		"required": []any{"pattern"},
	}
}

const maxGlobResults = 100

func (t *GlobTool) Execute(ctx context.Context, raw json.RawMessage, tc *Context) (string, bool, error) {
	var in globInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", true, fmt.Errorf("invalid input: %w", err)
	}

	searchDir := t.workDir
	if tc != nil && tc.WorkDir != "" {
		searchDir = tc.WorkDir
	}
	if in.Path != "" {
		if filepath.IsAbs(in.Path) {
			searchDir = in.Path
		} else {
			searchDir = filepath.Join(searchDir, in.Path)
		}
	}

	fsys := os.DirFS(searchDir)
	var matches []string
	err := doublestar.GlobWalk(fsys, in.Pattern, func(path string, d fs.DirEntry) error {
		if tc != nil && tc.IsAborted() {
			return fmt.Errorf("glob aborted")
		}
		if !d.IsDir() {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil && len(matches) == 0 {
		return "No files matched the pattern", false, nil
	}

	sort.Strings(matches)
	truncated := false
	if len(matches) > maxGlobResults {
		matches = matches[:maxGlobResults]
		truncated = true
	}

	out := strings.Join(matches, "\n")
	if truncated {
		out += fmt.Sprintf("\n\n(Showing first %d matches)", maxGlobResults)
	}
	return out, false, nil
}
