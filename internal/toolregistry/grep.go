package toolregistry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const grepDescription = `A content search tool.

Usage:
- Supports full regex syntax (e.g., "log.*Error", "function\\s+\\w+")
- Filter files with the include glob parameter (e.g., "*.js", "**/*.tsx")
- Returns matching lines with file paths and line numbers`

type grepInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
	Include string `json:"include,omitempty"`
}

// GrepTool implements content search over the working tree, replacing the
// teacher's ripgrep subprocess with a pure-Go walk plus regexp so the tool
// carries no external binary dependency.
type GrepTool struct{ workDir string }

// NewGrepTool creates a new grep tool.
func NewGrepTool(workDir string) *GrepTool { return &GrepTool{workDir: workDir} }

func (t *GrepTool) Name() string        { return "Grep" }
func (t *GrepTool) Description() string { return grepDescription }

func (t *GrepTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "The regex pattern to search for in file contents"},
			"path":    map[string]any{"type": "string", "description": "The directory to search in. Defaults to the current working directory."},
			"include": map[string]any{"type": "string", "description": "File glob to include in the search (e.g. \"*.go\")"},
		},
		"required": []any{"pattern"},
	}
}

const maxGrepMatches = 200

func (t *GrepTool) Execute(ctx context.Context, raw json.RawMessage, tc *Context) (string, bool, error) {
	var in grepInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", true, fmt.Errorf("invalid input: %w", err)
	}

	re, err := regexp.Compile(in.Pattern)
	if err != nil {
		return "", true, fmt.Errorf("invalid pattern: %w", err)
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
	include := in.Include
	if include == "" {
		include = "**"
	}

	var out strings.Builder
	matches := 0
	err = doublestar.GlobWalk(os.DirFS(searchDir), include, func(path string, d fs.DirEntry) error {
		if matches >= maxGrepMatches {
			return fs.SkipAll
		}
		if d.IsDir() {
			return nil
		}
		if tc != nil && tc.IsAborted() {
			return fmt.Errorf("grep aborted")
		}
		full := filepath.Join(searchDir, path)
		f, openErr := os.Open(full)
		if openErr != nil {
			return nil
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			if re.MatchString(scanner.Text()) {
				fmt.Fprintf(&out, "%s:%d:%s\n", path, lineNum, scanner.Text())
				matches++
				if matches >= maxGrepMatches {
					break
				}
			}
		}
		return nil
	})
	if err != nil && matches == 0 {
		return "", true, fmt.Errorf("grep: %w", err)
	}

	if matches == 0 {
		return "No matches found", false, nil
	}
	if matches >= maxGrepMatches {
		out.WriteString(fmt.Sprintf("\n(Showing first %d matches)\n", maxGrepMatches))
	}
	return out.String(), false, nil
}
