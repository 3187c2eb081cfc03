package toolregistry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const readDescription = `Reads a file from the local filesystem.

Usage:
- The filePath parameter must be an absolute path
- By default, reads up to 2000 lines from the beginning
- You can optionally specify offset and limit for pagination
- Returns file contents with line numbers`

type readInput struct {
	FilePath string `json:"filePath"`
	Offset   int    `json:"offset,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// ReadTool implements file reading.
type ReadTool struct{ workDir string }

// NewReadTool creates a new read tool.
func NewReadTool(workDir string) *ReadTool { return &ReadTool{workDir: workDir} }

func (t *ReadTool) Name() string        { return "Read" }
func (t *ReadTool) Description() string { return readDescription }

func (t *ReadTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filePath": map[string]any{"type": "string", "description": "The absolute path to the file to read"},
			"offset":   map[string]any{"type": "integer", "description": "Line number to start reading from"},
			"limit":    map[string]any{"type": "integer", "description": "Number of lines to read (default: 2000)"},
		},
		"required": []any{"filePath"},
	}
}

func (t *ReadTool) Execute(ctx context.Context, raw json.RawMessage, tc *Context) (string, bool, error) {
	var in readInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", true, fmt.Errorf("invalid input: %w", err)
	}
	if in.Limit <= 0 {
		in.Limit = 2000
	}

	info, err := os.Stat(in.FilePath)
	if err != nil {
		return "", true, fmt.Errorf("file not found: %s", in.FilePath)
	}
	if info.IsDir() {
		return "", true, fmt.Errorf("path is a directory, not a file: %s", in.FilePath)
	}

	file, err := os.Open(in.FilePath)
	if err != nil {
		return "", true, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if in.Offset > 0 && lineNum < in.Offset {
			continue
		}
		if len(lines) >= in.Limit {
			break
		}
		line := scanner.Text()
		if len(line) > 2000 {
			line = line[:2000] + "..."
		}
		lines = append(lines, fmt.Sprintf("%05d| %s", lineNum, line))
	}

	var sb strings.Builder
	sb.WriteString("<file>\n")
	sb.WriteString(strings.Join(lines, "\n"))
	lastReadLine := len(lines)
	if in.Offset > 1 {
		lastReadLine += in.Offset - 1
	}
	if lineNum > lastReadLine {
		sb.WriteString(fmt.Sprintf("\n\n(File has more lines. Use 'offset' parameter to read beyond line %d)", lastReadLine))
	} else {
		sb.WriteString(fmt.Sprintf("\n\n(End of file - total %d lines)", lineNum))
	}
	sb.WriteString("\n</file>")
	return sb.String(), false, nil
}
