package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"
)

const (
	defaultBashTimeout = 120 * time.Second
	maxBashTimeout     = 10 * time.Minute
	maxBashOutput      = 30000
)

const bashDescription = `Executes a shell command in a fresh subprocess.

Usage:
- command is required
- Optional timeoutMs (max 600000)
- Output is captured from stdout and stderr, combined
- Commands run in their own process group; the shell process is killed when the timeout expires
- A running command is not stopped when the run is aborted`

type bashInput struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// BashTool implements shell command execution.
type BashTool struct {
	workDir string
	shell   string
}

// NewBashTool creates a new bash tool.
func NewBashTool(workDir string) *BashTool {
	return &BashTool{workDir: workDir, shell: detectShell()}
}

func detectShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	if bash, err := exec.LookPath("bash"); err == nil {
		return bash
	}
	return "/bin/sh"
}

func (t *BashTool) Name() string        { return "Bash" }
func (t *BashTool) Description() string { return bashDescription }

func (t *BashTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":   map[string]any{"type": "string", "description": "The command to execute"},
			"timeoutMs": map[string]any{"type": "integer", "description": "Optional timeout in milliseconds (max 600000)"},
		},
		"required": []any{"command"},
	}
}

func (t *BashTool) Execute(ctx context.Context, raw json.RawMessage, tc *Context) (string, bool, error) {
	var in bashInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", true, fmt.Errorf("invalid input: %w", err)
	}

	timeout := defaultBashTimeout
	if in.TimeoutMs > 0 {
		timeout = time.Duration(in.TimeoutMs) * time.Millisecond
		if timeout > maxBashTimeout {
			timeout = maxBashTimeout
		}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(cmdCtx, t.shell, "/c", in.Command)
	} else {
		cmd = exec.CommandContext(cmdCtx, t.shell, "-c", in.Command)
	}
	if tc != nil && tc.WorkDir != "" {
		cmd.Dir = tc.WorkDir
	} else {
		cmd.Dir = t.workDir
	}
	cmd.Env = os.Environ()
	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	output, err := cmd.CombinedOutput()
	timedOut := cmdCtx.Err() == context.DeadlineExceeded

	result := string(output)
	if len(result) > maxBashOutput {
		result = result[:maxBashOutput] + "\n\n(Output truncated)"
	}
	if timedOut {
		result += fmt.Sprintf("\n\n(Command timed out after %v)", timeout)
		return result, true, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result += fmt.Sprintf("\n\nExit code %d", exitErr.ExitCode())
			return result, true, nil
		}
		return result, true, nil
	}
	return result, false, nil
}
