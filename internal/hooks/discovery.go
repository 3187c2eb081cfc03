package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentcore-dev/core/internal/corelog"
	"github.com/agentcore-dev/core/pkg/types"
)

// filenameKinds is the fixed filename-stem to HookKind table spec.md
// §4.3's discovery section names.
var filenameKinds = map[string]types.HookKind{
	"pre-tool-use":       types.HookPreToolUse,
	"post-tool-use":      types.HookPostToolUse,
	"stop":               types.HookStop,
	"subagent-stop":      types.HookSubagentStop,
	"session-start":      types.HookSessionStart,
	"session-end":        types.HookSessionEnd,
	"user-prompt-submit": types.HookUserPromptSubmit,
	"pre-compact":        types.HookPreCompact,
	"notification":       types.HookNotification,
}

var numericPrefix = regexp.MustCompile(`^(\d+)-(.+)$`)

// DiscoverDir registers every recognized shell-script hook found directly
// under dir. Filenames follow `[N-]<kind-name>.sh`; the optional numeric
// prefix N sets priority (default 0).
func (e *Engine) DiscoverDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		def, ok := parseHookFilename(dir, entry.Name())
		if !ok {
			continue
		}
		e.Register(def)
	}
	return nil
}

func parseHookFilename(dir, filename string) (types.HookDefinition, bool) {
	if !strings.HasSuffix(filename, ".sh") {
		return types.HookDefinition{}, false
	}
	stem := strings.TrimSuffix(filename, ".sh")

	priority := 0
	if m := numericPrefix.FindStringSubmatch(stem); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			priority = n
			stem = m[2]
		}
	}

	kind, ok := filenameKinds[stem]
	if !ok {
		return types.HookDefinition{}, false
	}

	scriptPath := filepath.Join(dir, filename)
	return types.HookDefinition{
		Name:     scriptPath,
		Kind:     kind,
		Priority: priority,
		Mode:     types.HookBlocking,
		Handler:  shellHandler(scriptPath),
	}, true
}

// shellHandler runs a shell-script hook as a subprocess, passing context
// via HOOK_CONTEXT/HOOK_TYPE/HOOK_SESSION_ID env vars, and parses stdout
// as JSON `{action, reason?, message?, modifications?}`, falling back to
// `{action: continue, message: stdout}` on a parse failure.
func shellHandler(scriptPath string) types.HookHandler {
	return func(hctx types.HookContext) (types.HookResult, error) {
		ctxJSON, err := json.Marshal(hctx)
		if err != nil {
			return types.HookResult{}, err
		}

		cmd := exec.Command(scriptPath)
		cmd.Env = append(os.Environ(),
			"HOOK_CONTEXT="+string(ctxJSON),
			"HOOK_TYPE="+string(hctx.Kind),
			"HOOK_SESSION_ID="+hctx.SessionID,
		)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return types.HookResult{}, err
		}

		var result types.HookResult
		if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &result); err != nil {
			return types.HookResult{Action: types.ActionContinue, Message: stdout.String()}, nil
		}
		return result, nil
	}
}

// Discover registers project hooks at <directory>/.agent/hooks/ and
// user hooks at ~/.config/<tool>/hooks/. Each hook is named by its full
// script path, so a user and a project script with the same filename are
// both registered; neither replaces the other.
func Discover(e *Engine, userHooksDir, projectDirectory string) error {
	if err := e.DiscoverDir(userHooksDir); err != nil {
		corelog.Warn().Err(err).Str("dir", userHooksDir).Msg("discovering user hooks")
	}
	if projectDirectory != "" {
		projectHooksDir := filepath.Join(projectDirectory, ".agent", "hooks")
		if err := e.DiscoverDir(projectHooksDir); err != nil {
			corelog.Warn().Err(err).Str("dir", projectHooksDir).Msg("discovering project hooks")
		}
	}
	return nil
}

// Watch re-runs Discover whenever a file under the watched hook
// directories is created or modified, so new/edited scripts take effect
// without a restart.
func Watch(ctx context.Context, e *Engine, userHooksDir, projectDirectory string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dirs := []string{userHooksDir}
	if projectDirectory != "" {
		dirs = append(dirs, filepath.Join(projectDirectory, ".agent", "hooks"))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			continue
		}
		_ = watcher.Add(dir)
	}

	go func() {
		defer watcher.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				debounce.Reset(200 * time.Millisecond)
			case <-debounce.C:
				if err := Discover(e, userHooksDir, projectDirectory); err != nil {
					corelog.Warn().Err(err).Msg("re-discovering hooks")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				corelog.Warn().Err(err).Msg("hook watcher error")
			}
		}
	}()

	return watcher, nil
}
