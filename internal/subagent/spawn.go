package subagent

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/agentcore-dev/core/internal/coreerr"
	"github.com/agentcore-dev/core/internal/corelog"
	"github.com/agentcore-dev/core/internal/eventstore"
	"github.com/agentcore-dev/core/pkg/types"
)

// TurnRunner is the orchestrator's narrow surface for driving one
// session's turn loop to completion; the subagent package depends on it
// rather than the other way around, mirroring the teacher's SubagentExecutor
// calling into a session.Processor it doesn't own.
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionID, prompt string) error
}

// SpawnOptions parameterizes both spawn paths.
type SpawnOptions struct {
	ParentSessionID string
	Task            string
	Model           string
	WorkingDir      string
	MaxTurns        int
}

// SpawnSubsession creates a child session sharing the parent's event
// store, records subagent.spawned in the parent, and runs the child's
// turn loop asynchronously — the in-process path of spec.md §4.4,
// generalizing the teacher's SubagentExecutor.ExecuteSubtask flow
// (create child session → run processor → extract result) from a
// synchronous call into a tracked, awaitable background run.
func SpawnSubsession(ctx context.Context, store eventstore.Store, tracker *Tracker, runner TurnRunner, opts SpawnOptions) (string, error) {
	childID := eventstore.NewID()
	now := time.Now().UTC()

	if err := store.CreateSession(ctx, types.Session{
		ID: childID, WorkingDir: opts.WorkingDir, Model: opts.Model,
		ParentSessionID: opts.ParentSessionID, SpawnType: types.SpawnSubsession, SpawnTask: opts.Task,
		CreatedAt: now, LastActivityAt: now,
	}); err != nil {
		return "", err
	}

	spawnEvt, err := store.Append(ctx, eventstore.AppendInput{
		SessionID: opts.ParentSessionID,
		Kind:      types.KindSubagentSpawn,
		Payload: types.Payload{
			"subagentSessionId": childID,
			"spawnType":         string(types.SpawnSubsession),
			"task":              opts.Task,
			"model":             opts.Model,
			"workingDirectory":  opts.WorkingDir,
			"maxTurns":          opts.MaxTurns,
		},
	})
	if err != nil {
		return "", err
	}

	tracker.Spawn(types.TrackedSubAgent{
		SessionID: childID, SpawnEventID: spawnEvt.ID, SpawnType: types.SpawnSubsession,
		Task: opts.Task, Model: opts.Model, WorkingDir: opts.WorkingDir, MaxTurns: opts.MaxTurns,
		StartedAt: now,
	})

	go func() {
		start := time.Now()
		tracker.UpdateStatus(childID, types.SubAgentRunning, 0, types.RawTokenUsage{})

		runErr := runner.RunTurn(ctx, childID, opts.Task)
		duration := time.Since(start)

		if runErr != nil {
			tracker.Fail(childID, runErr, 0, duration)
			if _, err := store.Append(ctx, eventstore.AppendInput{
				SessionID: opts.ParentSessionID, Kind: types.KindSubagentFail,
				Payload: types.Payload{
					"subagentSessionId": childID, "error": runErr.Error(),
					"recoverable": coreerr.Is(runErr, coreerr.ProviderTransient), "duration": duration.Milliseconds(),
				},
			}); err != nil {
				corelog.Warn().Err(err).Str("session_id", childID).Msg("recording subagent.failed")
			}
			return
		}

		childSess, err := store.GetSession(ctx, childID)
		summary := "completed"
		if err == nil && childSess != nil {
			summary = fmt.Sprintf("completed in %d turn(s)", childSess.TurnCount)
		}
		tracker.Complete(childID, summary, turnCountOf(childSess), tokenUsageOf(childSess), duration, "")

		if _, err := store.Append(ctx, eventstore.AppendInput{
			SessionID: opts.ParentSessionID, Kind: types.KindSubagentDone,
			Payload: types.Payload{
				"subagentSessionId": childID, "resultSummary": summary,
				"totalTurns": turnCountOf(childSess), "duration": duration.Milliseconds(),
			},
		}); err != nil {
			corelog.Warn().Err(err).Str("session_id", childID).Msg("recording subagent.completed")
		}
	}()

	return childID, nil
}

func turnCountOf(s *types.Session) int {
	if s == nil {
		return 0
	}
	return s.TurnCount
}

func tokenUsageOf(s *types.Session) types.RawTokenUsage {
	if s == nil {
		return types.RawTokenUsage{}
	}
	return types.RawTokenUsage{
		InputTokens: s.TotalInputTokens, OutputTokens: s.TotalOutputTokens,
		CacheReadTokens: s.CacheReadTokens, CacheCreationTokens: s.CacheCreationTokens,
	}
}

// SpawnTmux generates a child session id and launches a detached process
// running the same binary in out-of-process sub-agent mode (spec.md
// §4.4/§6's CLI surface), recording subagent.spawned with spawnType
// tmux and a tmuxSessionName derived from the child id. The process is
// started directly in a new session (setsid), not inside tmux, so no tmux
// session of that name exists.
func SpawnTmux(ctx context.Context, store eventstore.Store, tracker *Tracker, binaryPath, dbPath string, opts SpawnOptions) (string, string, error) {
	childID := eventstore.NewID()
	tmuxSessionName := "agentcore-sub-" + childID[len(childID)-8:]

	cmd := exec.Command(binaryPath,
		"--session-id="+childID,
		"--parent-session-id="+opts.ParentSessionID,
		"--spawn-task="+opts.Task,
		"--db-path="+dbPath,
		"--working-directory="+opts.WorkingDir,
		"--model="+opts.Model,
		"--max-turns="+strconv.Itoa(opts.MaxTurns),
	)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return "", "", coreerr.Wrap("spawn_failed", coreerr.Storage, false, "starting detached sub-agent process", err)
	}
	go func() { _ = cmd.Wait() }() // reap; exit status observed via event-sourced replay, not this process

	now := time.Now().UTC()
	if err := store.CreateSession(ctx, types.Session{
		ID: childID, WorkingDir: opts.WorkingDir, Model: opts.Model,
		ParentSessionID: opts.ParentSessionID, SpawnType: types.SpawnTmux, SpawnTask: opts.Task,
		CreatedAt: now, LastActivityAt: now,
	}); err != nil {
		return "", "", err
	}

	spawnEvt, err := store.Append(ctx, eventstore.AppendInput{
		SessionID: opts.ParentSessionID,
		Kind:      types.KindSubagentSpawn,
		Payload: types.Payload{
			"subagentSessionId": childID,
			"spawnType":         string(types.SpawnTmux),
			"task":              opts.Task,
			"model":             opts.Model,
			"workingDirectory":  opts.WorkingDir,
			"tmuxSessionName":   tmuxSessionName,
			"maxTurns":          opts.MaxTurns,
		},
	})
	if err != nil {
		return "", "", err
	}

	tracker.Spawn(types.TrackedSubAgent{
		SessionID: childID, SpawnEventID: spawnEvt.ID, SpawnType: types.SpawnTmux,
		Task: opts.Task, Model: opts.Model, WorkingDir: opts.WorkingDir, MaxTurns: opts.MaxTurns,
		TmuxSession: tmuxSessionName, StartedAt: now,
	})

	return childID, tmuxSessionName, nil
}
