// Command agentcore-subagent is the out-of-process sub-agent entrypoint
// spec.md §6's tmux spawn path launches via exec.Command: a detached,
// short-lived process that drives exactly one sub-agent task through
// the same Orchestrator pipeline the parent process uses, then records
// its own completion back into the shared event store before exiting.
//
// It mirrors the teacher's cmd/opencode-server/main.go in spirit (a
// thin flag-parsing wrapper around a cobra command that wires the same
// collaborators as the interactive binary) but has no HTTP surface: its
// entire job ends when the one spawned task finishes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcore-dev/core/internal/agentevents"
	"github.com/agentcore-dev/core/internal/config"
	"github.com/agentcore-dev/core/internal/corelog"
	"github.com/agentcore-dev/core/internal/eventstore"
	"github.com/agentcore-dev/core/internal/eventstore/postgres"
	"github.com/agentcore-dev/core/internal/eventstore/sqlite"
	"github.com/agentcore-dev/core/internal/hooks"
	"github.com/agentcore-dev/core/internal/orchestrator"
	"github.com/agentcore-dev/core/internal/provider"
	"github.com/agentcore-dev/core/internal/subagent"
	"github.com/agentcore-dev/core/internal/toolregistry"
	"github.com/agentcore-dev/core/pkg/types"
)

// Exit codes per spec.md §6's CLI surface.
const (
	exitSuccess = 0
	exitFatal   = 1
	exitUsage   = 2
	exitCancel  = 130
)

var (
	sessionID       string
	parentSessionID string
	spawnTask       string
	dbPath          string
	workingDir      string
	model           string
	maxTurns        int
	reasoning       string
)

var rootCmd = &cobra.Command{
	Use:   "agentcore-subagent",
	Short: "Run one out-of-process sub-agent task to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&sessionID, "session-id", "", "session id pre-allocated by the spawning parent")
	rootCmd.Flags().StringVar(&parentSessionID, "parent-session-id", "", "session id of the spawning parent (required)")
	rootCmd.Flags().StringVar(&spawnTask, "spawn-task", "", "task prompt to run (required)")
	rootCmd.Flags().StringVar(&dbPath, "db-path", "", "event store path or DSN (required)")
	rootCmd.Flags().StringVar(&workingDir, "working-directory", "", "working directory for tools (required)")
	rootCmd.Flags().StringVar(&model, "model", "", "model id; defaults to config")
	rootCmd.Flags().IntVar(&maxTurns, "max-turns", 0, "turn budget for this task; defaults to config")
	rootCmd.Flags().StringVar(&reasoning, "reasoning", "", "reasoning effort level")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	code := exitSuccess
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		code = classifyExit(ctx, err)
		fmt.Fprintln(os.Stderr, "agentcore-subagent:", err)
	}
	os.Exit(code)
}

func classifyExit(ctx context.Context, err error) int {
	if ctx.Err() == context.Canceled {
		return exitCancel
	}
	if _, ok := err.(*usageError); ok {
		return exitUsage
	}
	return exitFatal
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func run(ctx context.Context) error {
	if parentSessionID == "" || spawnTask == "" || dbPath == "" || workingDir == "" {
		return &usageError{msg: "--parent-session-id, --spawn-task, --db-path, and --working-directory are required"}
	}
	if sessionID == "" {
		sessionID = eventstore.NewID()
	}

	corelog.Init(corelog.DefaultConfig())

	cfg, err := config.Load(workingDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if model == "" {
		model = cfg.Model
	}
	if maxTurns <= 0 {
		maxTurns = cfg.MaxTurnsPerSpawn
	}

	store, err := openStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer store.Close()

	now := time.Now().UTC()
	if _, err := store.GetSession(ctx, sessionID); err != nil {
		if err := store.CreateSession(ctx, types.Session{
			ID: sessionID, WorkingDir: workingDir, Model: model,
			ParentSessionID: parentSessionID, SpawnType: types.SpawnTmux, SpawnTask: spawnTask,
			CreatedAt: now, LastActivityAt: now,
		}); err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
	}

	providerCfg := provider.AnthropicConfig{}
	if pc, ok := cfg.Provider["anthropic"]; ok {
		providerCfg.APIKey = pc.APIKey
		providerCfg.BaseURL = pc.BaseURL
	}
	anthropic, err := provider.NewAnthropicProvider(providerCfg)
	if err != nil {
		return fmt.Errorf("configuring provider: %w", err)
	}

	tracker := subagent.New()
	bus := agentevents.New()
	hookEng := hooks.New(func(kind types.Kind, payload types.Payload) {
		if _, err := store.Append(ctx, eventstore.AppendInput{SessionID: sessionID, Kind: kind, Payload: payload}); err != nil {
			corelog.Warn().Err(err).Str("session_id", sessionID).Msg("recording hook lifecycle event")
		}
	})

	// No abort callback: tools get no abort channel. When ctx is cancelled
	// (SIGINT/SIGTERM) the turn loop abandons an in-flight tool call (see
	// the orchestrator's executeToolCancelable) without stopping the tool.
	tools, err := toolregistry.Default(workingDir, nil)
	if err != nil {
		return fmt.Errorf("building tool registry: %w", err)
	}
	as := orchestrator.New(store, hookEng, tracker, anthropic, tools, bus, orchestrator.Options{
		DefaultModel:      model,
		DoomLoopThreshold: cfg.DoomLoopThreshold,
		MaxTurnsPerPrompt: maxTurns,
	})

	runErr := as.Prompt(ctx, sessionID, spawnTask, orchestrator.PromptOptions{MaxTurns: maxTurns, ReasoningLevel: reasoning})
	duration := time.Since(now)

	if runErr != nil {
		if _, appendErr := store.Append(context.Background(), eventstore.AppendInput{
			SessionID: parentSessionID, Kind: types.KindSubagentFail,
			Payload: types.Payload{
				"subagentSessionId": sessionID, "error": runErr.Error(), "duration": duration.Milliseconds(),
			},
		}); appendErr != nil {
			corelog.Warn().Err(appendErr).Str("session_id", sessionID).Msg("recording subagent.failed")
		}
		if ctx.Err() == context.Canceled {
			return runErr
		}
		return fmt.Errorf("running sub-agent task: %w", runErr)
	}

	childSess, _ := store.GetSession(context.Background(), sessionID)
	summary := "completed"
	turns := 0
	if childSess != nil {
		turns = childSess.TurnCount
		summary = fmt.Sprintf("completed in %d turn(s)", turns)
	}
	if _, appendErr := store.Append(context.Background(), eventstore.AppendInput{
		SessionID: parentSessionID, Kind: types.KindSubagentDone,
		Payload: types.Payload{
			"subagentSessionId": sessionID, "resultSummary": summary,
			"totalTurns": turns, "duration": duration.Milliseconds(),
		},
	}); appendErr != nil {
		corelog.Warn().Err(appendErr).Str("session_id", sessionID).Msg("recording subagent.completed")
	}
	return nil
}

func openStore(path string) (eventstore.Store, error) {
	if strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://") {
		return postgres.Open(path)
	}
	return sqlite.Open(path)
}
