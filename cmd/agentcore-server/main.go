// Command agentcore-server is a demo HTTP adapter wiring one
// Orchestrator behind chi routes, grounded in the teacher's
// cmd/opencode-server/main.go flag-based main. It exists to prove the
// narrow RPC contract of spec.md §6 is satisfiable over HTTP — it is
// not itself part of the core.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/agentcore-dev/core/internal/agentevents"
	"github.com/agentcore-dev/core/internal/config"
	"github.com/agentcore-dev/core/internal/corelog"
	"github.com/agentcore-dev/core/internal/eventstore"
	"github.com/agentcore-dev/core/internal/eventstore/postgres"
	"github.com/agentcore-dev/core/internal/eventstore/sqlite"
	"github.com/agentcore-dev/core/internal/hooks"
	"github.com/agentcore-dev/core/internal/httpserver"
	"github.com/agentcore-dev/core/internal/orchestrator"
	"github.com/agentcore-dev/core/internal/provider"
	"github.com/agentcore-dev/core/internal/subagent"
	"github.com/agentcore-dev/core/internal/toolregistry"
	"github.com/agentcore-dev/core/pkg/types"
)

var (
	addr      = flag.String("addr", ":4096", "listen address")
	directory = flag.String("directory", "", "working directory; defaults to the current directory")
	version   = flag.Bool("version", false, "print version and exit")
)

const Version = "0.1.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("agentcore-server %s\n", Version)
		os.Exit(0)
	}

	workDir := *directory
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("getting working directory: %v", err)
		}
		workDir = wd
	}

	corelog.Init(corelog.DefaultConfig())

	cfg, err := config.Load(workDir)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	store, err := openStore(cfg.DBDriver, cfg.DBPath)
	if err != nil {
		log.Fatalf("opening event store: %v", err)
	}
	defer store.Close()

	providerCfg := provider.AnthropicConfig{}
	if pc, ok := cfg.Provider["anthropic"]; ok {
		providerCfg.APIKey = pc.APIKey
		providerCfg.BaseURL = pc.BaseURL
	}
	anthropic, err := provider.NewAnthropicProvider(providerCfg)
	if err != nil {
		log.Fatalf("configuring provider: %v", err)
	}

	tools, err := toolregistry.Default(workDir, nil)
	if err != nil {
		log.Fatalf("building tool registry: %v", err)
	}

	bus := agentevents.New()
	tracker := subagent.New()
	hookEng := hooks.New(func(kind types.Kind, payload types.Payload) {
		corelog.Debug().Str("kind", string(kind)).Msg("hook lifecycle event (server mode discards; no active session to attribute it to)")
	})

	orch := orchestrator.New(store, hookEng, tracker, anthropic, tools, bus, orchestrator.Options{
		DefaultModel:      cfg.Model,
		HookTimeout:       0,
		DoomLoopThreshold: cfg.DoomLoopThreshold,
		MaxTurnsPerPrompt: cfg.MaxTurnsPerSpawn,
	})

	srv := httpserver.New(httpserverConfig(*addr), orch, store, bus)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("agentcore-server %s listening on %s (working directory %s)", Version, *addr, workDir)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

func httpserverConfig(listenAddr string) httpserver.Config {
	c := httpserver.DefaultConfig()
	c.Addr = listenAddr
	return c
}

func openStore(driver, dbPath string) (eventstore.Store, error) {
	if driver == "postgres" || strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		return postgres.Open(dbPath)
	}
	return sqlite.Open(dbPath)
}
