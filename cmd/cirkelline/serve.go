package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/auth"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/embedder"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/knowledge"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/llm"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/logger"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/memory"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/orchestrator"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/server"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/session"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/specialist"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/store"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/telemetry"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/toolbridge"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/vector"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/version"
)

// ServeCmd starts the assistant server. Migrations are never applied
// implicitly; run `cirkelline migrate` first.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.EnvFile)
	if err != nil {
		return exitf(exitMisconfigured, "configuration: %w", err)
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	cleanup, err := initLogging(&cfg.Logging)
	if err != nil {
		return exitf(exitMisconfigured, "logging: %w", err)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGINT exits 130, SIGTERM is a clean shutdown. Both drain the
	// server first.
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, syscall.SIGINT, syscall.SIGTERM)
	var gotSignal os.Signal
	go func() {
		gotSignal = <-interrupted
		slog.Info("shutting down", "signal", gotSignal)
		cancel()
	}()

	gateway, err := store.Open(ctx, &cfg.Database)
	if err != nil {
		return exitf(exitDatabaseDown, "database: %w", err)
	}
	defer gateway.Close()

	tel, err := telemetry.Init(ctx, &cfg.Telemetry)
	if err != nil {
		return exitf(exitMisconfigured, "telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	models, err := llm.NewRegistry(&cfg.Models)
	if err != nil {
		return exitf(exitMisconfigured, "models: %w", err)
	}
	defer func() { _ = models.Close() }()

	embed, err := embedder.New(&cfg.Embedding)
	if err != nil {
		return exitf(exitMisconfigured, "embedding: %w", err)
	}

	vectors, err := vector.New(&cfg.Vector)
	if err != nil {
		return exitf(exitMisconfigured, "vector store: %w", err)
	}

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return exitf(exitMisconfigured, "auth: %w", err)
	}
	credentials := auth.NewCredentials(gateway, tokens)
	resolver := auth.NewResolver(tokens, gateway, cfg.Auth.AllowAnonymous, cfg.Auth.AdminCacheTTL)

	sessions := session.NewStore(gateway)

	prompts, err := memory.LoadPrompts(cfg.Memory.PromptDir)
	if err != nil {
		return exitf(exitMisconfigured, "memory prompts: %w", err)
	}
	defer func() { _ = prompts.Close() }()

	memories, err := memory.NewService(gateway, sessions,
		models.Get(llm.RoleSummarizer), prompts, cfg.Memory.SummaryTokenCeiling)
	if err != nil {
		return exitf(exitMisconfigured, "memory: %w", err)
	}

	docs, err := knowledge.NewService(gateway, vectors, embed, &cfg.Retrieval, 4)
	if err != nil {
		return exitf(exitMisconfigured, "knowledge: %w", err)
	}
	defer docs.Close()

	bridge := toolbridge.New(gateway, &cfg.Tools)
	defer func() { _ = bridge.Close() }()

	registry := specialist.NewRegistry(models.Get(llm.RoleRouter))
	runner := specialist.NewRunner(models, bridge)

	orch, err := orchestrator.New(sessions, memories, docs, registry, runner,
		bridge, models, &cfg.Orchestrator)
	if err != nil {
		return exitf(exitMisconfigured, "orchestrator: %w", err)
	}

	srv, err := server.New(server.Options{
		Config:      &cfg.Server,
		Turns:       orch,
		Sessions:    sessions,
		Memories:    memories,
		Knowledge:   docs,
		Credentials: credentials,
		Resolver:    resolver,
		Registry:    registry,
		Bridge:      bridge,
		Telemetry:   tel,
	})
	if err != nil {
		return exitf(exitMisconfigured, "server: %w", err)
	}

	fmt.Printf("%s listening on http://%s:%d\n", version.Get(), cfg.Server.Host, cfg.Server.Port)

	if err := srv.Start(ctx); err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return exitf(exitPortInUse, "port %d in use", cfg.Server.Port)
		}
		return exitf(exitMisconfigured, "server: %w", err)
	}

	if gotSignal == syscall.SIGINT {
		return &exitError{code: exitInterrupted}
	}
	return nil
}

func initLogging(cfg *config.LoggingConfig) (func(), error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	output := os.Stderr
	cleanup := func() {}
	if cfg.File != "" {
		f, closeFile, err := logger.OpenLogFile(cfg.File)
		if err != nil {
			return nil, err
		}
		output = f
		cleanup = closeFile
	}

	logger.Init(level, output, cfg.Format)
	return cleanup, nil
}
