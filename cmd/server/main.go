package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"code-runner-sandbox/internal/api"
	"code-runner-sandbox/internal/config"
	"code-runner-sandbox/internal/monitor"
	"code-runner-sandbox/internal/sandbox"
	"code-runner-sandbox/internal/service"
	"code-runner-sandbox/internal/storage"
	"code-runner-sandbox/internal/workspace"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := config.Path()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetry, err := monitor.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	store, err := workspace.New(cfg.Workspace.Root)
	if err != nil {
		log.Fatal().Err(err).Str("root", cfg.Workspace.Root).Msg("failed to open workspace")
	}

	// Keep serving health and metrics without a backend so the problem is
	// visible; every execution then reports a launch error.
	launcher, err := sandbox.NewLauncher(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("no sandbox backend available (execution will fail)")
		launcher, err = sandbox.NewDockerLauncher(sandbox.DockerOptions{
			Binary:        cfg.Sandbox.DockerBinary,
			StrictSeccomp: cfg.Sandbox.StrictSeccomp,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create docker launcher")
		}
	}
	runner := sandbox.NewRunner(launcher, store, nil, sandbox.OptionsFromConfig(cfg))

	// Database is optional; without it executions are not audited.
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN, storage.Options{
			MaxConns:        int32(cfg.Database.MaxOpenConns),
			MinConns:        int32(cfg.Database.MaxIdleConns),
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
			if err := db.EnsureSchema(ctx); err != nil {
				log.Fatal().Err(err).Msg("failed to prepare audit schema")
			}
		}
	}

	opts := service.Options{
		Metrics: monitor.NewMetrics(),
		Tracer:  monitor.NewTracer(),
	}
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
		opts.Audit = auditWriter
	}
	svc := service.New(runner, store, opts)

	if cfg.Sandbox.PrewarmImages {
		go func() {
			pullCtx, pullCancel := context.WithTimeout(ctx, cfg.Sandbox.PullTimeout*time.Duration(len(runner.Runtimes().Images())))
			defer pullCancel()
			if err := svc.Prewarm(pullCtx, 2); err != nil {
				log.Warn().Err(err).Msg("image pre-warm incomplete")
			}
		}()
	}

	server := api.NewServer(ctx, cfg, svc, db)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// waits for in-flight executions, then closes the launcher
		if err := runner.Close(); err != nil {
			log.Error().Err(err).Msg("runner close error")
		}

		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("tracing shutdown error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", launcher.Name()).
		Str("workspace", store.Root()).
		Bool("db_enabled", db != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-ctx.Done()
	log.Info().Msg("server stopped")
}
