package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"cofrinho/internal/advisory"
	"cofrinho/internal/catalog"
	"cofrinho/internal/config"
	"cofrinho/internal/forecast"
	apphttp "cofrinho/internal/http"
	"cofrinho/internal/identity"
	"cofrinho/internal/replication"
	"cofrinho/internal/rollover"
	"cofrinho/internal/store"
	"cofrinho/internal/store/cloud"
	"cofrinho/internal/store/memory"
	"cofrinho/internal/store/sqlite"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		logger.Error("Failed to load obligation catalog", "error", err, "path", cfg.CatalogPath)
		os.Exit(1)
	}

	provider := identity.NewAnonymous(cfg.FamilyID)
	familyID := provider.FamilyID()

	local, err := sqlite.New(cfg.SQLiteDBPath, familyID)
	if err != nil {
		logger.Error("Failed to initialize local store", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer local.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var remote store.RemoteStore
	switch cfg.RemoteBackend {
	case "cloud":
		notifier, err := cloud.NewNotifier(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Error("Failed to initialize AMQP notifier", "error", err)
			os.Exit(1)
		}
		defer notifier.Close()

		cs, err := cloud.New(ctx, cfg.GCSBucket, familyID, notifier)
		if err != nil {
			logger.Error("Failed to initialize cloud store", "error", err, "bucket", cfg.GCSBucket)
			os.Exit(1)
		}
		defer cs.Close()
		remote = cs
		logger.Info("Initialized cloud remote", "bucket", cfg.GCSBucket, "exchange", cfg.AMQPExchange)
	case "memory":
		remote = memory.New()
		logger.Info("Initialized in-process remote")
	default:
		logger.Info("No remote configured, running local-only")
	}

	syncer := replication.NewSyncer(local, remote, replication.Config{
		MaxRetries:   cfg.SyncMaxRetries,
		RetryBackoff: cfg.SyncRetryBackoff,
		PushTimeout:  cfg.SyncPushTimeout,
	})
	if err := syncer.Start(ctx); err != nil {
		logger.Error("Failed to start replication", "error", err)
		os.Exit(1)
	}

	var remoteDocs store.Store
	if remote != nil {
		remoteDocs = remote

		if err := provider.SessionEstablished(ctx, func(sess replication.Session) {
			syncer.EstablishSession(ctx, sess)
		}); err != nil {
			logger.Error("Failed to establish session", "error", err)
			os.Exit(1)
		}
	}

	engine := rollover.New(local, remoteDocs, syncer, cat)
	forecaster := forecast.New(cat)

	var advisor advisory.Advisor
	if cfg.GeminiAPIKey != "" {
		advisor = advisory.NewGemini(cfg.GeminiAPIKey)
		logger.Info("Advisory enabled")
	}

	srv := apphttp.NewServer(":"+cfg.Port, engine, syncer, forecaster, advisor)

	// Configure server timeouts and limits
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 30 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting cofrinho server",
			"port", cfg.Port,
			"family_id", familyID,
			"remote_backend", cfg.RemoteBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		if err := syncer.Stop(shutdownCtx); err != nil {
			logger.Error("Replication shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}
