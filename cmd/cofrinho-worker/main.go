package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cofrinho/internal/config"
	"cofrinho/internal/identity"
	"cofrinho/internal/store/cloud"
	"cofrinho/internal/store/sqlite"
	"cofrinho/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting cofrinho-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	if cfg.RemoteBackend != "cloud" {
		logger.Error("The mirror worker requires REMOTE_BACKEND=cloud")
		os.Exit(1)
	}

	familyID := identity.NewAnonymous(cfg.FamilyID).FamilyID()

	local, err := sqlite.New(cfg.SQLiteDBPath, familyID)
	if err != nil {
		logger.Error("Failed to initialize local store", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer local.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier, err := cloud.NewNotifier(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		logger.Error("Failed to initialize AMQP notifier", "error", err)
		os.Exit(1)
	}
	defer notifier.Close()

	remote, err := cloud.New(ctx, cfg.GCSBucket, familyID, notifier)
	if err != nil {
		logger.Error("Failed to initialize cloud store", "error", err, "bucket", cfg.GCSBucket)
		os.Exit(1)
	}
	defer remote.Close()

	mirror := worker.NewMirror(local, remote)

	// On startup, reconcile anything that diverged while the worker was down.
	logger.Info("Performing startup reconcile...")
	if err := mirror.Reconcile(ctx); err != nil {
		logger.Error("Startup reconcile failed", "error", err)
		// Don't exit - continue with normal operation
	}

	// Subscribe to every document of this family; the wildcard covers all
	// months so navigation on other devices needs no coordination here.
	unsubscribe, err := notifier.SubscribeChanges(ctx, "families/"+familyID+"/months/#", func(msg *cloud.PeriodChangedMessage) {
		if err := mirror.HandleChange(ctx, msg); err != nil {
			logger.Error("Change handling failed", "error", err, "path", msg.Path)
		}
	})
	if err != nil {
		logger.Error("Failed to subscribe to change notifications", "error", err)
		os.Exit(1)
	}
	defer unsubscribe()

	// Periodic reconcile recovers from lost notifications.
	ticker := time.NewTicker(cfg.MirrorInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := mirror.Reconcile(ctx); err != nil {
					logger.Error("Periodic reconcile failed", "error", err)
				}
			}
		}
	}()

	logger.Info("Mirror running",
		"family_id", familyID,
		"bucket", cfg.GCSBucket,
		"exchange", cfg.AMQPExchange,
		"interval", cfg.MirrorInterval)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down worker...")
	cancel()
	logger.Info("Worker shutdown complete")
}
