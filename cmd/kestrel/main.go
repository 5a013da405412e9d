// Kestrel - Risk scoring and case escalation for payment fraud.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/reconcile"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize scoring service (rule policy + per-tenant learned models)
	scorer := scoring.NewService(repo, cfg.Scoring, logger)
	slog.Info("scoring service initialized",
		"home_country", cfg.Scoring.HomeCountry,
		"train_seed", cfg.Scoring.TrainSeed,
	)

	// Initialize history service for device novelty and velocity
	historySvc := history.NewService(repo, cacheImpl)
	slog.Info("history service initialized")

	// Initialize audit recorder
	auditor := audit.NewRecorder(repo, busImpl, logger)

	// Initialize ingestion pipeline
	processor := pipeline.NewProcessor(repo, scorer, historySvc, auditor, busImpl, logger)
	slog.Info("ingestion pipeline initialized")

	// Initialize escalation gap scanner
	scanner := reconcile.NewScanner(repo, busImpl,
		time.Duration(cfg.Scoring.ReconcileIntervalSecs)*time.Second, logger)
	scanner.Start()
	defer scanner.Stop()

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, processor, scorer, auditor, scanner, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║    Risk Scoring & Case Escalation         ║")
	fmt.Println("  ║     Every transaction, accounted for.     ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transactions           - Ingest and score a transaction")
	fmt.Println("    GET  /transactions           - List recent transactions")
	fmt.Println("    GET  /transactions/{id}      - Get transaction by ID")
	fmt.Println("    DELETE /transactions/{id}    - Delete a transaction")
	fmt.Println("    POST /score                  - Score without persisting")
	fmt.Println("    GET  /cases                  - List cases")
	fmt.Println("    PATCH /cases/{id}            - Update a case")
	fmt.Println("    GET  /audit                  - List audit entries")
	fmt.Println("    POST /model/train            - Train the learned scorer")
	fmt.Println("    GET  /model/info             - Active scorer info")
	fmt.Println("    GET  /reconciliation/gaps    - Escalation gap scan")
	fmt.Println("    GET  /rules                  - List add-on score rules")
	fmt.Println("    POST /rules                  - Create an add-on score rule")
	fmt.Println("    POST /rules/reload           - Hot-reload score rules")
	fmt.Println("    GET  /health                 - Health check")
	fmt.Println()
}
