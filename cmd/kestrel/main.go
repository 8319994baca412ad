// Kestrel - IP intelligence and AML screening for every transaction.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/intel"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/screening"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// A missing .env is fine; the process environment still applies.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
	}

	cfg, err := domain.LoadConfig(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"intel_url", cfg.Intel.LookupURL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

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

	// IP intelligence: lists, then the external lookup.
	lists := cache.NewListStore(repo, cacheImpl, cfg.Intel.CacheTTL)
	lookup := intel.NewVPNAPIClient(cfg.Intel.LookupURL, cfg.Intel.APIKey, time.Duration(cfg.Intel.TimeoutSecs)*time.Second)
	resolver := intel.NewResolver(lists, lookup, cacheImpl, cfg.Intel)

	geoStore, err := geo.Load()
	if err != nil {
		slog.Error("failed to load geo reference", "error", err)
		os.Exit(1)
	}

	engine, err := rules.NewEngine(cfg.Rules, history.NewAccessor(repo, cfg.Engine.HistoryRetries), geoStore, cfg.Engine.MaxParallel)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	svc := screening.NewService(resolver, engine, decision.NewAggregator(), repo, busImpl)
	tenants, err := svc.LoadTenants(ctx)
	if err != nil {
		slog.Error("failed to load tenant rule parameters", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized",
		"rules", strings.Join(engine.ChainFor("").Names(), ","),
		"tenant_overrides", tenants,
		"countries", geoStore.Len(),
	)

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, svc)
		workerCfg := worker.Config{
			TenantIDs:   cfg.Worker.TenantIDs,
			WorkerCount: cfg.Worker.Workers,
		}
		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "tenant_count", len(cfg.Worker.TenantIDs))
		}
	}

	if cfg.Metrics.Enabled {
		go metrics.StartDBStatsCollector(ctx, repo.DB(), 15*time.Second)
	}

	handler := api.NewHandler(svc, repo, lists, cacheImpl, busImpl, Version)
	srv := api.NewServer(cfg.Server, cfg.Metrics, handler)

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

	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the worker before the bus closes under it.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               KESTREL                     ║")
	fmt.Println("  ║       IP Intelligence & AML Screening     ║")
	fmt.Println("  ║     Know where every payment comes from.  ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /screenings              - Screen a login or payment")
	fmt.Println("    GET  /screenings/{id}         - Get screening by ID")
	fmt.Println("    POST /transactions            - Record and screen a transfer")
	fmt.Println("    POST /transactions/batch      - Screen a batch of transfers")
	fmt.Println("    GET  /transactions/{id}       - Get transaction by ID")
	fmt.Println("    GET  /rules                   - Show tenant rule parameters")
	fmt.Println("    PUT  /rules                   - Replace tenant rule parameters")
	fmt.Println("    POST /rules/expressions       - Add a custom expression rule")
	fmt.Println("    PUT  /ip-lists/{list}/{ip}    - Add an IP to tor, vpn or clean")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println()
}
