// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/arvidsson/gpufleet/internal/activator"
	"github.com/arvidsson/gpufleet/internal/alternation"
	"github.com/arvidsson/gpufleet/internal/config"
	"github.com/arvidsson/gpufleet/internal/discovery"
	"github.com/arvidsson/gpufleet/internal/driver"
	"github.com/arvidsson/gpufleet/internal/eventbus"
	"github.com/arvidsson/gpufleet/internal/health"
	"github.com/arvidsson/gpufleet/internal/httpapi"
	"github.com/arvidsson/gpufleet/internal/lifecycle"
	gflog "github.com/arvidsson/gpufleet/internal/log"
	"github.com/arvidsson/gpufleet/internal/quota"
	"github.com/arvidsson/gpufleet/internal/registry"
	"github.com/arvidsson/gpufleet/internal/resilience"
	"github.com/arvidsson/gpufleet/internal/store"
	"github.com/arvidsson/gpufleet/internal/telemetry"
	"github.com/arvidsson/gpufleet/internal/vault"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Configure logger with safe defaults until config is loaded.
	gflog.Configure(gflog.Config{
		Level:   "info",
		Service: "gpufleet",
		Version: version,
	})
	logger := gflog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().Err(err).Str(gflog.FieldEvent, "config.load_failed").Msg("failed to load configuration")
	}

	gflog.Configure(gflog.Config{
		Level:   cfg.LogLevel,
		Service: "gpufleet",
		Version: cfg.Version,
	})
	logger = gflog.WithComponent("daemon")

	if err := config.EnsureDataDir(cfg); err != nil {
		logger.Fatal().Err(err).Str(gflog.FieldEvent, "datadir.create_failed").Msg("failed to create data directory")
	}

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Str(gflog.FieldEvent, "startup.check_failed").Msg("startup checks failed")
	}

	logger.Info().
		Str(gflog.FieldEvent, "startup").
		Str("version", cfg.Version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.ListenAddr).
		Msg("starting gpufleet")

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OtelEndpoint != "",
		ServiceName:    "gpufleet",
		ServiceVersion: cfg.Version,
		Environment:    "production",
		ExporterType:   "grpc",
		Endpoint:       cfg.OtelEndpoint,
		SamplingRate:   1.0,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry initialization failed, continuing without tracing")
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "fleet.db"))
	if err != nil {
		logger.Fatal().Err(err).Str(gflog.FieldEvent, "store.open_failed").Msg("failed to open durable store")
	}
	defer func() { _ = db.Close() }()

	bus := eventbus.New()

	ledger := quota.New(db.Workers())
	gate := alternation.New(db.Alternation())
	if err := gate.EnsureSeeded(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed alternation state")
	}
	reg := registry.New(db.Sessions())

	var secretSurface discovery.SecretSurface
	if cfg.SecretSurfacePath != "" {
		secretSurface = discovery.FileSecretSurface{Path: cfg.SecretSurfacePath}
	} else {
		secretSurface = discovery.EnvSecretSurface{}
	}
	scanner := discovery.New(secretSurface, db.Workers(), bus)
	watcher := discovery.NewWatcher(scanner, cfg.DiscoveryInterval, cfg.SecretSurfacePath)

	var credVault vault.Vault
	switch cfg.VaultBackend {
	case "env":
		credVault = vault.EnvVault{}
	default:
		logger.Fatal().Str("backend", cfg.VaultBackend).Msg("unknown vault backend")
	}

	base := driver.NewRodDriver(cfg.HeadlessBrowser, cfg.DriverStartTimeout, filepath.Join(cfg.DataDir, "screenshots"))
	colabCB := resilience.NewCircuitBreaker("driver.colab", 5, 3, 5*time.Minute, 2*time.Minute)
	kaggleCB := resilience.NewCircuitBreaker("driver.kaggle", 5, 3, 5*time.Minute, 2*time.Minute)
	drivers := lifecycle.Drivers{
		Colab:  driver.NewColabDriver(base, colabCB),
		Kaggle: driver.NewKaggleDriver(base, kaggleCB),
	}

	controller := lifecycle.New(lifecycle.Config{
		Workers:      db.Workers(),
		Ledger:       ledger,
		Gate:         gate,
		Registry:     reg,
		Vault:        credVault,
		Drivers:      drivers,
		Bus:          bus,
		SnapshotPath: cfg.RotationSnapshotPath,
	})

	var locker activator.DistributedLocker
	if cfg.ActivationLockBackend == "redis" {
		redisLocker, err := activator.NewRedisLocker(cfg.RedisAddr, "", 0)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis for activation locking")
		}
		locker = redisLocker
	}
	act := activator.New(activator.Config{
		Workers: db.Workers(),
		Starter: controller,
		Locker:  locker,
	})

	healthMgr := health.NewManager(cfg.Version)
	healthMgr.RegisterChecker(health.NewStoreChecker(func(c context.Context) error {
		return db.DB.PingContext(c)
	}))
	healthMgr.RegisterChecker(health.NewDiscoveryChecker(func() int {
		workers, err := db.Workers().ListAutoManaged(context.Background())
		if err != nil {
			return 0
		}
		return len(workers)
	}))

	discoveryCtx, discoveryCancel := context.WithCancel(ctx)
	defer discoveryCancel()
	go func() {
		if err := watcher.Run(discoveryCtx); err != nil {
			logger.Error().Err(err).Msg("discovery watcher exited with error")
		}
	}()

	if _, err := reg.Reconcile(ctx, time.Now()); err != nil {
		logger.Error().Err(err).Msg("startup reconciliation failed")
	}

	controller.Run(ctx)

	mux := chi.NewRouter()
	mux.Use(gflog.Middleware())
	mux.Get("/healthz", healthMgr.ServeHealth)
	mux.Get("/readyz", healthMgr.ServeReady)
	mux.Handle("/metrics", promhttp.Handler())
	mux.With(httpapi.ActivationRateLimit()).Post("/v1/activate", activateHandler(act))
	mux.With(httpapi.ActivationRateLimit()).Post("/v1/activate/{workerId}", activateWorkerHandler(act))

	srv := &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        mux,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info().Msgf("observability server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		logger.Error().Err(err).Msg("server error, shutting down")
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	discoveryCancel()
	controller.Stop()

	if tel != nil {
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown error")
		}
	}

	logger.Info().Msg("gpufleet stopped")
}

func activateHandler(act *activator.Activator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		worker, err := act.Activate(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeWorkerJSON(w, worker)
	}
}

func activateWorkerHandler(act *activator.Activator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idStr := chi.URLParam(r, "workerId")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid workerId", http.StatusBadRequest)
			return
		}
		worker, err := act.ActivateWorker(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeWorkerJSON(w, worker)
	}
}

func writeWorkerJSON(w http.ResponseWriter, worker interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(worker)
}
