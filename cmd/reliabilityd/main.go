// SPDX-License-Identifier: MIT

// Command reliabilityd serves the reliability primitives (circuit
// breakers, distributed locks, sagas, event store) over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/plantlens/reliability/internal/api"
	"github.com/plantlens/reliability/internal/breaker"
	"github.com/plantlens/reliability/internal/config"
	"github.com/plantlens/reliability/internal/eventstore"
	"github.com/plantlens/reliability/internal/health"
	"github.com/plantlens/reliability/internal/lock"
	rlog "github.com/plantlens/reliability/internal/log"
	"github.com/plantlens/reliability/internal/persistence/sqlite"
	"github.com/plantlens/reliability/internal/saga"
	"github.com/plantlens/reliability/internal/telemetry"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "reliabilityd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	rlog.Configure(rlog.Config{
		Level:   cfg.LogLevel,
		Service: "reliabilityd",
	})
	logger := rlog.WithComponent("daemon")
	logger.Info().
		Str("event", "daemon.starting").
		Str("version", version).
		Str("listen", cfg.Listen).
		Msg("starting reliabilityd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "reliabilityd",
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = redisClient.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		// Locks stay unavailable until Redis comes back; readiness
		// reports it, so startup proceeds.
		logger.Warn().
			Err(err).
			Str("addr", cfg.Redis.Addr).
			Msg("redis unreachable at startup")
	}
	cancel()

	eventsDB, err := sqlite.Open(resolvePath(cfg.DataDir, cfg.EventStore.Path), sqlite.DefaultConfig())
	if err != nil {
		return fmt.Errorf("open event store db: %w", err)
	}
	defer func() { _ = eventsDB.Close() }()

	events, err := eventstore.NewStore(eventsDB)
	if err != nil {
		return fmt.Errorf("init event store: %w", err)
	}

	sagaStore, err := saga.OpenStore(cfg.Saga.StoreBackend, resolvePath(cfg.DataDir, cfg.Saga.StorePath))
	if err != nil {
		return fmt.Errorf("open saga store: %w", err)
	}
	defer func() { _ = sagaStore.Close() }()

	orchestrator := saga.NewOrchestrator(sagaStore, saga.WithEventStore(events))

	registry, err := breaker.NewRegistry(breaker.Config{
		FailureThreshold:          cfg.Breaker.FailureThreshold,
		RecoveryTimeout:           cfg.Breaker.RecoveryTimeout,
		MonitoringPeriod:          cfg.Breaker.MonitoringPeriod,
		ErrorPercentageThreshold:  cfg.Breaker.ErrorPercentageThreshold,
		VolumeThreshold:           cfg.Breaker.VolumeThreshold,
		SlowCallDurationThreshold: cfg.Breaker.SlowCallDurationThreshold,
		SlowCallThreshold:         cfg.Breaker.SlowCallThreshold,
		MaxHalfOpenCalls:          cfg.Breaker.MaxHalfOpenCalls,
	})
	if err != nil {
		return fmt.Errorf("breaker defaults: %w", err)
	}

	locks := lock.NewManager(redisClient, lock.WithDefaults(lock.Options{
		TTL:        cfg.Lock.TTL,
		RetryCount: cfg.Lock.RetryCount,
		RetryDelay: cfg.Lock.RetryDelay,
	}))

	healthMgr := health.NewManager(version)
	healthMgr.RegisterChecker(health.NewRedisChecker(redisClient))
	healthMgr.RegisterChecker(health.NewDatabaseChecker("eventstore", eventsDB))

	// Resume sagas interrupted by the previous process before serving.
	resumed, err := orchestrator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("saga recovery: %w", err)
	}
	if resumed > 0 {
		logger.Info().Int("instances", resumed).Msg("resumed interrupted sagas")
	}

	apiServer := api.NewServer(orchestrator, registry, locks, events, healthMgr,
		api.WithRateLimit(cfg.RateLimitPerMin))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Listen).Msg("http server listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()

	// Let in-flight sagas finish or compensate before closing stores.
	orchestrator.Wait()
	logger.Info().Msg("daemon stopped")
	return err
}

// resolvePath keeps absolute paths untouched and anchors relative paths
// below the data directory.
func resolvePath(dataDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if rel, err := filepath.Rel(dataDir, path); err == nil && !filepath.IsLocal(rel) {
		return filepath.Join(dataDir, path)
	}
	return path
}
