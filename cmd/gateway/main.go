// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/opsgateway/async-gateway/internal/adminauth"
	"github.com/opsgateway/async-gateway/internal/breaker"
	"github.com/opsgateway/async-gateway/internal/broker"
	"github.com/opsgateway/async-gateway/internal/cache"
	"github.com/opsgateway/async-gateway/internal/config"
	"github.com/opsgateway/async-gateway/internal/httpapi"
	"github.com/opsgateway/async-gateway/internal/idempotency"
	"github.com/opsgateway/async-gateway/internal/intercept"
	"github.com/opsgateway/async-gateway/internal/jobprocessor"
	"github.com/opsgateway/async-gateway/internal/kvstore"
	"github.com/opsgateway/async-gateway/internal/obs"
	"github.com/opsgateway/async-gateway/internal/push"
	"github.com/opsgateway/async-gateway/internal/queuecontrol"
	"github.com/opsgateway/async-gateway/internal/queueregistry"
	"github.com/opsgateway/async-gateway/internal/queuerouter"
	"github.com/opsgateway/async-gateway/internal/reaper"
	"github.com/opsgateway/async-gateway/internal/resultstore"
	"github.com/opsgateway/async-gateway/internal/routing"
	"github.com/opsgateway/async-gateway/internal/statusfabric"
	"github.com/opsgateway/async-gateway/internal/workerpool"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var version = "dev"

// main wires C1-C11 (spec.md §2) into one running gateway process: the
// queue registry bootstraps and watches for cross-instance config
// changes, the worker pool reconciles to it via the observer interface,
// the interception pipeline sits in front of the admin/poll/push HTTP
// surface, and a handful of ticking goroutines (reaper, cache sweep,
// status GC, queue-length sampling) carry spec.md §5's housekeeping.
// Grounded on cmd/job-queue-system/main.go's flag/logger/tracing/signal
// boilerplate, re-pointed at this gateway's own components.
func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := kvstore.New(cfg)
	defer kv.Close()

	brk, err := broker.Connect(cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to broker", obs.Err(err))
	}
	defer brk.Close()

	registry := queueregistry.New(cfg, kv, logger)
	if err := registry.Bootstrap(ctx, cfg.QueueSystem.Bootstrap); err != nil {
		logger.Fatal("failed to bootstrap queue registry", obs.Err(err))
	}
	registry.WatchChanges(ctx)

	breakers := breaker.NewRegistry(cfg.CircuitBreaker)
	respCache := cache.New(cfg.Cache)
	results := resultstore.New(kv, cfg.QueueSystem.ResultTTL, cfg.QueueSystem.ResultHistoryLimit)
	status := statusfabric.New()
	idem := idempotency.NewMemoryStore(cfg.Idempotency)
	defer idem.Close()

	processor := jobprocessor.New(brk, breakers, respCache, cfg.Cache, results, status, logger)
	pool := workerpool.New(ctx, kv, processor, cfg.QueueSystem.WorkerStrategy, logger)
	registry.Subscribe(pool)
	for _, def := range registry.List() {
		pool.EnsureWorkers(def)
	}

	router := queuerouter.New(registry, pool)
	table := routing.DefaultTable()
	control := queuecontrol.New(cfg.QueueSystem.Enabled, cfg.QueueSystem.Exclusions)

	rep := reaper.New(kv, registry, logger)
	go rep.Run(ctx)

	obs.StartQueueLengthUpdater(ctx, cfg, kv, registry, logger)
	startCacheSweep(ctx, cfg, respCache, logger)
	startStatusHousekeeping(ctx, cfg, status, logger)

	mainRouter := mux.NewRouter()
	handlers := httpapi.New(registry, results, status, pool, pool, control, logger)
	handlers.RegisterRoutes(mainRouter)
	mainRouter.Handle("/jobs", push.New(status, logger)).Methods(http.MethodGet)

	if cfg.HTTP.AdminAuthEnabled {
		auditLogger := adminauth.NewAuditLogger(cfg.HTTP.AuditLogPath, cfg.HTTP.AuditMaxSizeMB, cfg.HTTP.AuditMaxBackups)
		defer auditLogger.Close()
		limiter := adminauth.NewRateLimiter(cfg.HTTP.AdminRateLimitPerMinute, cfg.HTTP.AdminRateLimitBurst)
		authMW := adminauth.AuthMiddleware(cfg.HTTP.AdminAuthSecret, true, logger)
		rateMW := limiter.Middleware()
		auditMW := auditLogger.Middleware()
		// Scoped to /admin and /queue-control: wraps the already-matched
		// route handler, so this never re-enters mux routing.
		mainRouter.Use(func(next http.Handler) http.Handler {
			protected := authMW(rateMW(auditMW(next)))
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if strings.HasPrefix(r.URL.Path, "/admin") || strings.HasPrefix(r.URL.Path, "/queue-control") {
					protected.ServeHTTP(w, r)
					return
				}
				next.ServeHTTP(w, r)
			})
		})
	}

	pipeline := intercept.New(
		control, table, router, registry, pool, status, idem, logger,
		func(w http.ResponseWriter, r *http.Request) { mainRouter.ServeHTTP(w, r) },
	)

	readyCheck := func(c context.Context) error { return kv.Ping(c) }
	metricsSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: pipeline}
	go func() {
		logger.Info("gateway listening", obs.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", obs.Err(err))
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()
	go func() {
		<-sigCh
		logger.Warn("second signal received, forcing exit")
		os.Exit(1)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// startCacheSweep runs the response cache's periodic expired-entry sweep
// (spec.md §4.3 "Cleanup") on the housekeeping cron schedule.
func startCacheSweep(ctx context.Context, cfg *config.Config, c *cache.Cache, log *zap.Logger) {
	sched := cfg.Housekeeping.CacheSweepCron
	if sched == "" {
		sched = "@every 1m"
	}
	runner := cron.New()
	_, err := runner.AddFunc(sched, func() {
		removed := c.Sweep()
		if removed > 0 {
			log.Debug("cache sweep removed expired entries", obs.Int("count", removed))
		}
	})
	if err != nil {
		log.Warn("failed to schedule cache sweep", obs.Err(err))
		return
	}
	runner.Start()
	go func() {
		<-ctx.Done()
		runner.Stop()
	}()
}

// startStatusHousekeeping drops status entries older than one hour and
// disconnects subscriber handles idle for more than five minutes, per
// spec.md §4.5's "Periodic housekeeping (every 5 min)".
func startStatusHousekeeping(ctx context.Context, cfg *config.Config, status *statusfabric.Fabric, log *zap.Logger) {
	sched := cfg.Housekeeping.StatusGCCron
	if sched == "" {
		sched = "@every 5m"
	}
	runner := cron.New()
	_, err := runner.AddFunc(sched, func() {
		droppedStatuses, droppedHandles := status.Housekeep(time.Hour, 5*time.Minute)
		if droppedStatuses > 0 || droppedHandles > 0 {
			log.Debug("status housekeeping",
				obs.Int("dropped_statuses", droppedStatuses),
				obs.Int("dropped_handles", droppedHandles))
		}
	})
	if err != nil {
		log.Warn("failed to schedule status housekeeping", obs.Err(err))
		return
	}
	runner.Start()
	go func() {
		<-ctx.Done()
		runner.Stop()
	}()
}
