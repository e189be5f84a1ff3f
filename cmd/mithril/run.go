package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/eugener/mithril/internal/authn"
	"github.com/eugener/mithril/internal/background"
	"github.com/eugener/mithril/internal/cache"
	"github.com/eugener/mithril/internal/config"
	"github.com/eugener/mithril/internal/dispatch"
	"github.com/eugener/mithril/internal/ratelimit"
	"github.com/eugener/mithril/internal/routing"
	"github.com/eugener/mithril/internal/server"
	"github.com/eugener/mithril/internal/storage/sqlite"
	"github.com/eugener/mithril/internal/telemetry"
	"github.com/eugener/mithril/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required (auth.jwt_secret or JWT_SECRET)")
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	slog.Info("starting mithril", "version", version, "addr", cfg.Server.Addr())

	store, err := sqlite.New(cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tasks := background.New(context.Background())

	respCache, err := cache.New(store, cfg.Cache.MaxEntries)
	if err != nil {
		return err
	}

	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg, tasks.PendingCount)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	resolver := &dnscache.Resolver{}
	client := &http.Client{Transport: dispatch.NewTransport(resolver)}

	limiter := ratelimit.NewRegistry()

	handler := server.New(server.Deps{
		Store:          store,
		Auth:           authn.NewKeyAuth(store, authn.NewLoginProtection()),
		Tokens:         authn.NewTokenIssuer(cfg.Auth.JWTSecret),
		RateLimiter:    limiter,
		Cache:          respCache,
		Router:         routing.New(store, tasks),
		Dispatcher:     dispatch.New(client, store, tasks, respCache, metrics),
		Tasks:          tasks,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     store.Ping,
		Upstream:       client,
		MaxBodyBytes:   cfg.Server.MaxRequestBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	// DNS cache refresh and limiter sweeping run for the process lifetime.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go refreshDNS(workerCtx, resolver)
	go func() {
		if err := worker.NewRunner(worker.NewLimiterSweeper(limiter)).Run(workerCtx); err != nil {
			slog.Error("worker runner failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("mithril ready", "addr", cfg.Server.Addr())

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return err
	}

	// The shutdown budget covers both phases: stop accepting and finish
	// in-flight requests, then drain the pending background work.
	deadline := time.Now().Add(cfg.Server.ShutdownBudget())
	shutdownCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown incomplete", "error", err)
	}

	tasks.BeginShutdown()
	if remaining := time.Until(deadline); remaining > 0 {
		if !tasks.Wait(remaining) {
			slog.Warn("background tasks abandoned at shutdown", "pending", tasks.PendingCount())
		}
	}

	slog.Info("mithril stopped")
	return nil
}

// refreshDNS re-resolves cached upstream hosts on a fixed cadence.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}
