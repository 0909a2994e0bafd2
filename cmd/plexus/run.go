package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/plexusgw/plexus/internal/config"
	"github.com/plexusgw/plexus/internal/cooldown"
	"github.com/plexusgw/plexus/internal/debug"
	"github.com/plexusgw/plexus/internal/dispatch"
	"github.com/plexusgw/plexus/internal/oauth"
	"github.com/plexusgw/plexus/internal/pricing"
	"github.com/plexusgw/plexus/internal/quota"
	"github.com/plexusgw/plexus/internal/router"
	"github.com/plexusgw/plexus/internal/server"
	"github.com/plexusgw/plexus/internal/storage/sqlite"
	"github.com/plexusgw/plexus/internal/telemetry"
	"github.com/plexusgw/plexus/internal/transform"
	"github.com/plexusgw/plexus/internal/worker"
)

func run(configPath string) error {
	cfgStore, err := config.NewStore(configPath)
	if err != nil {
		return err
	}
	cfg := cfgStore.Current()

	slog.Info("starting plexus", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Telemetry
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Core subsystems
	cooldowns := cooldown.New(store)
	if err := cooldowns.Load(ctx); err != nil {
		return err
	}
	if metrics != nil {
		cooldowns.OnTrip = func(provider, model string) {
			metrics.CooldownTrips.WithLabelValues(provider, model).Inc()
		}
	}

	enforcer := quota.New(cfgStore, store)
	calc := pricing.NewCalculator(pricing.NewRateTable())
	rt := router.New(cfgStore)
	selector := router.NewSelector(store, calc)
	transformers := transform.NewRegistry()
	debugMgr := debug.NewManager(store, cfg.Debug.Enabled)

	credsPath := cfg.OAuthCredentials
	if credsPath == "" {
		home, _ := os.UserHomeDir()
		credsPath = filepath.Join(home, ".plexus", "oauth.json")
	}
	tokens, err := oauth.Load(credsPath)
	if err != nil {
		return err
	}

	resolver := &dnscache.Resolver{}
	client := &http.Client{Transport: dispatch.Transport(resolver)}
	dispatcher := dispatch.New(cfgStore, rt, selector, cooldowns, transformers, tokens, client)
	if metrics != nil {
		dispatcher.SetMetrics(metrics)
	}

	// Background workers
	recorder := worker.NewUsageRecorder(store)
	if metrics != nil {
		recorder.QueueLength = func(n int) { metrics.UsageQueueLength.Set(float64(n)) }
	}
	sweeper := worker.NewCooldownSweeper(cooldowns)
	if metrics != nil {
		sweeper.ActiveGauge = func(n int) { metrics.ActiveCooldowns.Set(float64(n)) }
	}
	runner := worker.NewRunner(
		recorder,
		sweeper,
		worker.NewProviderQuotaWorker(cfgStore, cooldowns, client),
	)
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(ctx) }()

	// Config file watch (hot reload)
	go func() {
		if err := cfgStore.Watch(ctx); err != nil {
			slog.Warn("config watch stopped", "error", err)
		}
	}()

	// DNS cache refresh
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	handler := server.New(server.Deps{
		Config:         cfgStore,
		Dispatcher:     dispatcher,
		Quota:          enforcer,
		Cooldowns:      cooldowns,
		Usage:          recorder,
		Debug:          debugMgr,
		Calc:           calc,
		Store:          store,
		ReadyCheck:     store.Ping,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays zero: SSE responses are open-ended.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("plexus ready", "addr", cfg.Server.Addr)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-workerDone

	slog.Info("plexus stopped")
	return nil
}
