package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"

	"github.com/foxzi/wadispatch/internal/analytics"
	"github.com/foxzi/wadispatch/internal/api"
	"github.com/foxzi/wadispatch/internal/cloudapi"
	"github.com/foxzi/wadispatch/internal/config"
	"github.com/foxzi/wadispatch/internal/engine"
	"github.com/foxzi/wadispatch/internal/ledger"
	"github.com/foxzi/wadispatch/internal/metrics"
	"github.com/foxzi/wadispatch/internal/source"
)

// App is the main application
type App struct {
	config        *config.Config
	ledger        *ledger.BoltStorage
	cleaner       *ledger.Cleaner
	redis         *redis.Client
	source        source.Source
	engine        *engine.Engine
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
}

// New creates a new application
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)
	loc := cfg.Location()

	store, err := ledger.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	a := &App{
		config: cfg,
		ledger: store,
		logger: logger,
	}
	ok := false
	defer func() {
		if !ok {
			a.closeBackends()
		}
	}()

	a.cleaner = ledger.NewCleaner(store, ledger.CleanerConfig{
		AttemptMaxAge: cfg.Storage.AttemptRetention,
		Interval:      cfg.Storage.CleanupInterval,
	}, logger.With("component", "cleaner"))

	var recorder analytics.Recorder = analytics.Nop{}
	var dedup cloudapi.Deduper
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			// sends go on without analytics; health reports degraded
			logger.Warn("redis unavailable at startup", "addr", cfg.Redis.Addr, "error", err)
		}
		recorder = analytics.NewRedisStore(a.redis, analytics.RedisOptions{
			MetricsTTL:    cfg.Redis.MetricsTTL,
			DeliveriesTTL: cfg.Redis.DeliveriesTTL,
			Location:      loc,
		})
		dedup = analytics.NewRedisDeduper(a.redis, cfg.Webhook.DedupTTL)
		logger.Info("redis analytics enabled", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	} else {
		logger.Info("redis analytics disabled, daily metrics come from run reports")
	}

	a.source, err = openSource(ctx, cfg, loc, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.collector, err = metrics.NewCollector(store.DB(), m, nil, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	a.engine, err = engine.New(ctx, engine.Options{
		Config:    cfg,
		DB:        store.DB(),
		Ledger:    store,
		Analytics: recorder,
		Dedup:     dedup,
		Source:    a.source,
		Collector: a.collector,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	if a.collector != nil {
		a.collector.SetPoolStats(a.engine.Pool)
	}

	a.apiServer = api.NewServer(api.ServerOptions{
		Config:    cfg.API,
		Webhook:   cfg.Webhook,
		Runs:      a.engine.Scheduler,
		Numbers:   a.engine.Pool,
		Limits:    a.engine.Limiter,
		Templates: a.engine.Templates,
		Quality:   a.engine.Quality,
		Webhooks:  a.engine.Webhooks,
		Ledger:    store,
		Analytics: recorder,
		NextRun:   a.engine.NextRun,
		Location:  loc,
		Collector: a.collector,
		Logger:    logger.With("component", "api"),
		Version:   version,
	})

	ok = true
	return a, nil
}

// openSource opens the Subscriber Directory and Content Source backend
func openSource(ctx context.Context, cfg *config.Config, loc *time.Location, logger *slog.Logger) (source.Source, error) {
	switch cfg.Source.Type {
	case "postgres":
		src, err := source.NewPostgresSource(ctx, cfg.Source.Postgres, loc, logger.With("component", "source"))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres source: %w", err)
		}
		logger.Info("using postgres content source")
		return src, nil
	default:
		logger.Info("using file content source", "path", cfg.Source.File)
		return source.NewFileSource(cfg.Source.File, loc), nil
	}
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting wadispatch",
		"api_addr", a.config.API.ListenAddr,
		"numbers", len(a.config.Numbers),
		"delivery_time", a.config.Scheduler.DeliveryTime,
		"timezone", a.config.Scheduler.Timezone,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if n, err := a.engine.Templates.Sync(ctx); err != nil {
		a.logger.Warn("template sync failed, using stored templates", "error", err)
	} else {
		a.logger.Info("templates synced", "count", n)
	}

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	a.cleaner.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// no-op outside systemd (NOTIFY_SOCKET unset)
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.logger.Warn("systemd notify failed", "error", err)
	} else if sent {
		a.logger.Debug("systemd notified ready")
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// stop accepting operator requests and callbacks first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if err := a.engine.Stop(); err != nil {
		a.logger.Error("engine stop error", "error", err)
	}
	a.cleaner.Stop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	a.closeBackends()
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeBackends() {
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			a.logger.Error("source close error", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}
	if err := a.ledger.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
