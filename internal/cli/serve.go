package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"trade-lifecycle-engine/internal/api"
	"trade-lifecycle-engine/internal/auth"
	"trade-lifecycle-engine/internal/cache"
	"trade-lifecycle-engine/internal/events"
	"trade-lifecycle-engine/internal/lifecycle"
	"trade-lifecycle-engine/internal/metrics"
	"trade-lifecycle-engine/internal/notification"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the lifecycle engine and its HTTP API",
		Long: `Run the lifecycle engine. On start every ACTIVE, OPEN and ERROR trade in the
store is taken back under monitoring; resting exchange orders are left in place.
SIGINT or SIGTERM stops the API and the trade tasks gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer sess.Close()
	cfg, logger := sess.cfg, sess.logger

	gw, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info().Str("gateway", gw.Name()).Str("store", cfg.DatabaseConfig.Driver).Msg("Starting trade engine")

	bus := events.NewEventBus()
	var engineOpts []lifecycle.Option

	var collector *metrics.Collector
	if cfg.MetricsConfig.Enabled {
		collector = metrics.NewCollector()
		collector.Subscribe(bus)
		engineOpts = append(engineOpts, lifecycle.WithObserver(collector))
	}

	var snapshots *cache.SnapshotCache
	if cfg.RedisConfig.Enabled {
		snapshots, err = cache.NewSnapshotCache(cfg.RedisConfig, logger)
		if err != nil {
			return fmt.Errorf("snapshot cache: %w", err)
		}
		defer snapshots.Close()
		engineOpts = append(engineOpts, lifecycle.WithSnapshotSink(snapshots))
	}

	if cfg.NotificationConfig.Enabled {
		notifier := notification.NewManager(sess.store, logger, 256)
		if cfg.NotificationConfig.Log {
			notifier.AddNotifier(notification.NewLogNotifier(logger))
		}
		if cfg.NotificationConfig.FCM.Enabled {
			fcm, err := notification.NewFCMNotifier(ctx, cfg.NotificationConfig.FCM, logger)
			if err != nil {
				logger.Warn().Err(err).Msg("FCM notifier disabled")
			} else {
				notifier.AddNotifier(fcm)
			}
		}
		if cfg.NotificationConfig.Email.Enabled {
			notifier.AddNotifier(notification.NewEmailNotifier(cfg.NotificationConfig.Email, logger))
		}
		notifier.Subscribe(bus)
		notifier.Start()
		defer notifier.Stop()
	}

	engine := lifecycle.NewManager(engineConfig(cfg.EngineConfig), gw, sess.store, bus, logger, engineOpts...)

	var authService *auth.Service
	if cfg.AuthConfig.Enabled {
		authService = auth.NewService(cfg.AuthConfig, logger)
	}

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(cfg.ServerConfig, api.Deps{
		Engine:      engine,
		Reader:      cache.NewTradeReader(sess.store, snapshots, logger),
		Bus:         bus,
		Metrics:     collector,
		MetricsPath: cfg.MetricsConfig.Path,
		Auth:        authService,
		Cache:       snapshots,
		Logger:      logger,
	})

	errCh := make(chan error, 2)
	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("engine: %w", err)
		}
	}()
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Fatal error, shutting down")
	}

	timeout := cfg.ServerConfig.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Error shutting down HTTP server")
	}
	engine.Shutdown()

	logger.Info().Msg("Shutdown complete")
	return runErr
}
