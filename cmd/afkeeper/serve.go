package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/afkeeper/internal/config"
	"github.com/cory-johannsen/afkeeper/internal/observability"
	"github.com/cory-johannsen/afkeeper/internal/server"
)

const healthInterval = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sessions and the observer endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts.configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	start := time.Now()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, level, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting afkeeper",
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.String("target", fmt.Sprintf("%s:%d", cfg.Target.Host, cfg.Target.Port)),
		zap.Int("sessions", len(cfg.Sessions)),
		zap.Bool("journal", cfg.Database.Enabled),
	)

	app, cleanup, err := initializeApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("wiring services", zap.Error(err))
		return err
	}
	defer cleanup()

	watchConfig(configPath, cfg.Logging.Level, level, logger)

	lifecycle := server.NewLifecycle(logger)

	if app.pool != nil {
		pool := app.pool
		lifecycle.Add("postgres", &server.ContextService{RunFn: func(ctx context.Context) error {
			ticker := time.NewTicker(healthInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						if ctx.Err() == nil {
							logger.Warn("database health check failed", zap.Error(err))
						}
						continue
					}
					st := pool.Stats()
					logger.Debug("database healthy",
						zap.Int32("conns", st.Total),
						zap.Int32("idle", st.Idle),
						zap.Int32("acquired", st.Acquired),
					)
				}
			}
		}})
	}
	if app.journal != nil {
		lifecycle.Add("journal", &server.ContextService{RunFn: app.journal.Run})
	}
	lifecycle.Add("sessions", &server.ContextService{RunFn: func(ctx context.Context) error {
		app.autostart()
		<-ctx.Done()
		app.sessions.Shutdown()
		return nil
	}})
	lifecycle.Add("http", &server.FuncService{
		StartFn: app.http.ListenAndServe,
		StopFn:  app.http.Stop,
	})

	logger.Info("afkeeper initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
		return err
	}
	return nil
}

// watchConfig retunes the log level when the config file changes. Other
// settings take effect on restart.
func watchConfig(path, current string, level zap.AtomicLevel, logger *zap.Logger) {
	err := config.Watch(path, func(e fsnotify.Event, next config.Config, err error) {
		if err != nil {
			logger.Warn("ignoring invalid configuration change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if next.Logging.Level == current {
			logger.Info("configuration changed, restart to apply", zap.String("file", e.Name))
			return
		}
		if err := observability.SetLevel(level, next.Logging.Level); err != nil {
			logger.Warn("log level not changed", zap.Error(err))
			return
		}
		logger.Info("log level changed",
			zap.String("from", current),
			zap.String("to", next.Logging.Level),
		)
		current = next.Logging.Level
	})
	if err != nil {
		logger.Warn("configuration watch disabled", zap.Error(err))
	}
}
