package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/afkeeper/internal/config"
	"github.com/cory-johannsen/afkeeper/internal/gameclient/telnet"
	"github.com/cory-johannsen/afkeeper/internal/hub"
	"github.com/cory-johannsen/afkeeper/internal/session"
	"github.com/cory-johannsen/afkeeper/internal/storage/postgres"
	"github.com/cory-johannsen/afkeeper/internal/web"
)

// App is the assembled serve graph.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	pool     *postgres.Pool
	journal  *postgres.Journal
	sessions *session.Manager
	http     *web.Server
}

func newApp(cfg config.Config, logger *zap.Logger, pool *postgres.Pool, journal *postgres.Journal, sessions *session.Manager, srv *web.Server) *App {
	return &App{cfg: cfg, logger: logger, pool: pool, journal: journal, sessions: sessions, http: srv}
}

// autostart starts every configured session marked for it.
func (a *App) autostart() {
	for _, sc := range a.cfg.Sessions {
		if !sc.Autostart {
			continue
		}
		if err := a.sessions.Start(sc.ID, sc.Identity); err != nil {
			a.logger.Warn("autostart failed", zap.Int("session", sc.ID), zap.Error(err))
		}
	}
}

func provideRegistry(cfg config.Config) (*session.Registry, error) {
	specs := make([]session.Spec, 0, len(cfg.Sessions))
	for _, sc := range cfg.Sessions {
		specs = append(specs, session.Spec{ID: sc.ID, Label: sc.Label})
	}
	return session.NewRegistry(specs, cfg.Timing.LogHistory)
}

func provideFanout(cfg config.Config, logger *zap.Logger) *hub.Fanout {
	return hub.NewFanout(cfg.HTTP.ObserverBuffer, logger)
}

func provideDialer(cfg config.Config, logger *zap.Logger) (*telnet.Dialer, error) {
	t := cfg.Telnet
	return telnet.NewDialer(telnet.Config{
		DialTimeout:  t.DialTimeout,
		ReadTimeout:  t.ReadTimeout,
		WriteTimeout: t.WriteTimeout,
		LoginPrompt:  t.LoginPrompt,
		SpawnPattern: t.SpawnPattern,
		KickPattern:  t.KickPattern,
		LookCommand:  t.LookCommand,
		QuitCommand:  t.QuitCommand,
	}, logger)
}

// providePool connects to PostgreSQL when the journal is enabled and returns
// a nil pool otherwise.
func providePool(ctx context.Context, cfg config.Config, logger *zap.Logger) (*postgres.Pool, func(), error) {
	if !cfg.Database.Enabled {
		return nil, func() {}, nil
	}
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Name),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	return pool, pool.Close, nil
}

// provideJournal restores persisted history into reg and returns the journal
// that records new entries. Without a pool it returns nil.
func provideJournal(ctx context.Context, cfg config.Config, pool *postgres.Pool, reg *session.Registry, logger *zap.Logger) (*postgres.Journal, error) {
	if pool == nil {
		return nil, nil
	}
	repo := postgres.NewLogRepository(pool.DB())
	n, err := repo.Restore(ctx, reg, cfg.Timing.LogHistory)
	if err != nil {
		return nil, fmt.Errorf("restoring session history: %w", err)
	}
	logger.Info("session history restored", zap.Int("entries", n))
	return postgres.NewJournal(repo, cfg.Database.QueueSize, logger), nil
}

func provideManager(cfg config.Config, reg *session.Registry, dialer *telnet.Dialer, fan *hub.Fanout, journal *postgres.Journal, logger *zap.Logger) *session.Manager {
	var opts []session.Option
	if journal != nil {
		opts = append(opts, session.WithJournal(journal))
	}
	return session.NewManager(reg, dialer, fan, session.Config{
		Host:             cfg.Target.Host,
		Port:             cfg.Target.Port,
		Version:          cfg.Target.Version,
		WatchdogTimeout:  cfg.Timing.WatchdogTimeout,
		ReconnectDelay:   cfg.Timing.ReconnectDelay,
		AntiIdleInterval: cfg.Timing.AntiIdleInterval,
	}, logger, opts...)
}

func provideHandler(fan *hub.Fanout, sessions *session.Manager, logger *zap.Logger) *hub.Handler {
	return hub.NewHandler(fan, sessions, logger)
}

func provideWebServer(cfg config.Config, handler *hub.Handler, sessions *session.Manager, fan *hub.Fanout, logger *zap.Logger) *web.Server {
	srv := web.NewServer(cfg.HTTP, handler, sessions, logger)
	srv.RegisterOnShutdown(fan.Close)
	return srv
}
