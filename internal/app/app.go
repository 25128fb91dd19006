package app

import (
	"context"
	"fmt"
	"os"

	"github.com/lumenbio/biograph-backend/internal/data/db"
	"github.com/lumenbio/biograph-backend/internal/data/snapshots"
	httpapi "github.com/lumenbio/biograph-backend/internal/http"
	"github.com/lumenbio/biograph-backend/internal/observability"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

type App struct {
	Log      *logger.Logger
	Cfg      Config
	Clients  Clients
	Services Services
	Server   *httpapi.Server

	postgres     *db.PostgresService
	otelShutdown func(context.Context) error
}

func New(ctx context.Context) (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading configuration...")
	cfg, err := LoadConfig(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "biograph-backend",
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		_ = pg.Close()
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}

	var snapshotRepo snapshots.Repo
	if pg != nil {
		snapshotRepo = snapshots.NewPostgresRepo(pg.DB(), log)
	} else {
		snapshotRepo = snapshots.NewMemoryRepo()
	}

	clients, err := wireClients(ctx, log, cfg)
	if err != nil {
		_ = pg.Close()
		log.Sync()
		return nil, err
	}

	services := wireServices(log, clients)
	handlers := wireHandlers(log, services, snapshotRepo)
	server := wireServer(log, handlers)

	return &App{
		Log:          log,
		Cfg:          cfg,
		Clients:      clients,
		Services:     services,
		Server:       server,
		postgres:     pg,
		otelShutdown: otelShutdown,
	}, nil
}

// Run serves HTTP on the configured port until Shutdown is called.
func (a *App) Run() error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	addr := ":" + a.Cfg.Port
	a.Log.Info("Starting HTTP server", "addr", addr)
	return a.Server.Run(addr)
}

// Shutdown drains in-flight requests, then closes every client in
// dependency order. Safe to call once after Run returns or while it is
// still serving.
func (a *App) Shutdown(ctx context.Context) {
	if a == nil {
		return
	}
	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			a.Log.Warn("HTTP server shutdown incomplete", "error", err)
		}
	}
	a.Clients.Close(ctx)
	if a.postgres != nil {
		if err := a.postgres.Close(); err != nil {
			a.Log.Warn("Postgres close failed", "error", err)
		}
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("Trace exporter shutdown failed", "error", err)
		}
	}
	a.Log.Info("Shutdown complete")
	a.Log.Sync()
}
