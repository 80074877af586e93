// Package server initializes and runs the disclosure coordinator. It wires
// storage, the ledger adapter, the notifier, the expiry engine, and the HTTP
// surface, and handles graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sealdrop/sealdrop/internal/logging"
	"github.com/sealdrop/sealdrop/internal/server/config"
	"github.com/sealdrop/sealdrop/internal/server/expiry"
	"github.com/sealdrop/sealdrop/internal/server/httpapi"
	"github.com/sealdrop/sealdrop/internal/server/ledger"
	"github.com/sealdrop/sealdrop/internal/server/notify"
	"github.com/sealdrop/sealdrop/internal/server/repositories/repomanager"
	"github.com/sealdrop/sealdrop/internal/server/services"
)

type App struct {
	config     *config.Config
	logger     logging.Logger
	db         *sql.DB
	tokens     *services.TokenService
	disclosure *services.DisclosureService
	engine     *expiry.Engine
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	m := repomanager.NewPostgresRepositoryManager()
	if err := m.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	adapter, err := ledger.New(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "ledger adapter initialized", "generation", adapter.Generation())

	var notifier notify.Notifier
	if cfg.NotifierWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.NotifierWebhookURL)
	} else {
		notifier = &notify.Nop{}
	}

	tokens := services.NewTokenService(db, m, cfg, logger)
	engine := expiry.NewEngine(tokens, nil, notifier, logger)
	disclosure := services.NewDisclosureService(tokens, adapter, engine, notifier, cfg, logger)
	engine.SetArchiver(disclosure)

	return &App{
		config:     cfg,
		logger:     logger,
		db:         db,
		tokens:     tokens,
		disclosure: disclosure,
		engine:     engine,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	app.tokens.StartSweeper(ctx, app.config.SweepInterval)

	srv := &http.Server{
		Addr:    app.config.EndpointAddrHTTP,
		Handler: httpapi.NewServer(app.disclosure, app.logger).Router(),
	}

	go func() {
		app.logger.Info(ctx, "HTTP endpoint listening", "addr", app.config.EndpointAddrHTTP)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error(ctx, "http server failed", "error", err.Error())
			cancelFunc()
		}
	}()

	<-ctx.Done()

	app.logger.Info(ctx, "Shutting down...")
	app.engine.Close()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.logger.Error(shutdownCtx, "http shutdown error", "error", err.Error())
	}
	if err := app.db.Close(); err != nil {
		app.logger.Error(shutdownCtx, "db close error", "error", err.Error())
	}
}
