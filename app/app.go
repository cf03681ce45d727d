// Package app is the main orchestrator that ties all service components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fitmirror/fitmirror/api"
	"github.com/fitmirror/fitmirror/auth"
	"github.com/fitmirror/fitmirror/billing"
	"github.com/fitmirror/fitmirror/config"
	"github.com/fitmirror/fitmirror/credits"
	"github.com/fitmirror/fitmirror/events"
	"github.com/fitmirror/fitmirror/events/kafka"
	"github.com/fitmirror/fitmirror/store"
	"github.com/fitmirror/fitmirror/tryon"
)

// App is the main service process.
type App struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	publisher    events.Publisher
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new app from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	// Event stream is optional; without brokers events are dropped.
	var publisher events.Publisher = events.Noop{}
	if len(cfg.Events.Brokers) > 0 {
		publisher = kafka.NewPublisher(cfg.Events.Brokers, cfg.Events.Topic)
		logger.Info("event publishing enabled", "brokers", cfg.Events.Brokers, "topic", cfg.Events.Topic)
	}

	executor := credits.NewExecutor(db, logger)
	generator := tryon.NewHTTPGenerator(cfg.Generator.BaseURL, cfg.Generator.APIKey, cfg.Generator.Timeout.Duration)
	tryonSvc := tryon.NewService(db, generator, executor, publisher, logger)
	granter := billing.NewGranter(db, publisher, logger)

	// Billing checkout is supplied by the hosting deployment; the open-source
	// build runs with it disabled.
	var billingSvc billing.Service
	if cfg.Billing.Enabled {
		logger.Warn("billing.enabled is set but no billing provider is compiled in — billing routes disabled")
	}

	apiSrv := api.NewServer(db, authProvider, loginProvider, tryonSvc, granter, cfg, api.ServerOptions{
		Billing: billingSvc,
	}, logger)

	a := &App{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		publisher:    publisher,
		api:          apiSrv,
		logger:       logger.With("component", "app"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if cfg.Auth.InitialAdmin != nil && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin password detected — change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}
	if cfg.Server.PublicBaseURL == "" {
		logger.Warn("server.public_base_url is not set — upload URLs will default to localhost")
	}

	return a, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start rate limiter cleanup tasks.
	a.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		a.close()
		return err
	}
}

func (a *App) close() {
	if err := a.publisher.Close(); err != nil {
		a.logger.Warn("failed to close event publisher", "error", err)
	}
	a.logger.Info("closing store")
	_ = a.store.Close()
}
