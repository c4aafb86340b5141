package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/review-pulse/config"
	"github.com/target/review-pulse/internal/domain/job"
	httpx "github.com/target/review-pulse/internal/http"
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config       *config.AppConfig
	Services     ServiceContainer
	HealthChecks map[string]httpx.HealthCheck
	Logger       *slog.Logger
}

// StartHTTPServer builds the router and starts serving in the background.
// Returns the server instance for graceful shutdown.
func StartHTTPServer(cfg *HTTPServerConfig) *http.Server {
	if cfg == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appCfg := cfg.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}
	httpCfg := appCfg.HTTP
	httpCfg.Sanitize()

	handler := httpx.NewRouter(httpx.RouterServices{
		Jobs:             cfg.Services.Jobs,
		Submitter:        cfg.Services.Submitter,
		Hub:              cfg.Services.Hub,
		HTTP:             httpCfg,
		LiveWriteTimeout: appCfg.Hub.WriteTimeout,
		HealthChecks:     cfg.HealthChecks,
		Logger:           logger,
	})

	server := &http.Server{
		Addr:              httpCfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       httpCfg.ReadTimeout,
		WriteTimeout:      httpCfg.WriteTimeout,
		IdleTimeout:       httpCfg.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	return server
}

// ShutdownConfig contains dependencies for HTTP server shutdown.
type ShutdownConfig struct {
	Context context.Context
	Server  *http.Server
	Hub     *job.Hub
	Logger  *slog.Logger
}

// ShutdownHTTPServer gracefully shuts down the HTTP server.
func ShutdownHTTPServer(cfg ShutdownConfig) error {
	if cfg.Server == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("shutting down HTTP server")

	// Shutdown does not track hijacked websocket connections; closing the hub
	// ends their subscriptions so the live handlers return.
	if cfg.Hub != nil {
		cfg.Hub.Close()
	}

	if err := cfg.Server.Shutdown(cfg.Context); err != nil {
		return err
	}
	logger.Info("HTTP server stopped")
	return nil
}
