// Package serverapp owns the HTTP server lifecycle: it builds the
// connection registry, schema cache and pipeline from configuration and
// serves them over the JSON API.
package serverapp

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"sql-agent/internal/config"
	"sql-agent/internal/connreg"
	"sql-agent/internal/logging"
	"sql-agent/internal/observability"
	"sql-agent/internal/orchestrator"
	"sql-agent/internal/schemacache"
)

// App owns runtime resources for the sql-agent server lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	meterProvider   *observability.MeterProvider
	pipelineMetrics *observability.PipelineMetrics
	cacheMetrics    *observability.SchemaCacheMetrics
	tracerProvider  *observability.TracerProvider

	registry     *connreg.Registry
	schemas      *schemacache.Cache
	orchestrator *orchestrator.Orchestrator
	schemaCancel context.CancelFunc

	mux     *http.ServeMux
	handler http.Handler

	serverAddr string
	srv        *http.Server

	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors chan error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Handler returns the fully wrapped HTTP handler. It is nil before Init.
func (a *App) Handler() http.Handler {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.handler
}
