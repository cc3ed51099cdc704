package serverapp

import (
	"context"
	"fmt"
	"log/slog"
)

// Init initializes all runtime resources. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	cleanup := cleanupStack{}
	success := false
	defer func() {
		if !success {
			_ = cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	meterProvider, pipelineMetrics, cacheMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	registry := buildRegistry(a.cfg, a.logger)
	cleanup.push("connection registry", func(_ context.Context) error {
		return registry.Close()
	})

	defaultDB := a.cfg.Database.ConnectionConfig()
	if defaultDB != nil {
		a.logger.Info("connecting to default database",
			slog.String("engine", string(defaultDB.Engine)),
			slog.String("target", defaultDB.Target()),
		)
		if _, err := registry.Acquire(ctx, *defaultDB); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
	} else {
		a.logger.Warn("no default database configured; every request must carry db_config")
	}

	schemas, schemaCancel := startSchemaCache(a.cfg, a.logger, cacheMetrics)
	cleanup.push("schema cache", func(shutdownCtx context.Context) error {
		schemaCancel()
		return schemas.Wait(shutdownCtx)
	})

	orch := buildOrchestrator(a.cfg, a.logger, registry, schemas, pipelineMetrics, defaultDB)

	oidc, err := buildOIDC(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize authentication: %w", err)
	}
	adminHandler, err := buildAdminHandler(a.cfg, a.logger, orch, oidc)
	if err != nil {
		return fmt.Errorf("failed to initialize admin handler: %w", err)
	}

	mux := buildRouter(a.cfg, a.logger, registry, oidc(newAPIHandler(orch, a.cfg.Server.RequestTimeout)), adminHandler, meterProvider)
	handler := wrapHTTPHandler(a.cfg, a.logger, mux)

	serverAddr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := buildServer(a.cfg, handler, serverAddr)
	cleanup.push("HTTP server", func(shutdownCtx context.Context) error {
		return srv.Shutdown(shutdownCtx)
	})

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.pipelineMetrics = pipelineMetrics
	a.cacheMetrics = cacheMetrics
	a.tracerProvider = tracerProvider
	a.registry = registry
	a.schemas = schemas
	a.orchestrator = orch
	a.schemaCancel = schemaCancel
	a.mux = mux
	a.handler = handler
	a.serverAddr = serverAddr
	a.srv = srv
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}
