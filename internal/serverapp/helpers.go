package serverapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sql-agent/internal/config"
	"sql-agent/internal/connreg"
	"sql-agent/internal/generator"
	"sql-agent/internal/logging"
	"sql-agent/internal/middleware"
	"sql-agent/internal/observability"
	"sql-agent/internal/orchestrator"
	"sql-agent/internal/schemacache"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const schemaReloadTimeout = 30 * time.Second

// InitLogger builds the process logger and, when log export is enabled,
// the OTLP logger provider behind it.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.LogsOTLP()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(observabilityConfig(cfg, logsConfig))
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)
	logger.Info("OpenTelemetry logging initialized successfully")

	return logger, loggerProvider, nil
}

func observabilityConfig(cfg *config.Config, otlp config.OTLPConfig) observability.Config {
	return observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig: observability.OTLPExporterConfig{
			Endpoint:          otlp.Endpoint,
			Protocol:          otlp.Protocol,
			Insecure:          otlp.Insecure,
			TLSCertFile:       otlp.TLSCertFile,
			TLSClientCertFile: otlp.TLSClientCertFile,
			TLSClientKeyFile:  otlp.TLSClientKeyFile,
			Headers:           otlp.Headers,
			Timeout:           otlp.Timeout,
			Compression:       otlp.Compression,
			RetryEnabled:      otlp.RetryEnabled,
			RetryMaxAttempts:  otlp.RetryMaxAttempts,
		},
	}
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.PipelineMetrics, *observability.SchemaCacheMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil, nil
	}

	logger.Info("initializing OpenTelemetry metrics",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
	)

	meterProvider, err := observability.InitMeterProvider(observabilityConfig(cfg, config.OTLPConfig{}))
	if err != nil {
		return nil, nil, nil, err
	}

	pipelineMetrics, err := observability.InitPipelineMetrics(logger.Logger)
	if err != nil {
		return nil, nil, nil, err
	}
	cacheMetrics, err := observability.InitSchemaCacheMetrics(logger.Logger)
	if err != nil {
		return nil, nil, nil, err
	}

	logger.Info("OpenTelemetry metrics initialized successfully")
	return meterProvider, pipelineMetrics, cacheMetrics, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.TracesOTLP()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)

	tracerProvider, err := observability.InitTracerProvider(observabilityConfig(cfg, tracesConfig))
	if err != nil {
		return nil, err
	}

	logger.Info("OpenTelemetry tracing initialized successfully")
	return tracerProvider, nil
}

func buildRegistry(cfg *config.Config, logger *logging.Logger) *connreg.Registry {
	sqlCommenter := cfg.Observability.SQLCommenterEnabled
	if sqlCommenter && !cfg.Observability.TracingEnabled {
		logger.Warn("SQLCommenter requires tracing to be enabled - skipping SQLCommenter")
		sqlCommenter = false
	}
	return connreg.NewRegistry(connreg.Options{
		Pool:             cfg.Database.PoolSettings(),
		StatementTimeout: cfg.Database.StatementTimeout,
		RetryTimeout:     cfg.Database.ConnectionTimeout,
		RetryInterval:    cfg.Database.ConnectionRetryInterval,
		Metrics:          cfg.Observability.MetricsEnabled,
		Tracing:          cfg.Observability.TracingEnabled,
		SQLCommenter:     sqlCommenter,
		Logger:           logger,
	})
}

func startSchemaCache(cfg *config.Config, logger *logging.Logger, metrics *observability.SchemaCacheMetrics) (*schemacache.Cache, context.CancelFunc) {
	cache := schemacache.New(schemacache.Config{
		Logger:      logger,
		Metrics:     metrics,
		MinInterval: cfg.Schema.RefreshInterval,
		MaxInterval: cfg.Schema.RefreshMaxInterval,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cache.Start(ctx)
	return cache, cancel
}

func buildOrchestrator(cfg *config.Config, logger *logging.Logger, registry *connreg.Registry, schemas *schemacache.Cache, metrics *observability.PipelineMetrics, defaultDB *connreg.Config) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Options{
		Registry:        registry,
		Schemas:         schemas,
		Generator:       generator.NewClient(cfg.Generator),
		DefaultDatabase: defaultDB,
		Logger:          logger,
		Metrics:         metrics,
		FallbackLimit:   cfg.Schema.FallbackLimit,
		NormalizedLimit: cfg.Schema.NormalizedLimit,
		MaxCollection:   cfg.Schema.MaxCollection,
		MaxInClause:     cfg.Schema.MaxInClause,
	})
}

func oidcAuthConfig(cfg *config.Config) middleware.OIDCAuthConfig {
	return middleware.OIDCAuthConfig{
		Enabled:       cfg.Server.Auth.OIDCEnabled,
		IssuerURL:     cfg.Server.Auth.OIDCIssuerURL,
		Audience:      cfg.Server.Auth.OIDCAudience,
		ClockSkew:     cfg.Server.Auth.OIDCClockSkew,
		SkipTLSVerify: cfg.Server.Auth.OIDCSkipTLSVerify,
	}
}

// buildOIDC returns the bearer-token middleware shared by /api and /admin.
// It is a pass-through when OIDC is disabled.
func buildOIDC(ctx context.Context, cfg *config.Config, logger *logging.Logger) (func(http.Handler) http.Handler, error) {
	mw, err := middleware.OIDCAuth(ctx, oidcAuthConfig(cfg), logger)
	if err != nil {
		return nil, err
	}
	if cfg.Server.Auth.OIDCEnabled {
		logger.Info("API endpoints require OIDC bearer authentication",
			slog.String("issuer", cfg.Server.Auth.OIDCIssuerURL),
		)
	}
	return mw, nil
}

// buildAdminHandler prefers the shared admin token over OIDC when both are
// configured.
func buildAdminHandler(cfg *config.Config, logger *logging.Logger, reloader schemaReloader, oidc func(http.Handler) http.Handler) (http.Handler, error) {
	var adminHandler http.Handler = schemaReloadHandler(reloader)
	switch {
	case strings.TrimSpace(cfg.Server.Admin.AuthToken) != "":
		tokenAuth, err := middleware.AdminTokenAuth(middleware.AdminTokenAuthConfig{Token: cfg.Server.Admin.AuthToken})
		if err != nil {
			return nil, err
		}
		adminHandler = tokenAuth(adminHandler)
		logger.Info("admin endpoints require the admin token")
	case cfg.Server.Auth.OIDCEnabled:
		adminHandler = oidc(adminHandler)
		logger.Info("admin endpoints require authentication")
	default:
		logger.Warn("admin endpoints are not authenticated - consider setting server.admin.auth_token or enabling OIDC")
	}
	return adminHandler, nil
}

func buildRouter(cfg *config.Config, logger *logging.Logger, pinger pinger, apiHandler http.Handler, adminHandler http.Handler, meterProvider *observability.MeterProvider) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.HandleFunc("GET /health", healthHandler(pinger, cfg.Server.HealthCheckTimeout))

	if cfg.Server.Admin.SchemaReloadEnabled {
		mux.Handle("/admin/reload-schema", adminHandler)
		logger.Info("schema reload endpoint enabled", slog.String("path", "/admin/reload-schema"))
	}

	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", "/metrics"))
	}

	return mux
}

// wrapHTTPHandler applies the server-wide middleware chain. The outermost
// layer runs first: tracing, request logging, panic recovery, body limit,
// CORS, then rate limiting.
func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler) http.Handler {
	if cfg.Server.RateLimitEnabled {
		handler = middleware.RateLimit(middleware.RateLimitConfig{
			Enabled: cfg.Server.RateLimitEnabled,
			RPS:     cfg.Server.RateLimitRPS,
			Burst:   cfg.Server.RateLimitBurst,
		})(handler)
	}

	handler = middleware.CORS(middleware.CORSConfig{
		Enabled:          cfg.Server.CORSEnabled,
		AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
		AllowedMethods:   cfg.Server.CORSAllowedMethods,
		AllowedHeaders:   cfg.Server.CORSAllowedHeaders,
		ExposeHeaders:    cfg.Server.CORSExposeHeaders,
		AllowCredentials: cfg.Server.CORSAllowCredentials,
		MaxAge:           cfg.Server.CORSMaxAge,
	})(handler)

	handler = middleware.MaxBody(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Recover()(handler)
	handler = middleware.RequestLogging(logger)(handler)

	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return httpRootSpanName(r)
			}),
		)
		logger.Info("HTTP instrumentation enabled")
	}

	return handler
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}

	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}

	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

// normalizeHTTPSpanRoute keeps span names low-cardinality.
func normalizeHTTPSpanRoute(rawPath string) string {
	if _, ok := apiRoutes[rawPath]; ok {
		return rawPath
	}
	switch rawPath {
	case "/health", "/metrics", "/admin/reload-schema":
		return rawPath
	default:
		return "/*"
	}
}

func buildServer(cfg *config.Config, handler http.Handler, serverAddr string) *http.Server {
	return &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serverErrors := make(chan error, 1)
	go func() {
		logAttrs := []any{
			slog.String("address", serverAddr),
			slog.String("api_prefix", "/api/"),
			slog.String("health_endpoint", "/health"),
			slog.String("generator_endpoint", cfg.Generator.Endpoint),
			slog.String("log_level", cfg.Observability.Logging.Level),
		}
		if cfg.Observability.MetricsEnabled {
			logAttrs = append(logAttrs, slog.String("metrics_endpoint", "/metrics"))
		}
		if cfg.Server.RateLimitEnabled {
			logAttrs = append(logAttrs,
				slog.Float64("rate_limit_rps", cfg.Server.RateLimitRPS),
				slog.Int("rate_limit_burst", cfg.Server.RateLimitBurst),
			)
		}
		logger.Info("server starting", logAttrs...)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler pings every pooled connection.
func healthHandler(p pinger, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())

		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		if err := p.Ping(ctx); err != nil {
			reqLogger.Error("health check failed",
				slog.String("error", err.Error()),
				slog.String("check", "database"),
			)
			// Generic body; the log carries the details.
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "failed"})
			return
		}

		reqLogger.Debug("health check passed")
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "ok"})
	}
}

type schemaReloader interface {
	ReloadSchemas(ctx context.Context) error
}

func schemaReloadHandler(reloader schemaReloader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())

		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
			return
		}

		authCtx, authenticated := middleware.AuthFromContext(r.Context())
		logAttrs := []any{
			slog.String("operation", "schema_reload"),
			slog.String("remote_addr", r.RemoteAddr),
			slog.Bool("authenticated", authenticated),
		}
		if authenticated {
			logAttrs = append(logAttrs,
				slog.String("authenticated_user", authCtx.Subject),
				slog.String("issuer", authCtx.Issuer),
			)
		}
		reqLogger.Info("admin endpoint accessed", logAttrs...)

		ctx, cancel := context.WithTimeout(r.Context(), schemaReloadTimeout)
		defer cancel()

		if err := reloader.ReloadSchemas(ctx); err != nil {
			reqLogger.Error("schema reload failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": "schema reload failed"})
			return
		}

		reqLogger.Info("schema reloaded successfully", logAttrs...)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		payload = []byte(`{"error":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
