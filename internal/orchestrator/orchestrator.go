// Package orchestrator runs the question-to-rows pipeline and the
// individual operations it is built from against process-wide connection
// and schema caches.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sql-agent/internal/connreg"
	"sql-agent/internal/enrich"
	"sql-agent/internal/generator"
	"sql-agent/internal/logging"
	"sql-agent/internal/observability"
	"sql-agent/internal/recovery"
	"sql-agent/internal/schemacache"
	"sql-agent/internal/schemagraph"
)

const defaultNormalizedLimit = 100

// Failure classifies why an operation did not produce a result.
type Failure string

const (
	FailureNone              Failure = ""
	FailureInvalidRequest    Failure = "invalid_request"
	FailureConnection        Failure = "connection"
	FailureSchema            Failure = "schema"
	FailureGenerator         Failure = "generator"
	FailureExecution         Failure = "execution"
	FailureRecoveryExhausted Failure = "recovery_exhausted"
	FailureInternal          Failure = "internal"
)

// Error is an operation failure with its classification.
type Error struct {
	Kind Failure
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// FailureOf returns the classification carried by err.
func FailureOf(err error) Failure {
	if err == nil {
		return FailureNone
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	var connErr *connreg.ConnectionError
	if errors.As(err, &connErr) {
		return FailureConnection
	}
	return FailureInternal
}

// ModelLister is implemented by generators that can enumerate models.
type ModelLister interface {
	Models(ctx context.Context) ([]generator.Model, error)
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Registry  *connreg.Registry
	Schemas   *schemacache.Cache
	Generator generator.Generator
	// DefaultDatabase serves requests that carry no db_config.
	DefaultDatabase *connreg.Config
	Logger          *logging.Logger
	Metrics         *observability.PipelineMetrics

	FallbackLimit   int
	NormalizedLimit int
	MaxCollection   int
	MaxInClause     int
}

// Orchestrator is safe for concurrent use; it holds no per-request state.
type Orchestrator struct {
	registry  *connreg.Registry
	schemas   *schemacache.Cache
	generator generator.Generator
	defaultDB *connreg.Config
	logger    *logging.Logger
	metrics   *observability.PipelineMetrics

	fallbackLimit   int
	normalizedLimit int
	enrichOpts      enrich.Options
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = &logging.Logger{Logger: slog.Default()}
	}
	normalizedLimit := opts.NormalizedLimit
	if normalizedLimit <= 0 {
		normalizedLimit = defaultNormalizedLimit
	}
	return &Orchestrator{
		registry:        opts.Registry,
		schemas:         opts.Schemas,
		generator:       opts.Generator,
		defaultDB:       opts.DefaultDatabase,
		logger:          logger.WithFields(slog.String("component", "pipeline")),
		metrics:         opts.Metrics,
		fallbackLimit:   opts.FallbackLimit,
		normalizedLimit: normalizedLimit,
		enrichOpts: enrich.Options{
			MaxCollection: opts.MaxCollection,
			MaxInClause:   opts.MaxInClause,
			Metrics:       opts.Metrics,
		},
	}
}

// session is the connection and graph one request works against.
type session struct {
	conn  *connreg.Connection
	graph *schemagraph.Graph
}

func (o *Orchestrator) open(ctx context.Context, db *connreg.Config, refresh bool) (*session, error) {
	cfg := db
	if cfg == nil {
		cfg = o.defaultDB
	}
	if cfg == nil {
		return nil, &Error{Kind: FailureInvalidRequest, Err: errors.New("db_config is required: no default database is configured")}
	}

	conn, err := o.registry.Acquire(ctx, *cfg)
	if err != nil {
		return nil, &Error{Kind: FailureConnection, Err: err}
	}
	graph, err := o.schemas.Schema(ctx, conn, refresh)
	if err != nil {
		return nil, &Error{Kind: FailureSchema, Err: fmt.Errorf("failed to load schema for %s: %w", conn.Config.Target(), err)}
	}
	return &session{conn: conn, graph: graph}, nil
}

func (o *Orchestrator) enricher(s *session) *enrich.Enricher {
	return enrich.New(s.conn.Executor(), s.graph, o.enrichOpts)
}

func (o *Orchestrator) planner(s *session) *recovery.Planner {
	return recovery.New(s.conn.Executor(), s.graph, recovery.Options{
		Limit:    o.fallbackLimit,
		Enricher: o.enricher(s),
		Metrics:  o.metrics,
	})
}

func (o *Orchestrator) loggerFor(ctx context.Context) *logging.Logger {
	if id := logging.GetRequestID(ctx); id != "" {
		return o.logger.WithRequestID(id)
	}
	return o.logger
}

// guard converts a panic in fn into an internal failure.
func guard[T any](ctx context.Context, o *Orchestrator, op string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.loggerFor(ctx).Error("operation panicked",
				slog.String("operation", op),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = &Error{Kind: FailureInternal, Err: fmt.Errorf("internal error during %s: %v", op, r)}
		}
	}()
	return fn()
}

func (o *Orchestrator) recordStage(ctx context.Context, stage string, started time.Time) {
	o.metrics.RecordStage(ctx, stage, time.Since(started))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("sql-agent/orchestrator").Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
