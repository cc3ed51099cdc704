// Package schemacache memoizes one schema graph per pooled connection.
// Graphs are rebuilt on explicit refresh, and optionally by a background
// poller that swaps a graph only when its structural fingerprint changes.
package schemacache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sql-agent/internal/connreg"
	"sql-agent/internal/introspection"
	"sql-agent/internal/logging"
	"sql-agent/internal/observability"
	"sql-agent/internal/schemagraph"
	"sql-agent/internal/sqlutil"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Extractor introspects the schema behind a connection.
type Extractor func(ctx context.Context, conn *connreg.Connection) (*introspection.Schema, error)

// Config controls cache behavior.
type Config struct {
	Logger  *logging.Logger
	Metrics *observability.SchemaCacheMetrics
	// MinInterval enables the background poller when positive.
	MinInterval time.Duration
	MaxInterval time.Duration
	Extract     Extractor
}

// Status summarizes one cached graph.
type Status struct {
	Target      string    `json:"target"`
	Tables      int       `json:"tables"`
	Edges       int       `json:"foreign_keys"`
	Fingerprint string    `json:"fingerprint"`
	BuiltAt     time.Time `json:"built_at"`
}

type entry struct {
	conn        *connreg.Connection
	graph       *schemagraph.Graph
	fingerprint string
	builtAt     time.Time
}

// Cache maps connection keys to their last built graph.
type Cache struct {
	logger      *logging.Logger
	metrics     *observability.SchemaCacheMetrics
	minInterval time.Duration
	maxInterval time.Duration
	extract     Extractor

	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group
	wg      sync.WaitGroup
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = &logging.Logger{Logger: slog.Default()}
	}
	if cfg.Extract == nil {
		cfg.Extract = IntrospectConnection
	}
	maxInterval := cfg.MaxInterval
	if maxInterval < cfg.MinInterval {
		maxInterval = cfg.MinInterval
	}
	return &Cache{
		logger:      cfg.Logger.WithFields(slog.String("component", "schema_cache")),
		metrics:     cfg.Metrics,
		minInterval: cfg.MinInterval,
		maxInterval: maxInterval,
		extract:     cfg.Extract,
		entries:     make(map[string]*entry),
	}
}

// IntrospectConnection is the default extractor. MySQL introspects the
// configured database; PostgreSQL and SQLite use the connection's current
// schema.
func IntrospectConnection(ctx context.Context, conn *connreg.Connection) (*introspection.Schema, error) {
	databaseName := ""
	if conn.Dialect == sqlutil.DialectMySQL {
		databaseName = conn.Config.Database
	}
	return introspection.IntrospectDatabase(ctx, conn.Executor(), conn.Dialect, databaseName)
}

// Schema returns the graph for conn. Without refresh the last built graph
// is returned; with refresh the schema is re-extracted unconditionally.
// Concurrent builds for one connection share a single extraction.
func (c *Cache) Schema(ctx context.Context, conn *connreg.Connection, refresh bool) (*schemagraph.Graph, error) {
	if !refresh {
		if e, ok := c.lookup(conn.Key); ok {
			return e.graph, nil
		}
	}

	trigger := "initial"
	if refresh {
		trigger = "manual"
	}

	ch := c.group.DoChan(conn.Key, func() (any, error) {
		if !refresh {
			if e, ok := c.lookup(conn.Key); ok {
				return e, nil
			}
		}
		return c.build(context.WithoutCancel(ctx), conn, trigger)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entry).graph, nil
	}
}

func (c *Cache) lookup(key string) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *Cache) build(ctx context.Context, conn *connreg.Connection, trigger string) (*entry, error) {
	ctx, span := startSpan(ctx, "schema_cache.build",
		attribute.String("db.system", string(conn.Dialect)),
		attribute.String("trigger", trigger),
	)
	defer span.End()

	start := time.Now()
	e, err := c.extractEntry(ctx, conn)
	if err != nil {
		recordSpanError(span, err)
		c.recordRefresh(ctx, time.Since(start), false, trigger)
		c.logger.Error("failed to build schema graph",
			slog.String("target", conn.Config.Target()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	c.store(conn.Key, e)
	c.recordRefresh(ctx, time.Since(start), true, trigger)
	c.logger.Info("schema graph built",
		slog.String("target", conn.Config.Target()),
		slog.Int("tables", len(e.graph.TableNames())),
		slog.Int("foreign_keys", len(e.graph.Edges())),
		slog.Duration("duration", time.Since(start)),
	)
	return e, nil
}

func (c *Cache) extractEntry(ctx context.Context, conn *connreg.Connection) (*entry, error) {
	schema, err := c.extract(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect %s: %w", conn.Config.Target(), err)
	}
	graph := schemagraph.Build(schema)
	return &entry{
		conn:        conn,
		graph:       graph,
		fingerprint: graph.Fingerprint(),
		builtAt:     time.Now(),
	}, nil
}

func (c *Cache) store(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
}

// RefreshAll rebuilds every cached graph. Failures leave the previous graph
// in place and are returned joined.
func (c *Cache) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, e := range c.snapshot() {
		conn := e.conn
		_, err, _ := c.group.Do(conn.Key, func() (any, error) {
			return c.build(ctx, conn, "manual")
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Invalidate drops the cached graph for a connection key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Statuses describes every cached graph.
func (c *Cache) Statuses() []Status {
	entries := c.snapshot()
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, Status{
			Target:      e.conn.Config.Target(),
			Tables:      len(e.graph.TableNames()),
			Edges:       len(e.graph.Edges()),
			Fingerprint: e.fingerprint,
			BuiltAt:     e.builtAt,
		})
	}
	return out
}

func (c *Cache) snapshot() []*entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

func (c *Cache) recordRefresh(ctx context.Context, duration time.Duration, success bool, trigger string) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordRefresh(context.WithoutCancel(ctx), duration, success, trigger)
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("sql-agent/schemacache")
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
