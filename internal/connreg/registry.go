// Package connreg keeps one pooled, health-checked database handle per
// distinct connection config for the life of the process.
package connreg

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sql-agent/internal/dbexec"
	"sql-agent/internal/logging"
	"sql-agent/internal/sqlutil"

	"github.com/XSAM/otelsql"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"golang.org/x/sync/singleflight"

	// Drivers for every supported engine.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ConnectionError reports a target that could not be opened or failed its
// liveness probe. Nothing is cached when it is returned.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PoolSettings bounds each pooled handle.
type PoolSettings struct {
	MaxOpen        int           `mapstructure:"max_open"`
	MaxIdle        int           `mapstructure:"max_idle"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// Options controls how the registry opens handles.
type Options struct {
	Pool             PoolSettings
	StatementTimeout time.Duration
	RetryTimeout     time.Duration
	RetryInterval    time.Duration
	Metrics          bool
	Tracing          bool
	SQLCommenter     bool
	Logger           *logging.Logger

	// Open overrides handle creation; tests use it to inject sqlmock.
	Open func(cfg Config) (*sql.DB, error)
}

// Connection is a pooled handle shared by every request for one config.
type Connection struct {
	Key      string
	Config   Config
	DB       *sql.DB
	Dialect  sqlutil.Dialect
	executor dbexec.QueryExecutor
	statsReg interface{ Unregister() error }
}

// Executor returns the statement executor for the handle.
func (c *Connection) Executor() dbexec.QueryExecutor {
	return c.executor
}

// Registry maps normalized configs to live connections.
type Registry struct {
	opts   Options
	logger *logging.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
	group singleflight.Group

	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = &logging.Logger{Logger: slog.Default()}
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	return &Registry{
		opts:   opts,
		logger: logger.WithFields(slog.String("component", "connection_registry")),
		conns:  make(map[string]*Connection),
	}
}

// Acquire returns the pooled connection for cfg, opening and probing it on
// first use. Concurrent first acquisitions of one key share a single probe.
func (r *Registry) Acquire(ctx context.Context, cfg Config) (*Connection, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, &ConnectionError{Target: cfg.Target(), Err: err}
	}
	key := cfg.Key()

	if conn, ok := r.lookup(key); ok {
		return conn, nil
	}

	ch := r.group.DoChan(key, func() (any, error) {
		if conn, ok := r.lookup(key); ok {
			return conn, nil
		}
		conn, err := r.open(context.WithoutCancel(ctx), key, cfg)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			r.closeConnection(conn)
			return nil, &ConnectionError{Target: cfg.Target(), Err: fmt.Errorf("registry is closed")}
		}
		r.conns[key] = conn
		return conn, nil
	})

	select {
	case <-ctx.Done():
		return nil, &ConnectionError{Target: cfg.Target(), Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	}
}

func (r *Registry) lookup(key string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[key]
	return conn, ok
}

func (r *Registry) open(ctx context.Context, key string, cfg Config) (*Connection, error) {
	logger := r.logger.WithFields(
		slog.String("target", cfg.Target()),
		slog.String("engine", string(cfg.Engine)),
	)

	db, statsReg, err := r.openDB(cfg)
	if err != nil {
		return nil, &ConnectionError{Target: cfg.Target(), Err: err}
	}

	pool := r.opts.Pool
	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		db.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.MaxIdleTime)
	}
	if pool.MaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.MaxLifetime)
	}

	if err := r.waitForDatabase(ctx, logger, db); err != nil {
		if statsReg != nil {
			_ = statsReg.Unregister()
		}
		_ = db.Close()
		logger.Warn("connection probe failed", slog.String("error", err.Error()))
		return nil, &ConnectionError{Target: cfg.Target(), Err: err}
	}

	logger.Info("connected to database",
		slog.Int("pool_max_open", pool.MaxOpen),
		slog.Int("pool_max_idle", pool.MaxIdle),
		slog.Duration("pool_max_lifetime", pool.MaxLifetime),
	)

	return &Connection{
		Key:      key,
		Config:   cfg,
		DB:       db,
		Dialect:  cfg.Engine,
		executor: dbexec.WithStatementTimeout(dbexec.NewStandardExecutor(db), r.opts.StatementTimeout),
		statsReg: statsReg,
	}, nil
}

func (r *Registry) openDB(cfg Config) (*sql.DB, interface{ Unregister() error }, error) {
	if r.opts.Open != nil {
		db, err := r.opts.Open(cfg)
		return db, nil, err
	}

	driver := cfg.Engine.DriverName()
	if !r.opts.Metrics && !r.opts.Tracing {
		db, err := sql.Open(driver, cfg.DSN())
		return db, nil, err
	}

	system := dbSystemAttribute(cfg.Engine)
	opts := []otelsql.Option{otelsql.WithAttributes(system)}
	if r.opts.Tracing {
		opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{
			DisableErrSkip: true,
		}))
		if r.opts.SQLCommenter {
			opts = append(opts, otelsql.WithSQLCommenter(true))
		}
	}

	db, err := otelsql.Open(driver, cfg.DSN(), opts...)
	if err != nil {
		return nil, nil, err
	}

	var statsReg interface{ Unregister() error }
	if r.opts.Metrics {
		statsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(system))
		if err != nil {
			r.logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
			statsReg = nil
		}
	}
	return db, statsReg, nil
}

func dbSystemAttribute(dialect sqlutil.Dialect) attribute.KeyValue {
	switch dialect {
	case sqlutil.DialectPostgres:
		return semconv.DBSystemPostgreSQL
	case sqlutil.DialectSQLite:
		return semconv.DBSystemSqlite
	default:
		return semconv.DBSystemMySQL
	}
}

// waitForDatabase pings until the handle answers, backing off
// exponentially (capped at 30s) until RetryTimeout elapses.
func (r *Registry) waitForDatabase(ctx context.Context, logger *logging.Logger, db *sql.DB) error {
	ping := func() error {
		pingCtx := ctx
		if r.opts.Pool.AcquireTimeout > 0 {
			var cancel context.CancelFunc
			pingCtx, cancel = context.WithTimeout(ctx, r.opts.Pool.AcquireTimeout)
			defer cancel()
		}
		return db.PingContext(pingCtx)
	}

	timeout := r.opts.RetryTimeout
	if timeout <= 0 {
		return ping()
	}

	interval := r.opts.RetryInterval
	deadline := time.Now().Add(timeout)
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		err := ping()
		if err == nil {
			if attempt > 1 {
				logger.Info("database connection established", slog.Int("attempts", attempt))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not available after %v: %w", timeout, err)
		}

		logger.Warn("database not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval = min(interval*2, 30*time.Second)
	}
}

// Connections returns the live connections ordered by key.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Ping probes every live connection and returns the first failure.
func (r *Registry) Ping(ctx context.Context) error {
	for _, conn := range r.Connections() {
		if err := conn.DB.PingContext(ctx); err != nil {
			return &ConnectionError{Target: conn.Config.Target(), Err: err}
		}
	}
	return nil
}

// Close tears down every pooled handle. Later acquisitions fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.closed = true
	r.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := r.closeConnection(conn); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) closeConnection(conn *Connection) error {
	if conn.statsReg != nil {
		if err := conn.statsReg.Unregister(); err != nil {
			r.logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
		}
	}
	return conn.DB.Close()
}
