package config

import (
	"strings"

	"sql-agent/internal/connreg"
	"sql-agent/internal/sqlutil"
)

// Enabled reports whether a default database is configured.
func (d *DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(d.Database) != ""
}

// ConnectionConfig returns the default target, or nil when none is
// configured. The engine must already have passed validation.
func (d *DatabaseConfig) ConnectionConfig() *connreg.Config {
	if !d.Enabled() {
		return nil
	}
	engine, err := sqlutil.ParseDialect(d.Engine)
	if err != nil {
		return nil
	}
	cfg := connreg.Config{
		Engine:      engine,
		Host:        d.Host,
		Port:        d.Port,
		User:        d.User,
		Password:    d.Password,
		Database:    d.Database,
		SSL:         d.SSL,
		Environment: d.Environment,
	}.Normalize()
	return &cfg
}

// PoolSettings returns the pool bounds applied to every target.
func (d *DatabaseConfig) PoolSettings() connreg.PoolSettings {
	return connreg.PoolSettings{
		MaxOpen:        d.Pool.MaxOpen,
		MaxIdle:        d.Pool.MaxIdle,
		MaxIdleTime:    d.Pool.MaxIdleTime,
		MaxLifetime:    d.Pool.MaxLifetime,
		AcquireTimeout: d.Pool.AcquireTimeout,
	}
}
