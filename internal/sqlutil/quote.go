// Package sqlutil provides SQL dialect helpers shared by the query builders.
package sqlutil

import (
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// Dialect identifies the SQL flavor spoken by a connected engine.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgresql"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect maps an engine name (including common aliases) to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mysql", "mariadb", "tidb":
		return DialectMySQL, nil
	case "postgresql", "postgres", "pg", "pgx":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database type %q", name)
	}
}

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectSQLite:
		return "sqlite"
	default:
		return "mysql"
	}
}

// DefaultPort returns the conventional TCP port for the dialect, or 0 when
// the engine is file based.
func (d Dialect) DefaultPort() int {
	switch d {
	case DialectPostgres:
		return 5432
	case DialectSQLite:
		return 0
	default:
		return 3306
	}
}

// PlaceholderFormat returns the squirrel placeholder style for bound args.
func (d Dialect) PlaceholderFormat() sq.PlaceholderFormat {
	if d == DialectPostgres {
		return sq.Dollar
	}
	return sq.Question
}

// QuoteIdentifier quotes a table or column name for the dialect.
func (d Dialect) QuoteIdentifier(name string) string {
	switch d {
	case DialectPostgres:
		return pq.QuoteIdentifier(name)
	case DialectSQLite:
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	default:
		return QuoteIdentifier(name)
	}
}

var plainIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// QuoteIfNeeded leaves plain identifiers untouched and quotes everything else.
// Generated SQL stays readable for the common case.
func (d Dialect) QuoteIfNeeded(name string) string {
	if plainIdentifier.MatchString(name) {
		return name
	}
	return d.QuoteIdentifier(name)
}

// QuoteIdentifier quotes a SQL identifier with backticks and escapes any
// backticks within the identifier.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, "`", "``")
	return "`" + escaped + "`"
}

// QuoteString quotes a SQL string literal with single quotes and escapes
// any single quotes within the string by doubling them.
func QuoteString(s string) string {
	escaped := strings.ReplaceAll(s, "'", "''")
	return "'" + escaped + "'"
}
