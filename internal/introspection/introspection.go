// Package introspection discovers tables, columns, primary keys and foreign
// keys from a live database catalog. MySQL/TiDB, PostgreSQL and SQLite are
// supported.
package introspection

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sql-agent/internal/dbexec"
	"sql-agent/internal/sqlutil"
)

// Column represents a database column
type Column struct {
	Name         string `json:"name"`
	DataType     string `json:"type"`
	IsNullable   bool   `json:"nullable"`
	IsPrimaryKey bool   `json:"primary_key,omitempty"`
	HasDefault   bool   `json:"-"`
}

// ForeignKey represents one column of a foreign key constraint
type ForeignKey struct {
	ColumnName       string // e.g., "customer_id"
	ReferencedTable  string // e.g., "customers"
	ReferencedColumn string // e.g., "id"
	ConstraintName   string
	OrdinalPosition  int // Column position within the FK constraint
}

// Table represents a database table or view
type Table struct {
	Name        string
	IsView      bool
	Columns     []Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
}

// ColumnNames returns the column names in ordinal order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	return names
}

// Schema represents the introspected database schema
type Schema struct {
	Dialect  sqlutil.Dialect
	Database string
	Tables   []Table
}

// Queryer provides query access for schema introspection.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (dbexec.Rows, error)
}

type tableInfo struct {
	Name   string
	IsView bool
}

// catalog is the per-engine set of metadata queries.
type catalog interface {
	resolveSchema(ctx context.Context, db Queryer, name string) (string, error)
	tables(ctx context.Context, db Queryer, schema string) ([]tableInfo, error)
	columns(ctx context.Context, db Queryer, schema, table string) ([]Column, error)
	primaryKeys(ctx context.Context, db Queryer, schema, table string) ([]string, error)
	foreignKeys(ctx context.Context, db Queryer, schema, table string) ([]ForeignKey, error)
}

func catalogFor(dialect sqlutil.Dialect) (catalog, error) {
	switch dialect {
	case sqlutil.DialectMySQL:
		return mysqlCatalog{}, nil
	case sqlutil.DialectPostgres:
		return postgresCatalog{}, nil
	case sqlutil.DialectSQLite:
		return sqliteCatalog{}, nil
	default:
		return nil, fmt.Errorf("introspection is not supported for %q", dialect)
	}
}

// IntrospectDatabase enumerates tables, then per table its columns, primary
// key and declared foreign keys. An empty databaseName selects the
// connection's current database (MySQL) or schema (PostgreSQL).
func IntrospectDatabase(ctx context.Context, db Queryer, dialect sqlutil.Dialect, databaseName string) (*Schema, error) {
	ctx, span := startSpan(ctx, "introspection.build_schema",
		attribute.String("db.system", string(dialect)),
		attribute.String("db.name", databaseName),
	)
	defer span.End()

	cat, err := catalogFor(dialect)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	schemaName, err := cat.resolveSchema(ctx, db, databaseName)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to resolve schema name: %w", err)
	}

	schema := &Schema{
		Dialect:  dialect,
		Database: schemaName,
		Tables:   []Table{},
	}

	tables, err := cat.tables(ctx, db, schemaName)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get tables: %w", err)
	}

	for _, info := range tables {
		columns, err := cat.columns(ctx, db, schemaName, info.Name)
		if err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to get columns for %s: %w", info.Name, err)
		}

		var primaryKeys []string
		var foreignKeys []ForeignKey
		if !info.IsView {
			primaryKeys, err = cat.primaryKeys(ctx, db, schemaName, info.Name)
			if err != nil {
				recordSpanError(span, err)
				return nil, fmt.Errorf("failed to get primary keys for %s: %w", info.Name, err)
			}
			foreignKeys, err = cat.foreignKeys(ctx, db, schemaName, info.Name)
			if err != nil {
				recordSpanError(span, err)
				return nil, fmt.Errorf("failed to get foreign keys for %s: %w", info.Name, err)
			}
		}

		pkSet := make(map[string]struct{}, len(primaryKeys))
		for _, pk := range primaryKeys {
			pkSet[pk] = struct{}{}
		}
		for i := range columns {
			if _, ok := pkSet[columns[i].Name]; ok {
				columns[i].IsPrimaryKey = true
			}
		}

		schema.Tables = append(schema.Tables, Table{
			Name:        info.Name,
			IsView:      info.IsView,
			Columns:     columns,
			PrimaryKey:  primaryKeys,
			ForeignKeys: foreignKeys,
		})
	}

	resolveImplicitReferences(schema)

	sort.Slice(schema.Tables, func(i, j int) bool {
		return schema.Tables[i].Name < schema.Tables[j].Name
	})

	span.SetAttributes(attribute.Int("db.table_count", len(schema.Tables)))
	return schema, nil
}

// resolveImplicitReferences fills referenced columns that the catalog left
// blank (SQLite FKs declared as "REFERENCES t" point at t's primary key).
func resolveImplicitReferences(schema *Schema) {
	primaryKeys := make(map[string][]string, len(schema.Tables))
	for _, table := range schema.Tables {
		primaryKeys[table.Name] = table.PrimaryKey
	}
	for ti := range schema.Tables {
		fks := schema.Tables[ti].ForeignKeys
		for fi := range fks {
			if fks[fi].ReferencedColumn != "" {
				continue
			}
			pk := primaryKeys[fks[fi].ReferencedTable]
			pos := fks[fi].OrdinalPosition - 1
			if pos >= 0 && pos < len(pk) {
				fks[fi].ReferencedColumn = pk[pos]
			}
		}
	}
}

// queryStrings runs a single-column query and collects the values.
func queryStrings(ctx context.Context, db Queryer, span trace.Span, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return values, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("sql-agent/introspection")
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
