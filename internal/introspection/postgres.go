package introspection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// postgresCatalog reads information_schema for one PostgreSQL schema.
type postgresCatalog struct{}

func (postgresCatalog) resolveSchema(ctx context.Context, db Queryer, name string) (string, error) {
	if strings.TrimSpace(name) != "" {
		return name, nil
	}
	ctx, span := startSpan(ctx, "introspection.current_schema")
	defer span.End()

	values, err := queryStrings(ctx, db, span, "SELECT current_schema()")
	if err != nil {
		return "", err
	}
	if len(values) == 0 || values[0] == "" {
		return "", fmt.Errorf("connection has no current schema")
	}
	return values[0], nil
}

func (postgresCatalog) tables(ctx context.Context, db Queryer, schema string) ([]tableInfo, error) {
	ctx, span := startSpan(ctx, "introspection.get_tables",
		attribute.String("db.schema", schema),
	)
	defer span.End()

	query := `
		SELECT table_name, table_type
		FROM information_schema.tables
		WHERE table_schema = $1
		AND table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY table_name
	`

	rows, err := db.QueryContext(ctx, query, schema)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var tables []tableInfo
	for rows.Next() {
		var info tableInfo
		var tableType string
		if err := rows.Scan(&info.Name, &tableType); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		info.IsView = strings.EqualFold(tableType, "VIEW")
		tables = append(tables, info)
	}

	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return tables, nil
}

func (postgresCatalog) columns(ctx context.Context, db Queryer, schema, table string) ([]Column, error) {
	ctx, span := startSpan(ctx, "introspection.get_columns",
		attribute.String("db.schema", schema),
		attribute.String("db.table", table),
	)
	defer span.End()

	query := `
		SELECT column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`

	rows, err := db.QueryContext(ctx, query, schema, table)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var columns []Column
	for rows.Next() {
		var col Column
		var isNullable string
		var columnDefault sql.NullString
		if err := rows.Scan(&col.Name, &col.DataType, &isNullable, &columnDefault); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		col.IsNullable = strings.EqualFold(isNullable, "YES")
		col.HasDefault = columnDefault.Valid
		columns = append(columns, col)
	}

	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return columns, nil
}

func (postgresCatalog) primaryKeys(ctx context.Context, db Queryer, schema, table string) ([]string, error) {
	ctx, span := startSpan(ctx, "introspection.get_primary_keys",
		attribute.String("db.schema", schema),
		attribute.String("db.table", table),
	)
	defer span.End()

	query := `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_schema = kcu.constraint_schema
			AND tc.constraint_name = kcu.constraint_name
			AND tc.table_name = kcu.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
		AND tc.table_schema = $1
		AND tc.table_name = $2
		ORDER BY kcu.ordinal_position
	`
	return queryStrings(ctx, db, span, query, schema, table)
}

// foreignKeys pairs referencing and referenced columns through
// position_in_unique_constraint so composite keys stay positional.
func (postgresCatalog) foreignKeys(ctx context.Context, db Queryer, schema, table string) ([]ForeignKey, error) {
	ctx, span := startSpan(ctx, "introspection.get_foreign_keys",
		attribute.String("db.schema", schema),
		attribute.String("db.table", table),
	)
	defer span.End()

	query := `
		SELECT
			kcu.column_name,
			ref.table_name,
			ref.column_name,
			kcu.constraint_name,
			kcu.ordinal_position
		FROM information_schema.key_column_usage kcu
		JOIN information_schema.referential_constraints rc
			ON rc.constraint_schema = kcu.constraint_schema
			AND rc.constraint_name = kcu.constraint_name
		JOIN information_schema.key_column_usage ref
			ON ref.constraint_schema = rc.unique_constraint_schema
			AND ref.constraint_name = rc.unique_constraint_name
			AND ref.ordinal_position = kcu.position_in_unique_constraint
		WHERE kcu.table_schema = $1
		AND kcu.table_name = $2
		ORDER BY kcu.constraint_name, kcu.ordinal_position
	`

	rows, err := db.QueryContext(ctx, query, schema, table)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var foreignKeys []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.ColumnName, &fk.ReferencedTable,
			&fk.ReferencedColumn, &fk.ConstraintName, &fk.OrdinalPosition); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		foreignKeys = append(foreignKeys, fk)
	}

	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return foreignKeys, nil
}
