package introspection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// sqliteCatalog reads sqlite_master and the table pragmas.
type sqliteCatalog struct{}

func (sqliteCatalog) resolveSchema(_ context.Context, _ Queryer, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "main", nil
	}
	return name, nil
}

func (sqliteCatalog) tables(ctx context.Context, db Queryer, _ string) ([]tableInfo, error) {
	ctx, span := startSpan(ctx, "introspection.get_tables")
	defer span.End()

	query := `
		SELECT name, type
		FROM sqlite_master
		WHERE type IN ('table', 'view')
		AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`

	rows, err := db.QueryContext(ctx, query)
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
		var kind string
		if err := rows.Scan(&info.Name, &kind); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		info.IsView = kind == "view"
		tables = append(tables, info)
	}

	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return tables, nil
}

func (sqliteCatalog) columns(ctx context.Context, db Queryer, _ string, table string) ([]Column, error) {
	ctx, span := startSpan(ctx, "introspection.get_columns",
		attribute.String("db.table", table),
	)
	defer span.End()

	query := `SELECT name, type, "notnull", dflt_value FROM pragma_table_info(?) ORDER BY cid`

	rows, err := db.QueryContext(ctx, query, table)
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
		var notNull int
		var columnDefault sql.NullString
		if err := rows.Scan(&col.Name, &col.DataType, &notNull, &columnDefault); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		col.IsNullable = notNull == 0
		col.HasDefault = columnDefault.Valid
		columns = append(columns, col)
	}

	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return columns, nil
}

func (sqliteCatalog) primaryKeys(ctx context.Context, db Queryer, _ string, table string) ([]string, error) {
	ctx, span := startSpan(ctx, "introspection.get_primary_keys",
		attribute.String("db.table", table),
	)
	defer span.End()

	return queryStrings(ctx, db, span, `SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk`, table)
}

// foreignKeys names constraints fk_<table>_<id> since SQLite keeps them anonymous.
func (sqliteCatalog) foreignKeys(ctx context.Context, db Queryer, _ string, table string) ([]ForeignKey, error) {
	ctx, span := startSpan(ctx, "introspection.get_foreign_keys",
		attribute.String("db.table", table),
	)
	defer span.End()

	query := `SELECT "from", "table", "to", id, seq FROM pragma_foreign_key_list(?) ORDER BY id, seq`

	rows, err := db.QueryContext(ctx, query, table)
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
		var referenced sql.NullString
		var id, seq int
		if err := rows.Scan(&fk.ColumnName, &fk.ReferencedTable, &referenced, &id, &seq); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		fk.ReferencedColumn = referenced.String
		fk.ConstraintName = fmt.Sprintf("fk_%s_%d", table, id)
		fk.OrdinalPosition = seq + 1
		foreignKeys = append(foreignKeys, fk)
	}

	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return foreignKeys, nil
}
