package dbexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Row is one result row keyed by column name.
type Row map[string]any

// ResultSet is a fully materialized statement result.
type ResultSet struct {
	Columns      []string `json:"columns"`
	Rows         []Row    `json:"rows"`
	RowsAffected int64    `json:"rows_affected,omitempty"`
}

// Query runs a row-returning statement and materializes every row.
// Engine failures are returned as *ExecutionError.
func Query(ctx context.Context, exec QueryExecutor, sqlText string, args ...any) (*ResultSet, error) {
	rows, err := exec.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, Classify(sqlText, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, Classify(sqlText, err)
	}

	result := &ResultSet{Columns: columns, Rows: []Row{}}
	values := make([]any, len(columns))
	scanTargets := make([]any, len(columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, Classify(sqlText, err)
		}
		row := make(Row, len(columns))
		for i, name := range columns {
			row[name] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(sqlText, err)
	}
	return result, nil
}

// Exec runs a statement that does not return rows.
func Exec(ctx context.Context, exec QueryExecutor, sqlText string, args ...any) (*ResultSet, error) {
	res, err := exec.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return nil, Classify(sqlText, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return &ResultSet{Columns: []string{}, Rows: []Row{}, RowsAffected: affected}, nil
}

// Values returns the row's values in column order.
func (r Row) Values(columns []string) []any {
	values := make([]any, len(columns))
	for i, name := range columns {
		values[i] = r[name]
	}
	return values
}

// normalizeValue converts driver byte slices to strings so rows serialize
// cleanly and compare by value.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case []byte:
		return string(v)
	default:
		return v
	}
}

// FromJSON converts a value decoded with json.Decoder.UseNumber to what a
// driver would return: integral numbers become int64, others float64.
func FromJSON(value any) any {
	n, ok := value.(json.Number)
	if !ok {
		return value
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// NormalizeJSONRows applies FromJSON to every value of rows in place.
func NormalizeJSONRows(rows []Row) {
	for _, row := range rows {
		for k, v := range row {
			row[k] = FromJSON(v)
		}
	}
}

// KeyString renders a key value for map lookups across driver types
// (int64 from one query, []byte or float64 from another must collide).
func KeyString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case []byte:
		return string(v)
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}
