package dbexec

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryMaterializesRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT \\* FROM customers").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), []byte("Ada")).
			AddRow(int64(2), nil))

	result, err := Query(t.Context(), NewStandardExecutor(db), "SELECT * FROM customers")
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name"}, result.Columns)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, "Ada", result.Rows[0]["name"])
	assert.Nil(t, result.Rows[1]["name"])
	assert.Equal(t, []any{int64(1), "Ada"}, result.Rows[0].Values(result.Columns))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryClassifiesMySQLError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT p.title").
		WillReturnError(&mysql.MySQLError{Number: 1054, Message: "Unknown column 'p.title' in 'field list'"})

	_, err = Query(t.Context(), NewStandardExecutor(db), "SELECT p.title FROM projects p")
	require.Error(t, err)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "1054", execErr.Code)
	assert.Equal(t, "Unknown column 'p.title' in 'field list'", execErr.Message)
	assert.Equal(t, "SELECT p.title FROM projects p", execErr.SQL)
}

func TestClassifyPostgresError(t *testing.T) {
	err := Classify("SELECT nope FROM t", &pgconn.PgError{Code: "42703", Message: `column "nope" does not exist`})

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "42703", execErr.Code)
	assert.Equal(t, `column "nope" does not exist`, execErr.Message)
}

func TestClassifyKeepsExistingExecutionError(t *testing.T) {
	original := &ExecutionError{SQL: "SELECT 1", Message: "boom"}
	assert.Same(t, original, Classify("SELECT 2", original))
	assert.Nil(t, Classify("SELECT 1", nil))
}

func TestExecReportsRowsAffected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE customers").WillReturnResult(sqlmock.NewResult(0, 3))

	result, err := Exec(t.Context(), NewStandardExecutor(db), "UPDATE customers SET name = 'x'")
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.RowsAffected)
	assert.Empty(t, result.Rows)
}

func TestStandardExecutorWithoutDB(t *testing.T) {
	exec := NewStandardExecutor(nil)
	_, err := exec.QueryContext(context.Background(), "SELECT 1")
	assert.Error(t, err)
	_, err = exec.ExecContext(context.Background(), "SELECT 1")
	assert.Error(t, err)
}

func TestWithStatementTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	base := NewStandardExecutor(db)
	assert.Same(t, QueryExecutor(base), WithStatementTimeout(base, 0))

	bounded := WithStatementTimeout(base, time.Second)
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	result, err := Query(t.Context(), bounded, "SELECT 1")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "5", KeyString(int64(5)))
	assert.Equal(t, "5", KeyString([]byte("5")))
	assert.Equal(t, "5", KeyString("5"))
	assert.Equal(t, "", KeyString(nil))
	assert.Equal(t, "1000000", KeyString(float64(1000000)))
	assert.Equal(t, KeyString(int64(9007199254740993)), KeyString(json.Number("9007199254740993")))
	assert.Equal(t, "12.5", KeyString(float64(12.5)))
}

func TestNormalizeJSONRows(t *testing.T) {
	var rows []Row
	dec := json.NewDecoder(strings.NewReader(`[{"id":9007199254740993,"total":12.5,"name":"Ada","gone":null}]`))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&rows))

	NormalizeJSONRows(rows)
	assert.Equal(t, Row{"id": int64(9007199254740993), "total": 12.5, "name": "Ada", "gone": nil}, rows[0])
}
