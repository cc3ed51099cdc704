package dbexec

import (
	"errors"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
)

// ExecutionError reports SQL rejected by the engine. It always carries the
// statement that was attempted so failures are reproducible.
type ExecutionError struct {
	SQL     string
	Code    string
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	return e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Classify wraps err as an *ExecutionError, extracting driver error codes
// for MySQL, PostgreSQL and SQLite. Existing execution errors pass through.
func Classify(sqlText string, err error) error {
	if err == nil {
		return nil
	}
	var existing *ExecutionError
	if errors.As(err, &existing) {
		return err
	}

	execErr := &ExecutionError{SQL: sqlText, Message: err.Error(), Err: err}

	var mysqlErr *mysql.MySQLError
	var pgErr *pgconn.PgError
	var sqliteErr *sqlite.Error
	switch {
	case errors.As(err, &mysqlErr):
		execErr.Code = strconv.Itoa(int(mysqlErr.Number))
		execErr.Message = mysqlErr.Message
	case errors.As(err, &pgErr):
		execErr.Code = pgErr.Code
		execErr.Message = pgErr.Message
	case errors.As(err, &sqliteErr):
		execErr.Code = strconv.Itoa(sqliteErr.Code())
	}
	return execErr
}
