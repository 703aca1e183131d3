package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"

	apperrors "github.com/qcollector/backend/pkg/errors"
)

// Executor interface for db/tx flexibility
type Executor interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// MySQL/TiDB error codes the migration system cares about
const (
	mysqlErrDupFieldName   = 1060 // Duplicate column name
	mysqlErrBadField       = 1054 // Unknown column
	mysqlErrCantDropField  = 1091 // Can't DROP; column doesn't exist
	mysqlErrTableNotFound  = 1146 // Table doesn't exist
	mysqlErrAccessDenied   = 1142 // Command denied to user
	mysqlErrLockDeadlock   = 1213 // Deadlock found when trying to get lock
	mysqlErrLockWait       = 1205 // Lock wait timeout exceeded
	mysqlErrServerGone     = 2006 // MySQL server has gone away
	mysqlErrConnLost       = 2013 // Lost connection during query
	mysqlErrTruncatedWrong = 1366 // Incorrect value for column (cast failure)
	mysqlErrDataTooLong    = 1406 // Data too long for column
)

// ClassifyDBError maps a raw driver error onto the application error
// taxonomy. Transient failures (deadlock, lost connection) become retryable
// TransientErrors; everything else surfaces as-is or as a typed error.
func ClassifyDBError(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, driver.ErrBadConn) {
		return apperrors.NewTransientError(op, err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrLockDeadlock, mysqlErrLockWait, mysqlErrServerGone, mysqlErrConnLost:
			return apperrors.NewTransientError(op, err)
		case mysqlErrDupFieldName:
			return apperrors.NewConflictError("column", "name", extractQuoted(myErr.Message))
		case mysqlErrBadField, mysqlErrCantDropField:
			return apperrors.NewNotFoundError("column", extractQuoted(myErr.Message))
		case mysqlErrTableNotFound:
			return apperrors.NewNotFoundError("table", extractQuoted(myErr.Message))
		case mysqlErrAccessDenied:
			return apperrors.NewPermissionError(op, "database")
		case mysqlErrTruncatedWrong, mysqlErrDataTooLong:
			return apperrors.NewValidationError("value", myErr.Message)
		}
	}

	// Fallback for drivers/proxies that flatten the error into a string
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "deadlock") || strings.Contains(msg, "lock wait timeout") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "broken pipe") {
		return apperrors.NewTransientError(op, err)
	}

	return err
}

// extractQuoted pulls the first 'quoted' token out of a MySQL error message,
// e.g. "Duplicate column name 'email_a1b2c3'" -> "email_a1b2c3"
func extractQuoted(msg string) string {
	start := strings.IndexByte(msg, '\'')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(msg[start+1:], '\'')
	if end < 0 {
		return ""
	}
	return msg[start+1 : start+1+end]
}
