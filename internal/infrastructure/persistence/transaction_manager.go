package persistence

import (
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/qcollector/backend/pkg/errors"
)

// TransactionManager wraps multi-statement writes in a transaction, with
// optional retry for transient lock errors
type TransactionManager struct {
	db *sql.DB
}

// NewTransactionManager creates a new TransactionManager
func NewTransactionManager(db *sql.DB) *TransactionManager {
	return &TransactionManager{db: db}
}

// WithTransaction runs fn inside a transaction. The transaction commits when
// fn returns nil and rolls back when it returns an error or panics.
func (tm *TransactionManager) WithTransaction(fn func(tx *sql.Tx) error) error {
	tx, err := tm.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed: %w (rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithRetry runs fn inside a transaction, retrying up to maxRetries times when
// the failure is transient (deadlock, lock wait timeout, lost connection).
// fn must be safe to re-run from scratch; any other error returns immediately.
func (tm *TransactionManager) WithRetry(fn func(tx *sql.Tx) error, maxRetries int) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := tm.WithTransaction(fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if attempt < maxRetries-1 {
			time.Sleep(time.Millisecond * time.Duration(100*(1<<uint(attempt))))
		}
	}

	return fmt.Errorf("transaction failed after %d retries: %w", maxRetries, lastErr)
}

// isRetryable classifies the error the same way the repositories do, so a raw
// driver error and an already-wrapped TransientError both count
func isRetryable(err error) bool {
	return apperrors.IsTransient(ClassifyDBError("transaction", err))
}
