package persistence

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/qcollector/backend/pkg/errors"
)

func TestWithTransactionCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	tm := NewTransactionManager(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE forms").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = tm.WithTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE forms SET title = 'x'")
		return err
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryRecoversFromDeadlock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	tm := NewTransactionManager(db)
	deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}

	// first attempt deadlocks and rolls back, second goes through
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").WillReturnError(deadlock)
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	attempts := 0
	err = tm.WithRetry(func(tx *sql.Tx) error {
		attempts++
		_, err := tx.Exec("INSERT INTO form_fields VALUES (1)")
		return err
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryDoesNotRetryTerminalErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	tm := NewTransactionManager(db)

	mock.ExpectBegin()
	mock.ExpectRollback()

	attempts := 0
	err = tm.WithRetry(func(tx *sql.Tx) error {
		attempts++
		return apperrors.NewValidationError("field", "bad field list")
	}, 3)
	assert.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, 1, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryGivesUpAfterBudget(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	tm := NewTransactionManager(db)
	deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO").WillReturnError(deadlock)
		mock.ExpectRollback()
	}

	err = tm.WithRetry(func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO form_fields VALUES (1)")
		return err
	}, 2)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.NoError(t, mock.ExpectationsWereMet())
}
