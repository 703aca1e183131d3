package persistence

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcollector/backend/internal/domain/migration"
	apperrors "github.com/qcollector/backend/pkg/errors"
)

func TestSnapshotColumn(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewBackupRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("CAST(`email_d4e5f6` AS CHAR) FROM `form_contact_a1b2c3`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "value"}).
			AddRow("row-1", "a@example.com").
			AddRow("row-2", nil).
			AddRow("row-3", "c@example.com"))
	mock.ExpectCommit()

	snapshot, err := repo.SnapshotColumn(context.Background(), "form_contact_a1b2c3", "email_d4e5f6")
	require.NoError(t, err)
	require.Len(t, snapshot, 3)
	assert.Equal(t, "a@example.com", snapshot[0].Value)
	assert.Nil(t, snapshot[1].Value)
	assert.Equal(t, "row-3", snapshot[2].RowID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotColumnEmptyTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewBackupRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM `form_contact_a1b2c3`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "value"}))
	mock.ExpectCommit()

	snapshot, err := repo.SnapshotColumn(context.Background(), "form_contact_a1b2c3", "email_d4e5f6")
	require.NoError(t, err)
	assert.NotNil(t, snapshot)
	assert.Len(t, snapshot, 0)
}

func TestBackupGetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewBackupRepository(db)

	retention := time.Now().Add(90 * 24 * time.Hour)
	rows := sqlmock.NewRows([]string{
		"id", "form_id", "table_name", "column_name", "backup_type",
		"data_snapshot", "record_count", "retention_until", "created_at",
	}).AddRow("backup-1", "form-1", "form_contact_a1b2c3", "email_d4e5f6", "AUTO_DELETE",
		`[{"row_id":"row-1","value":"a@example.com"},{"row_id":"row-2","value":null}]`,
		2, retention, time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("FROM "+TableBackups)).
		WithArgs("backup-1").WillReturnRows(rows)

	b, err := repo.GetByID(context.Background(), "backup-1")
	require.NoError(t, err)
	assert.Equal(t, migration.BackupAutoDelete, b.Type)
	require.Len(t, b.Snapshot, 2)
	assert.Equal(t, "a@example.com", b.Snapshot[0].Value)
	assert.Nil(t, b.Snapshot[1].Value)
	assert.False(t, b.Expired(time.Now()))
	assert.True(t, b.Expired(retention.Add(time.Second)))
}

func TestBackupListByFormBadFilter(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewBackupRepository(db)

	_, err = repo.ListByForm(context.Background(), "form-1", "bogus")
	assert.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestRestoreColumn(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewBackupRepository(db)

	snapshot := []migration.RowValue{
		{RowID: "row-1", Value: "a@example.com"},
		{RowID: "row-2", Value: nil},
		{RowID: "row-3", Value: "c@example.com"},
	}

	// row-3 was deleted since the backup was taken
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `form_contact_a1b2c3`")).
		WithArgs("row-1", "row-2", "row-3").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta("SET `email_d4e5f6` = CASE `id`")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	restored, err := repo.RestoreColumn(context.Background(), "form_contact_a1b2c3", "email_d4e5f6", snapshot)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreColumnBatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewBackupRepository(db)

	snapshot := make([]migration.RowValue, RestoreBatchSize+1)
	for i := range snapshot {
		snapshot[i] = migration.RowValue{RowID: "row", Value: "v"}
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(RestoreBatchSize))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `form_contact_a1b2c3`")).
		WillReturnResult(sqlmock.NewResult(0, int64(RestoreBatchSize)))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `form_contact_a1b2c3`")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	restored, err := repo.RestoreColumn(context.Background(), "form_contact_a1b2c3", "email_d4e5f6", snapshot)
	require.NoError(t, err)
	assert.Equal(t, RestoreBatchSize+1, restored)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewBackupRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM "+TableBackups)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 7))

	deleted, err := repo.DeleteExpired(context.Background(), time.Now())
	assert.NoError(t, err)
	assert.Equal(t, int64(7), deleted)
}
