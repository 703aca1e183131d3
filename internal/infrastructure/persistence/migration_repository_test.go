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

func migrationRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "form_id", "field_id", "migration_type", "table_name", "column_name",
		"old_value", "new_value", "forward_sql", "rollback_sql", "success", "error_message",
		"backup_id", "executed_by", "rollback_of", "created_at",
	})
}

func TestMigrationInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewMigrationRepository(db)

	rollbackSQL := "ALTER TABLE `form_contact_a1b2c3` DROP COLUMN `email_d4e5f6`"
	rec := &migration.Record{
		ID:         "mig-1",
		FormID:     "form-1",
		FieldID:    "field-1",
		Type:       migration.AddColumn,
		TableName:  "form_contact_a1b2c3",
		ColumnName: "email_d4e5f6",
		NewValue: &migration.ColumnDescriptor{
			ColumnName:   "email_d4e5f6",
			LogicalType:  "email",
			PhysicalType: "VARCHAR(255)",
		},
		ForwardSQL:  "ALTER TABLE `form_contact_a1b2c3` ADD COLUMN `email_d4e5f6` VARCHAR(255)",
		RollbackSQL: &rollbackSQL,
		Success:     true,
		ExecutedBy:  "user-1",
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO "+TableMigrations)).
		WithArgs(rec.ID, rec.FormID, rec.FieldID, "ADD_COLUMN", rec.TableName, rec.ColumnName,
			sqlmock.AnyArg(), sqlmock.AnyArg(), rec.ForwardSQL, rec.RollbackSQL, true, nil,
			nil, rec.ExecutedBy, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.Insert(context.Background(), nil, rec)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationGetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewMigrationRepository(db)

	rows := migrationRows().AddRow(
		"mig-1", "form-1", "field-1", "MODIFY_COLUMN", "form_contact_a1b2c3", "age_d4e5f6",
		`{"column_name":"age_d4e5f6","logical_type":"short_answer","physical_type":"VARCHAR(255)"}`,
		`{"column_name":"age_d4e5f6","logical_type":"number","physical_type":"DECIMAL(65,30)"}`,
		"ALTER TABLE `form_contact_a1b2c3` MODIFY COLUMN `age_d4e5f6` DECIMAL(65,30)",
		"ALTER TABLE `form_contact_a1b2c3` MODIFY COLUMN `age_d4e5f6` VARCHAR(255)",
		true, nil, "backup-1", "user-1", nil, time.Now(),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM "+TableMigrations)).
		WithArgs("mig-1").WillReturnRows(rows)

	rec, err := repo.GetByID(context.Background(), "mig-1")
	require.NoError(t, err)
	assert.Equal(t, migration.ModifyColumn, rec.Type)
	require.NotNil(t, rec.OldValue)
	assert.Equal(t, "VARCHAR(255)", rec.OldValue.PhysicalType)
	require.NotNil(t, rec.NewValue)
	assert.Equal(t, "DECIMAL(65,30)", rec.NewValue.PhysicalType)
	require.NotNil(t, rec.BackupID)
	assert.Equal(t, "backup-1", *rec.BackupID)
}

func TestMigrationGetByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewMigrationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM "+TableMigrations)).
		WithArgs("nope").WillReturnRows(migrationRows())

	_, err = repo.GetByID(context.Background(), "nope")
	assert.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMigrationListByForm(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewMigrationRepository(db)

	rows := migrationRows().
		AddRow("mig-2", "form-1", "field-2", "DROP_COLUMN", "form_contact_a1b2c3", "phone_f6e5d4",
			nil, nil, "ALTER TABLE `form_contact_a1b2c3` DROP COLUMN `phone_f6e5d4`", nil,
			true, nil, "backup-2", "user-1", nil, time.Now()).
		AddRow("mig-1", "form-1", "field-1", "ADD_COLUMN", "form_contact_a1b2c3", "email_d4e5f6",
			nil, nil, "ALTER TABLE `form_contact_a1b2c3` ADD COLUMN `email_d4e5f6` VARCHAR(255)", nil,
			true, nil, nil, "user-1", nil, time.Now().Add(-time.Hour))

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC")).
		WithArgs("form-1", 50, 0).WillReturnRows(rows)

	records, err := repo.ListByForm(context.Background(), "form-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "mig-2", records[0].ID)
	assert.Equal(t, "mig-1", records[1].ID)
	assert.Nil(t, records[1].BackupID)
}

func TestHasSuccessfulRollback(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewMigrationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("rollback_of = ? AND success = 1")).
		WithArgs("mig-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	done, err := repo.HasSuccessfulRollback(context.Background(), "mig-1")
	assert.NoError(t, err)
	assert.True(t, done)
}
