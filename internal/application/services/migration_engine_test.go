package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcollector/backend/internal/domain/migration"
	apperrors "github.com/qcollector/backend/pkg/errors"
)

func newTestEngine() (*MigrationEngine, *fakeSchema, *fakeHistory, *fakeBackups) {
	schema := newFakeSchema()
	history := &fakeHistory{}
	backups := &fakeBackups{}
	engine := NewMigrationEngine(schema, history, backups, newFakeForms(), NewEventBus())
	return engine, schema, history, backups
}

func TestExecuteAddColumn(t *testing.T) {
	engine, schema, history, _ := newTestEngine()

	op := migration.Operation{
		Type:       migration.AddColumn,
		FieldID:    "field-1",
		TableName:  "form_contact_a1b2c3",
		ColumnName: "email_d4e5f6",
		NewType:    "email",
	}

	recID, err := engine.Execute(context.Background(), "form-1", op, "user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, recID)

	exists, _ := schema.ColumnExists(context.Background(), op.TableName, op.ColumnName)
	assert.True(t, exists)

	rec := history.last()
	assert.True(t, rec.Success)
	assert.Equal(t, migration.AddColumn, rec.Type)
	assert.Contains(t, rec.ForwardSQL, "ADD COLUMN `email_d4e5f6` VARCHAR(255)")
	require.NotNil(t, rec.RollbackSQL)
	assert.Contains(t, *rec.RollbackSQL, "DROP COLUMN `email_d4e5f6`")
}

func TestExecuteAddColumnConflict(t *testing.T) {
	engine, schema, history, _ := newTestEngine()
	schema.addColumnWithValues("form_contact_a1b2c3", "email_d4e5f6", "VARCHAR(255)")

	op := migration.Operation{
		Type:       migration.AddColumn,
		FieldID:    "field-1",
		TableName:  "form_contact_a1b2c3",
		ColumnName: "email_d4e5f6",
		NewType:    "email",
	}

	_, err := engine.Execute(context.Background(), "form-1", op, "user-1")
	assert.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	// the failure is recorded, never claimed as success
	rec := history.last()
	assert.False(t, rec.Success)
	require.NotNil(t, rec.ErrorMessage)
}

func TestExecuteDropColumnWithBackup(t *testing.T) {
	engine, schema, history, backups := newTestEngine()
	schema.addColumnWithValues("form_contact_a1b2c3", "notes_d4e5f6", "TEXT",
		migration.RowValue{RowID: "1", Value: "x"})

	op := migration.Operation{
		Type:       migration.DropColumn,
		FieldID:    "field-1",
		TableName:  "form_contact_a1b2c3",
		ColumnName: "notes_d4e5f6",
		OldType:    "paragraph",
		Backup:     true,
	}

	_, err := engine.Execute(context.Background(), "form-1", op, "user-1")
	require.NoError(t, err)

	exists, _ := schema.ColumnExists(context.Background(), op.TableName, op.ColumnName)
	assert.False(t, exists)

	require.Len(t, backups.created, 1)
	assert.Equal(t, migration.BackupAutoDelete, backups.created[0].Type)

	rec := history.last()
	require.NotNil(t, rec.BackupID)
	assert.Equal(t, backups.created[0].ID, *rec.BackupID)
	require.NotNil(t, rec.RollbackSQL)
	assert.Contains(t, *rec.RollbackSQL, "ADD COLUMN `notes_d4e5f6` TEXT")
}

func TestExecuteDropBackupFailureBlocksDDL(t *testing.T) {
	engine, schema, _, backups := newTestEngine()
	schema.addColumnWithValues("form_contact_a1b2c3", "notes_d4e5f6", "TEXT")
	backups.fail = errors.New("snapshot failed")

	op := migration.Operation{
		Type:       migration.DropColumn,
		TableName:  "form_contact_a1b2c3",
		ColumnName: "notes_d4e5f6",
		Backup:     true,
	}

	_, err := engine.Execute(context.Background(), "form-1", op, "user-1")
	assert.Error(t, err)

	// the column survives; no DDL ran without its backup
	exists, _ := schema.ColumnExists(context.Background(), op.TableName, op.ColumnName)
	assert.True(t, exists)
}

func TestExecuteModifyRejectsBadData(t *testing.T) {
	engine, schema, history, _ := newTestEngine()
	schema.addColumnWithValues("form_contact_a1b2c3", "n_d4e5f6", "TEXT",
		migration.RowValue{RowID: "1", Value: "10"},
		migration.RowValue{RowID: "2", Value: "20"},
		migration.RowValue{RowID: "3", Value: "abc"},
	)

	op := migration.Operation{
		Type:       migration.ModifyColumn,
		TableName:  "form_contact_a1b2c3",
		ColumnName: "n_d4e5f6",
		OldType:    "paragraph",
		NewType:    "number",
		Backup:     true,
	}

	_, err := engine.Execute(context.Background(), "form-1", op, "user-1")
	assert.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	// physical type unchanged, failure recorded
	physical, _ := schema.GetColumnType(context.Background(), op.TableName, op.ColumnName)
	assert.Equal(t, "TEXT", physical)
	rec := history.last()
	assert.False(t, rec.Success)
}

func TestExecuteModifyValidData(t *testing.T) {
	engine, schema, history, backups := newTestEngine()
	schema.addColumnWithValues("form_contact_a1b2c3", "n_d4e5f6", "TEXT",
		migration.RowValue{RowID: "1", Value: "10"},
		migration.RowValue{RowID: "2", Value: nil},
	)

	op := migration.Operation{
		Type:       migration.ModifyColumn,
		TableName:  "form_contact_a1b2c3",
		ColumnName: "n_d4e5f6",
		OldType:    "paragraph",
		NewType:    "number",
		Backup:     true,
	}

	_, err := engine.Execute(context.Background(), "form-1", op, "user-1")
	require.NoError(t, err)

	physical, _ := schema.GetColumnType(context.Background(), op.TableName, op.ColumnName)
	assert.Equal(t, "DECIMAL(65,30)", physical)

	require.Len(t, backups.created, 1)
	assert.Equal(t, migration.BackupAutoModify, backups.created[0].Type)

	rec := history.last()
	assert.True(t, rec.Success)
	require.NotNil(t, rec.RollbackSQL)
	assert.Contains(t, *rec.RollbackSQL, "MODIFY COLUMN `n_d4e5f6` TEXT")
}

func TestExecuteRename(t *testing.T) {
	engine, schema, history, _ := newTestEngine()
	schema.addColumnWithValues("form_contact_a1b2c3", "email_d4e5f6", "VARCHAR(255)")

	op := migration.Operation{
		Type:          migration.RenameColumn,
		TableName:     "form_contact_a1b2c3",
		ColumnName:    "email_d4e5f6",
		NewColumnName: "work_email_d4e5f6",
	}

	_, err := engine.Execute(context.Background(), "form-1", op, "user-1")
	require.NoError(t, err)

	exists, _ := schema.ColumnExists(context.Background(), op.TableName, "work_email_d4e5f6")
	assert.True(t, exists)

	rec := history.last()
	require.NotNil(t, rec.RollbackSQL)
	assert.Contains(t, *rec.RollbackSQL, "RENAME COLUMN `work_email_d4e5f6` TO `email_d4e5f6`")
}

func TestCompensationOnHistoryFailure(t *testing.T) {
	engine, schema, history, _ := newTestEngine()
	history.failInsert = errors.New("history table unavailable")

	op := migration.Operation{
		Type:       migration.AddColumn,
		TableName:  "form_contact_a1b2c3",
		ColumnName: "email_d4e5f6",
		NewType:    "email",
	}

	_, err := engine.Execute(context.Background(), "form-1", op, "user-1")
	assert.Error(t, err)

	// the DDL was reversed when the history append failed
	exists, _ := schema.ColumnExists(context.Background(), op.TableName, op.ColumnName)
	assert.False(t, exists)
}

// ==================== Rollback planning ====================

func TestPrepareRollbackOfAdd(t *testing.T) {
	engine, schema, _, _ := newTestEngine()

	op := migration.Operation{
		Type:       migration.AddColumn,
		FieldID:    "field-1",
		TableName:  "form_contact_a1b2c3",
		ColumnName: "email_d4e5f6",
		NewType:    "email",
	}
	recID, err := engine.Execute(context.Background(), "form-1", op, "user-1")
	require.NoError(t, err)

	reverse, formID, err := engine.PrepareRollback(context.Background(), recID)
	require.NoError(t, err)
	assert.Equal(t, "form-1", formID)
	assert.Equal(t, migration.DropColumn, reverse.Type)
	assert.Equal(t, "email_d4e5f6", reverse.ColumnName)
	assert.Equal(t, recID, reverse.RollbackOf)
	assert.True(t, reverse.Backup)

	// executing the reverse op appends a linked record and drops the column
	rbID, err := engine.Execute(context.Background(), formID, *reverse, "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, recID, rbID)
	exists, _ := schema.ColumnExists(context.Background(), op.TableName, op.ColumnName)
	assert.False(t, exists)
}

func TestPrepareRollbackTwiceFails(t *testing.T) {
	engine, _, _, _ := newTestEngine()

	op := migration.Operation{
		Type:       migration.AddColumn,
		TableName:  "form_contact_a1b2c3",
		ColumnName: "email_d4e5f6",
		NewType:    "email",
	}
	recID, err := engine.Execute(context.Background(), "form-1", op, "user-1")
	require.NoError(t, err)

	reverse, formID, err := engine.PrepareRollback(context.Background(), recID)
	require.NoError(t, err)
	_, err = engine.Execute(context.Background(), formID, *reverse, "user-1")
	require.NoError(t, err)

	_, _, err = engine.PrepareRollback(context.Background(), recID)
	assert.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestPrepareRollbackOfRollbackFails(t *testing.T) {
	engine, _, history, _ := newTestEngine()

	op := migration.Operation{
		Type:       migration.AddColumn,
		TableName:  "form_contact_a1b2c3",
		ColumnName: "email_d4e5f6",
		NewType:    "email",
	}
	recID, err := engine.Execute(context.Background(), "form-1", op, "user-1")
	require.NoError(t, err)

	reverse, formID, err := engine.PrepareRollback(context.Background(), recID)
	require.NoError(t, err)
	_, err = engine.Execute(context.Background(), formID, *reverse, "user-1")
	require.NoError(t, err)

	rollbackRec := history.last()
	_, _, err = engine.PrepareRollback(context.Background(), rollbackRec.ID)
	assert.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestPrepareRollbackAddBlockedWhileFieldLive(t *testing.T) {
	schema := newFakeSchema()
	history := &fakeHistory{}
	forms := newFakeForms()
	engine := NewMigrationEngine(schema, history, &fakeBackups{}, forms, NewEventBus())

	op := migration.Operation{
		Type:       migration.AddColumn,
		FieldID:    "field-live",
		TableName:  "form_contact_a1b2c3",
		ColumnName: "email_d4e5f6",
		NewType:    "email",
	}
	recID, err := engine.Execute(context.Background(), "form-1", op, "user-1")
	require.NoError(t, err)

	// the form still carries the field whose add would be reversed
	forms.put(testForm(migration.FieldDescriptor{
		ID: "field-live", Title: "Email", Type: "email", ColumnName: "email_d4e5f6",
	}))

	_, _, err = engine.PrepareRollback(context.Background(), recID)
	assert.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Contains(t, err.Error(), "still present")

	// column untouched: nothing was planned, nothing was dropped
	exists, _ := schema.ColumnExists(context.Background(), op.TableName, op.ColumnName)
	assert.True(t, exists)

	// once the field is removed from the form the rollback goes through
	forms.put(testForm())
	reverse, _, err := engine.PrepareRollback(context.Background(), recID)
	require.NoError(t, err)
	assert.Equal(t, migration.DropColumn, reverse.Type)
}

func TestRollbackReusesRecordedPhysicalType(t *testing.T) {
	engine, schema, history, _ := newTestEngine()
	// INFORMATION_SCHEMA reports lowercase; the rollback must not re-derive
	// the type from the logical mapping
	schema.addColumnWithValues("form_contact_a1b2c3", "email_d4e5f6", "varchar(255)")

	op := migration.Operation{
		Type:       migration.DropColumn,
		FieldID:    "field-1",
		TableName:  "form_contact_a1b2c3",
		ColumnName: "email_d4e5f6",
		OldType:    "email",
		Backup:     true,
	}
	recID, err := engine.Execute(context.Background(), "form-1", op, "user-1")
	require.NoError(t, err)
	original, err := history.GetByID(context.Background(), recID)
	require.NoError(t, err)

	reverse, formID, err := engine.PrepareRollback(context.Background(), recID)
	require.NoError(t, err)
	assert.Equal(t, "varchar(255)", reverse.PhysicalType)

	_, err = engine.Execute(context.Background(), formID, *reverse, "user-1")
	require.NoError(t, err)

	// the new record's forward SQL is exactly the original's rollback SQL
	rollback := history.last()
	require.NotNil(t, original.RollbackSQL)
	assert.Equal(t, *original.RollbackSQL, rollback.ForwardSQL)

	physical, _ := schema.GetColumnType(context.Background(), op.TableName, op.ColumnName)
	assert.Equal(t, "varchar(255)", physical)
}

func TestPrepareRollbackFieldStillPresent(t *testing.T) {
	engine, schema, _, _ := newTestEngine()
	schema.addColumnWithValues("form_contact_a1b2c3", "notes_d4e5f6", "TEXT")

	op := migration.Operation{
		Type:       migration.DropColumn,
		TableName:  "form_contact_a1b2c3",
		ColumnName: "notes_d4e5f6",
		OldType:    "paragraph",
		Backup:     true,
	}
	recID, err := engine.Execute(context.Background(), "form-1", op, "user-1")
	require.NoError(t, err)

	// the column is manually recreated before the rollback
	require.NoError(t, schema.AddColumn(context.Background(), "form_contact_a1b2c3", "notes_d4e5f6", "TEXT"))

	_, _, err = engine.PrepareRollback(context.Background(), recID)
	assert.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

// ==================== Preview ====================

func TestPreviewIsPure(t *testing.T) {
	engine, schema, history, backups := newTestEngine()
	field := migration.FieldDescriptor{ID: "a", Title: "Email", Type: "email", DisplayOrder: 0}
	field.ColumnName = ResolveColumnName(field)
	form := testForm(field)
	schema.addColumnWithValues(form.TableName, field.ColumnName, "VARCHAR(255)")

	newField := migration.FieldDescriptor{ID: "b", Title: "Age", Type: "number", DisplayOrder: 1}
	previews, err := engine.Preview(context.Background(), form, []migration.FieldDescriptor{field, newField})
	require.NoError(t, err)
	require.Len(t, previews, 1)

	assert.Equal(t, migration.AddColumn, previews[0].Type)
	assert.True(t, previews[0].Valid)
	assert.Contains(t, previews[0].ForwardSQL, "ADD COLUMN")

	// nothing was mutated
	assert.Empty(t, history.records)
	assert.Empty(t, backups.created)
	exists, _ := schema.ColumnExists(context.Background(), form.TableName, previews[0].ColumnName)
	assert.False(t, exists)
}

func TestPreviewFlagsForbiddenConversion(t *testing.T) {
	engine, schema, _, _ := newTestEngine()
	field := migration.FieldDescriptor{ID: "a", Title: "Pin", Type: "lat_long", DisplayOrder: 0}
	field.ColumnName = ResolveColumnName(field)
	form := testForm(field)
	schema.addColumnWithValues(form.TableName, field.ColumnName, "JSON")

	changed := field
	changed.Type = "number"
	previews, err := engine.Preview(context.Background(), form, []migration.FieldDescriptor{changed})
	require.NoError(t, err)
	require.Len(t, previews, 1)
	assert.False(t, previews[0].Valid)
	assert.NotEmpty(t, previews[0].Warnings)
}
