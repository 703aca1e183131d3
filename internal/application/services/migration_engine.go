package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/qcollector/backend/internal/domain/migration"
	"github.com/qcollector/backend/internal/infrastructure/persistence"
	apperrors "github.com/qcollector/backend/pkg/errors"
	"github.com/qcollector/backend/pkg/fieldtypes"
)

// SchemaOps is the DDL surface the engine drives
type SchemaOps interface {
	ColumnExists(ctx context.Context, tableName, columnName string) (bool, error)
	GetColumnType(ctx context.Context, tableName, columnName string) (string, error)
	CountRows(ctx context.Context, tableName string) (int64, error)
	AddColumn(ctx context.Context, tableName, columnName, physicalType string) error
	DropColumn(ctx context.Context, tableName, columnName string) error
	RenameColumn(ctx context.Context, tableName, oldColumn, newColumn string) error
	ModifyColumnType(ctx context.Context, tableName, columnName, physicalType string) error
	ScanColumnValues(ctx context.Context, tableName, columnName string, fn func(rowID, value string) error) error
}

// HistoryStore is the append-only migration history surface
type HistoryStore interface {
	Insert(ctx context.Context, exec persistence.Executor, rec *migration.Record) error
	GetByID(ctx context.Context, id string) (*migration.Record, error)
	ListByForm(ctx context.Context, formID string, limit, offset int) ([]migration.Record, error)
	HasSuccessfulRollback(ctx context.Context, migrationID string) (bool, error)
}

// BackupCreator snapshots a column before a destructive operation
type BackupCreator interface {
	CreateBackup(ctx context.Context, formID, tableName, columnName string, backupType migration.BackupType) (*migration.Backup, error)
}

// FormReader loads the current field list of a form. Rollback planning reads
// it so a live field's column is never dropped out from under the form.
type FormReader interface {
	GetForm(ctx context.Context, formID string) (*migration.Form, error)
}

// MigrationEngine executes primitive schema operations against dynamic form
// tables and documents each one in the history. DDL auto-commits on
// MySQL/TiDB, so the engine pairs every DDL statement with a history append
// and compensates by reversing the DDL if the append fails. Backups for
// destructive operations are committed before the DDL begins.
type MigrationEngine struct {
	schema   SchemaOps
	history  HistoryStore
	backups  BackupCreator
	forms    FormReader
	detector *ChangeDetector
	guard    *DDLGuard
	bus      *EventBus
}

// NewMigrationEngine creates a new MigrationEngine
func NewMigrationEngine(schema SchemaOps, history HistoryStore, backups BackupCreator, forms FormReader, bus *EventBus) *MigrationEngine {
	return &MigrationEngine{
		schema:   schema,
		history:  history,
		backups:  backups,
		forms:    forms,
		detector: NewChangeDetector(),
		guard:    NewDDLGuard(),
		bus:      bus,
	}
}

// Detector exposes the engine's change detector for planning
func (e *MigrationEngine) Detector() *ChangeDetector {
	return e.detector
}

// ==================== Execution ====================

// Execute runs one planned operation and appends its history record.
// Returns the new record's identity.
func (e *MigrationEngine) Execute(ctx context.Context, formID string, op migration.Operation, executedBy string) (string, error) {
	switch op.Type {
	case migration.AddColumn:
		return e.executeAdd(ctx, formID, op, executedBy)
	case migration.DropColumn:
		return e.executeDrop(ctx, formID, op, executedBy)
	case migration.RenameColumn:
		return e.executeRename(ctx, formID, op, executedBy)
	case migration.ModifyColumn:
		return e.executeModify(ctx, formID, op, executedBy)
	}
	return "", apperrors.NewValidationError("operation", fmt.Sprintf("unknown migration type '%s'", op.Type))
}

func (e *MigrationEngine) executeAdd(ctx context.Context, formID string, op migration.Operation, executedBy string) (string, error) {
	physical := op.PhysicalType
	if physical == "" {
		physical = fieldtypes.GetSQLType(op.NewType)
	}
	forwardSQL := persistence.BuildAddColumnSQL(op.TableName, op.ColumnName, physical)
	rollbackSQL := persistence.BuildDropColumnSQL(op.TableName, op.ColumnName)

	if err := e.guard.CheckDDL(forwardSQL, op.TableName, op.Type); err != nil {
		return "", err
	}

	if err := e.schema.AddColumn(ctx, op.TableName, op.ColumnName, physical); err != nil {
		e.recordFailure(ctx, formID, op, executedBy, forwardSQL, nil, err)
		return "", err
	}

	rec := e.newRecord(formID, op, executedBy, forwardSQL, &rollbackSQL)
	rec.NewValue = &migration.ColumnDescriptor{
		ColumnName:   op.ColumnName,
		LogicalType:  op.NewType,
		PhysicalType: physical,
	}
	return e.appendOrCompensate(ctx, rec, func(cctx context.Context) error {
		return e.schema.DropColumn(cctx, op.TableName, op.ColumnName)
	})
}

func (e *MigrationEngine) executeDrop(ctx context.Context, formID string, op migration.Operation, executedBy string) (string, error) {
	// The old physical type anchors the rollback DDL
	oldPhysical, err := e.schema.GetColumnType(ctx, op.TableName, op.ColumnName)
	if err != nil {
		return "", err
	}

	var backupID *string
	if op.Backup {
		backup, err := e.backups.CreateBackup(ctx, formID, op.TableName, op.ColumnName, migration.BackupAutoDelete)
		if err != nil {
			return "", fmt.Errorf("backup before drop failed: %w", err)
		}
		backupID = &backup.ID
	}

	forwardSQL := persistence.BuildDropColumnSQL(op.TableName, op.ColumnName)
	rollbackSQL := persistence.BuildAddColumnSQL(op.TableName, op.ColumnName, oldPhysical)

	if err := e.guard.CheckDDL(forwardSQL, op.TableName, op.Type); err != nil {
		return "", err
	}

	if err := e.schema.DropColumn(ctx, op.TableName, op.ColumnName); err != nil {
		e.recordFailure(ctx, formID, op, executedBy, forwardSQL, backupID, err)
		return "", err
	}

	rec := e.newRecord(formID, op, executedBy, forwardSQL, &rollbackSQL)
	rec.OldValue = &migration.ColumnDescriptor{
		ColumnName:   op.ColumnName,
		LogicalType:  op.OldType,
		PhysicalType: oldPhysical,
	}
	rec.BackupID = backupID
	return e.appendOrCompensate(ctx, rec, func(cctx context.Context) error {
		return e.schema.AddColumn(cctx, op.TableName, op.ColumnName, oldPhysical)
	})
}

func (e *MigrationEngine) executeRename(ctx context.Context, formID string, op migration.Operation, executedBy string) (string, error) {
	forwardSQL := persistence.BuildRenameColumnSQL(op.TableName, op.ColumnName, op.NewColumnName)
	rollbackSQL := persistence.BuildRenameColumnSQL(op.TableName, op.NewColumnName, op.ColumnName)

	if err := e.guard.CheckDDL(forwardSQL, op.TableName, op.Type); err != nil {
		return "", err
	}

	if err := e.schema.RenameColumn(ctx, op.TableName, op.ColumnName, op.NewColumnName); err != nil {
		e.recordFailure(ctx, formID, op, executedBy, forwardSQL, nil, err)
		return "", err
	}

	rec := e.newRecord(formID, op, executedBy, forwardSQL, &rollbackSQL)
	rec.OldValue = &migration.ColumnDescriptor{ColumnName: op.ColumnName}
	rec.NewValue = &migration.ColumnDescriptor{ColumnName: op.NewColumnName}
	return e.appendOrCompensate(ctx, rec, func(cctx context.Context) error {
		return e.schema.RenameColumn(cctx, op.TableName, op.NewColumnName, op.ColumnName)
	})
}

func (e *MigrationEngine) executeModify(ctx context.Context, formID string, op migration.Operation, executedBy string) (string, error) {
	newPhysical := op.PhysicalType
	if newPhysical == "" {
		newPhysical = fieldtypes.GetSQLType(op.NewType)
	}
	forwardSQL := persistence.BuildModifyColumnSQL(op.TableName, op.ColumnName, newPhysical)

	policy := DecideConversion(op.OldType, op.NewType)
	if policy == ConversionForbidden {
		err := apperrors.NewValidationError(op.ColumnName, fmt.Sprintf(
			"conversion %s -> %s would lose data and is not allowed", op.OldType, op.NewType))
		e.recordFailure(ctx, formID, op, executedBy, forwardSQL, nil, err)
		return "", err
	}
	if policy == ConversionValidated {
		if err := ValidateColumnData(ctx, e.schema, op.TableName, op.ColumnName, op.NewType); err != nil {
			e.recordFailure(ctx, formID, op, executedBy, forwardSQL, nil, err)
			return "", err
		}
	}

	oldPhysical, err := e.schema.GetColumnType(ctx, op.TableName, op.ColumnName)
	if err != nil {
		return "", err
	}
	rollbackSQL := persistence.BuildModifyColumnSQL(op.TableName, op.ColumnName, oldPhysical)

	var backupID *string
	if op.Backup {
		backup, err := e.backups.CreateBackup(ctx, formID, op.TableName, op.ColumnName, migration.BackupAutoModify)
		if err != nil {
			return "", fmt.Errorf("backup before modify failed: %w", err)
		}
		backupID = &backup.ID
	}

	if err := e.guard.CheckDDL(forwardSQL, op.TableName, op.Type); err != nil {
		return "", err
	}

	if err := e.schema.ModifyColumnType(ctx, op.TableName, op.ColumnName, newPhysical); err != nil {
		e.recordFailure(ctx, formID, op, executedBy, forwardSQL, backupID, err)
		return "", err
	}

	rec := e.newRecord(formID, op, executedBy, forwardSQL, &rollbackSQL)
	rec.OldValue = &migration.ColumnDescriptor{
		ColumnName:   op.ColumnName,
		LogicalType:  op.OldType,
		PhysicalType: oldPhysical,
	}
	rec.NewValue = &migration.ColumnDescriptor{
		ColumnName:   op.ColumnName,
		LogicalType:  op.NewType,
		PhysicalType: newPhysical,
	}
	rec.BackupID = backupID
	return e.appendOrCompensate(ctx, rec, func(cctx context.Context) error {
		return e.schema.ModifyColumnType(cctx, op.TableName, op.ColumnName, oldPhysical)
	})
}

// ==================== History plumbing ====================

func (e *MigrationEngine) newRecord(formID string, op migration.Operation, executedBy, forwardSQL string, rollbackSQL *string) *migration.Record {
	rec := &migration.Record{
		ID:          uuid.New().String(),
		FormID:      formID,
		FieldID:     op.FieldID,
		Type:        op.Type,
		TableName:   op.TableName,
		ColumnName:  op.ColumnName,
		ForwardSQL:  forwardSQL,
		RollbackSQL: rollbackSQL,
		Success:     true,
		ExecutedBy:  executedBy,
		CreatedAt:   time.Now(),
	}
	if op.RollbackOf != "" {
		rollbackOf := op.RollbackOf
		rec.RollbackOf = &rollbackOf
	}
	return rec
}

// appendOrCompensate inserts the success record; if the insert fails the DDL
// is reversed so schema and history never diverge
func (e *MigrationEngine) appendOrCompensate(ctx context.Context, rec *migration.Record, compensate func(context.Context) error) (string, error) {
	if err := e.history.Insert(ctx, nil, rec); err != nil {
		log.Printf("🔥 History append failed for %s on %s.%s, compensating: %v",
			rec.Type, rec.TableName, rec.ColumnName, err)
		// Fresh context: the original may already be cancelled
		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if cerr := compensate(cctx); cerr != nil {
			log.Printf("🔥 Compensation failed, schema and history have diverged: %v", cerr)
			return "", fmt.Errorf("history append failed and compensation failed (%v): %w", cerr, err)
		}
		return "", fmt.Errorf("history append failed, operation reversed: %w", err)
	}
	return rec.ID, nil
}

// recordFailure appends a success=false record in its own short transaction.
// Best-effort: a failure to record a failure is logged, not raised.
func (e *MigrationEngine) recordFailure(ctx context.Context, formID string, op migration.Operation, executedBy, forwardSQL string, backupID *string, cause error) {
	msg := cause.Error()
	rec := e.newRecord(formID, op, executedBy, forwardSQL, nil)
	rec.Success = false
	rec.ErrorMessage = &msg
	rec.BackupID = backupID

	if err := e.history.Insert(ctx, nil, rec); err != nil {
		log.Printf("⚠️  Could not record failed migration for %s.%s: %v", op.TableName, op.ColumnName, err)
	}
}

// ==================== Rollback planning ====================

// PrepareRollback validates that a migration can be reversed and returns the
// reversing operation plus the owning form. The operation is then enqueued
// like any other job.
func (e *MigrationEngine) PrepareRollback(ctx context.Context, migrationID string) (*migration.Operation, string, error) {
	rec, err := e.history.GetByID(ctx, migrationID)
	if err != nil {
		return nil, "", err
	}
	if !rec.Success {
		return nil, "", apperrors.NewValidationError("migration", "cannot roll back a failed migration")
	}
	if rec.RollbackOf != nil {
		return nil, "", apperrors.NewValidationError("migration", "cannot roll back a rollback")
	}
	if rec.RollbackSQL == nil {
		return nil, "", apperrors.NewValidationError("migration", "migration has no rollback")
	}

	rolledBack, err := e.history.HasSuccessfulRollback(ctx, migrationID)
	if err != nil {
		return nil, "", err
	}
	if rolledBack {
		return nil, "", apperrors.NewConflictError("migration", "rollback", migrationID)
	}

	op := migration.Operation{
		FieldID:    rec.FieldID,
		TableName:  rec.TableName,
		RollbackOf: rec.ID,
	}

	switch rec.Type {
	case migration.AddColumn:
		// Reverse is a drop; whatever was written since the add is backed up.
		// A field the form still carries must be removed first, otherwise the
		// drop leaves the definition pointing at a vanished column.
		form, err := e.forms.GetForm(ctx, rec.FormID)
		if err != nil {
			return nil, "", err
		}
		for _, f := range form.Fields {
			if (rec.FieldID != "" && f.ID == rec.FieldID) || f.ColumnName == rec.ColumnName {
				return nil, "", apperrors.NewValidationError("field", fmt.Sprintf(
					"field '%s' is still present in the form; remove it before rolling back its add", f.Title))
			}
		}

		op.Type = migration.DropColumn
		op.ColumnName = rec.ColumnName
		op.Backup = true
		if rec.NewValue != nil {
			op.OldType = rec.NewValue.LogicalType
		}
		exists, err := e.schema.ColumnExists(ctx, rec.TableName, rec.ColumnName)
		if err != nil {
			return nil, "", err
		}
		if !exists {
			return nil, "", apperrors.NewNotFoundError("column", rec.TableName+"."+rec.ColumnName)
		}

	case migration.DropColumn:
		// Reverse is a re-add; the column must not have been recreated since.
		// The recorded physical type is reused verbatim so the new forward SQL
		// matches the original's rollback SQL exactly.
		op.Type = migration.AddColumn
		op.ColumnName = rec.ColumnName
		if rec.OldValue != nil {
			op.NewType = rec.OldValue.LogicalType
			op.PhysicalType = rec.OldValue.PhysicalType
		}
		exists, err := e.schema.ColumnExists(ctx, rec.TableName, rec.ColumnName)
		if err != nil {
			return nil, "", err
		}
		if exists {
			return nil, "", apperrors.NewValidationError("column", fmt.Sprintf(
				"column '%s' is still present; drop it before rolling back", rec.ColumnName))
		}

	case migration.RenameColumn:
		op.Type = migration.RenameColumn
		if rec.NewValue == nil || rec.OldValue == nil {
			return nil, "", apperrors.NewValidationError("migration", "rename record is missing column descriptors")
		}
		op.ColumnName = rec.NewValue.ColumnName
		op.NewColumnName = rec.OldValue.ColumnName

	case migration.ModifyColumn:
		op.Type = migration.ModifyColumn
		op.ColumnName = rec.ColumnName
		op.Backup = true
		if rec.OldValue != nil {
			op.NewType = rec.OldValue.LogicalType
			op.PhysicalType = rec.OldValue.PhysicalType
		}
		if rec.NewValue != nil {
			op.OldType = rec.NewValue.LogicalType
		}

	default:
		return nil, "", apperrors.NewValidationError("migration", fmt.Sprintf("unknown migration type '%s'", rec.Type))
	}

	return &op, rec.FormID, nil
}

// ==================== Preview ====================

// Preview plans the operations for a proposed field list and dry-runs each
// one. Preview never mutates state; it only reads the schema.
func (e *MigrationEngine) Preview(ctx context.Context, form *migration.Form, newFields []migration.FieldDescriptor) ([]migration.Preview, error) {
	plan := e.detector.PlanChanges(form, newFields)
	previews := make([]migration.Preview, 0, len(plan))

	for _, op := range plan {
		previews = append(previews, e.previewOne(ctx, op))
	}
	return previews, nil
}

func (e *MigrationEngine) previewOne(ctx context.Context, op migration.Operation) migration.Preview {
	p := migration.Preview{
		Type:       op.Type,
		ColumnName: op.ColumnName,
		Valid:      true,
		Warnings:   []string{},
	}

	switch op.Type {
	case migration.AddColumn:
		physical := fieldtypes.GetSQLType(op.NewType)
		p.ForwardSQL = persistence.BuildAddColumnSQL(op.TableName, op.ColumnName, physical)
		p.RollbackSQL = persistence.BuildDropColumnSQL(op.TableName, op.ColumnName)
		if !fieldtypes.IsKnown(op.NewType) {
			p.Warnings = append(p.Warnings, fmt.Sprintf(
				"unknown field type '%s'; column will be created as %s", op.NewType, fieldtypes.FallbackSQLType))
		}
		if exists, err := e.schema.ColumnExists(ctx, op.TableName, op.ColumnName); err == nil && exists {
			p.Valid = false
			p.Warnings = append(p.Warnings, fmt.Sprintf("column '%s' already exists", op.ColumnName))
		}

	case migration.DropColumn:
		p.RequiresBackup = true
		p.ForwardSQL = persistence.BuildDropColumnSQL(op.TableName, op.ColumnName)
		oldPhysical, err := e.schema.GetColumnType(ctx, op.TableName, op.ColumnName)
		if err != nil {
			p.Valid = false
			p.Warnings = append(p.Warnings, fmt.Sprintf("column '%s' not found", op.ColumnName))
		} else {
			p.RollbackSQL = persistence.BuildAddColumnSQL(op.TableName, op.ColumnName, oldPhysical)
		}
		if rows, err := e.schema.CountRows(ctx, op.TableName); err == nil {
			p.EstimatedRows = rows
			p.Warnings = append(p.Warnings, fmt.Sprintf(
				"%d row(s) will lose this column; data is backed up for %d days",
				rows, int(migration.DefaultBackupRetention.Hours()/24)))
		}

	case migration.RenameColumn:
		p.ForwardSQL = persistence.BuildRenameColumnSQL(op.TableName, op.ColumnName, op.NewColumnName)
		p.RollbackSQL = persistence.BuildRenameColumnSQL(op.TableName, op.NewColumnName, op.ColumnName)
		if exists, err := e.schema.ColumnExists(ctx, op.TableName, op.NewColumnName); err == nil && exists {
			p.Valid = false
			p.Warnings = append(p.Warnings, fmt.Sprintf("target column '%s' already exists", op.NewColumnName))
		}

	case migration.ModifyColumn:
		p.RequiresBackup = true
		newPhysical := fieldtypes.GetSQLType(op.NewType)
		p.ForwardSQL = persistence.BuildModifyColumnSQL(op.TableName, op.ColumnName, newPhysical)
		if oldPhysical, err := e.schema.GetColumnType(ctx, op.TableName, op.ColumnName); err == nil {
			p.RollbackSQL = persistence.BuildModifyColumnSQL(op.TableName, op.ColumnName, oldPhysical)
		}
		switch DecideConversion(op.OldType, op.NewType) {
		case ConversionForbidden:
			p.Valid = false
			p.Warnings = append(p.Warnings, fmt.Sprintf(
				"conversion %s -> %s would lose data and is not allowed", op.OldType, op.NewType))
		case ConversionValidated:
			p.Warnings = append(p.Warnings, fmt.Sprintf(
				"every stored value will be checked against %s before the change runs", op.NewType))
		}
		if rows, err := e.schema.CountRows(ctx, op.TableName); err == nil {
			p.EstimatedRows = rows
		}
	}

	return p
}
