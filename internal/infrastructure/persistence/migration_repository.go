package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/qcollector/backend/internal/domain/migration"
	apperrors "github.com/qcollector/backend/pkg/errors"
)

// MigrationRepository persists the append-only migration history.
// Records are inserted exactly once and never updated; rollbacks append new
// records referencing the original via rollback_of.
type MigrationRepository struct {
	db *sql.DB
}

// NewMigrationRepository creates a new MigrationRepository
func NewMigrationRepository(db *sql.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

const migrationColumns = `id, form_id, field_id, migration_type, table_name, column_name,
		old_value, new_value, forward_sql, rollback_sql, success, error_message,
		backup_id, executed_by, rollback_of, created_at`

// Insert appends one migration record. The executor may be a transaction so
// the history write shares fate with the operation it documents.
func (r *MigrationRepository) Insert(ctx context.Context, exec Executor, rec *migration.Record) error {
	if exec == nil {
		exec = r.db
	}

	oldValue, err := marshalDescriptor(rec.OldValue)
	if err != nil {
		return fmt.Errorf("failed to marshal old value: %w", err)
	}
	newValue, err := marshalDescriptor(rec.NewValue)
	if err != nil {
		return fmt.Errorf("failed to marshal new value: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW())
	`, TableMigrations, migrationColumns)

	_, err = exec.ExecContext(ctx, query,
		rec.ID, rec.FormID, rec.FieldID, string(rec.Type), rec.TableName, rec.ColumnName,
		oldValue, newValue, rec.ForwardSQL, rec.RollbackSQL, rec.Success, rec.ErrorMessage,
		rec.BackupID, rec.ExecutedBy, rec.RollbackOf,
	)
	if err != nil {
		return ClassifyDBError("migration history insert", err)
	}
	return nil
}

// GetByID loads one migration record
func (r *MigrationRepository) GetByID(ctx context.Context, id string) (*migration.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, migrationColumns, TableMigrations)

	rec, err := scanMigration(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("migration", id)
	}
	if err != nil {
		return nil, ClassifyDBError("migration lookup", err)
	}
	return rec, nil
}

// ListByForm returns a form's migration records newest-first
func (r *MigrationRepository) ListByForm(ctx context.Context, formID string, limit, offset int) ([]migration.Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE form_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, migrationColumns, TableMigrations)

	rows, err := r.db.QueryContext(ctx, query, formID, limit, offset)
	if err != nil {
		return nil, ClassifyDBError("migration history list", err)
	}
	defer func() { _ = rows.Close() }()

	var records []migration.Record
	for rows.Next() {
		rec, err := scanMigration(rows)
		if err != nil {
			return nil, ClassifyDBError("migration history list", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// HasSuccessfulRollback reports whether a migration was already reversed
func (r *MigrationRepository) HasSuccessfulRollback(ctx context.Context, migrationID string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE rollback_of = ? AND success = 1)`, TableMigrations)

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, migrationID).Scan(&exists); err != nil {
		return false, ClassifyDBError("rollback check", err)
	}
	return exists, nil
}

// Scannable is an interface for something that can scan into a destination
// (sql.Row or sql.Rows)
type Scannable interface {
	Scan(dest ...interface{}) error
}

func scanMigration(row Scannable) (*migration.Record, error) {
	var rec migration.Record
	var migType string
	var oldValue, newValue, rollbackSQL, errorMessage, backupID, rollbackOf sql.NullString

	err := row.Scan(
		&rec.ID, &rec.FormID, &rec.FieldID, &migType, &rec.TableName, &rec.ColumnName,
		&oldValue, &newValue, &rec.ForwardSQL, &rollbackSQL, &rec.Success, &errorMessage,
		&backupID, &rec.ExecutedBy, &rollbackOf, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Type = migration.MigrationType(migType)
	rec.RollbackSQL = nullStringPtr(rollbackSQL)
	rec.ErrorMessage = nullStringPtr(errorMessage)
	rec.BackupID = nullStringPtr(backupID)
	rec.RollbackOf = nullStringPtr(rollbackOf)

	if rec.OldValue, err = unmarshalDescriptor(oldValue); err != nil {
		return nil, err
	}
	if rec.NewValue, err = unmarshalDescriptor(newValue); err != nil {
		return nil, err
	}
	return &rec, nil
}

func marshalDescriptor(d *migration.ColumnDescriptor) (interface{}, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalDescriptor(ns sql.NullString) (*migration.ColumnDescriptor, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var d migration.ColumnDescriptor
	if err := json.Unmarshal([]byte(ns.String), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal column descriptor: %w", err)
	}
	return &d, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}
