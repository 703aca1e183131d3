package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/qcollector/backend/internal/domain/migration"
	apperrors "github.com/qcollector/backend/pkg/errors"
)

// RestoreBatchSize is the number of rows written per restore statement
const RestoreBatchSize = 100

// BackupRepository persists immutable column snapshots and restores them row
// by row. Snapshots are stored as a JSON array of {row_id, value} tuples.
type BackupRepository struct {
	db *sql.DB
}

// NewBackupRepository creates a new BackupRepository
func NewBackupRepository(db *sql.DB) *BackupRepository {
	return &BackupRepository{db: db}
}

// SnapshotColumn reads every (rowId, value) pair of a column inside one
// REPEATABLE READ transaction so the snapshot is never torn per-row
func (r *BackupRepository) SnapshotColumn(ctx context.Context, tableName, columnName string) ([]migration.RowValue, error) {
	if err := ValidateIdentifiers(tableName, columnName); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, ClassifyDBError("column snapshot", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf("SELECT `%s`, CAST(`%s` AS CHAR) FROM `%s` ORDER BY `%s`",
		ColumnRowID, columnName, tableName, ColumnRowID)

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, ClassifyDBError("column snapshot", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := make([]migration.RowValue, 0)
	for rows.Next() {
		var rowID string
		var value sql.NullString
		if err := rows.Scan(&rowID, &value); err != nil {
			return nil, ClassifyDBError("column snapshot", err)
		}
		rv := migration.RowValue{RowID: rowID}
		if value.Valid {
			rv.Value = value.String
		}
		snapshot = append(snapshot, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, ClassifyDBError("column snapshot", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, ClassifyDBError("column snapshot", err)
	}

	return snapshot, nil
}

// Insert persists a backup record. The executor may be a transaction.
func (r *BackupRepository) Insert(ctx context.Context, exec Executor, b *migration.Backup) error {
	if exec == nil {
		exec = r.db
	}

	data, err := json.Marshal(b.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, form_id, table_name, column_name, backup_type,
			data_snapshot, record_count, retention_until, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NOW())
	`, TableBackups)

	_, err = exec.ExecContext(ctx, query,
		b.ID, b.FormID, b.TableName, b.ColumnName, string(b.Type),
		string(data), b.RecordCount, b.RetentionUntil,
	)
	if err != nil {
		return ClassifyDBError("backup insert", err)
	}
	return nil
}

// GetByID loads a backup including its snapshot payload
func (r *BackupRepository) GetByID(ctx context.Context, id string) (*migration.Backup, error) {
	query := fmt.Sprintf(`
		SELECT id, form_id, table_name, column_name, backup_type,
			data_snapshot, record_count, retention_until, created_at
		FROM %s WHERE id = ?
	`, TableBackups)

	var b migration.Backup
	var backupType string
	var data sql.NullString

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&b.ID, &b.FormID, &b.TableName, &b.ColumnName, &backupType,
		&data, &b.RecordCount, &b.RetentionUntil, &b.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("backup", id)
	}
	if err != nil {
		return nil, ClassifyDBError("backup lookup", err)
	}

	b.Type = migration.BackupType(backupType)
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &b.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot for backup %s: %w", id, err)
		}
	}
	return &b, nil
}

// BackupFilter selects which backups ListByForm returns
type BackupFilter string

const (
	BackupFilterActive  BackupFilter = "active"
	BackupFilterExpired BackupFilter = "expired"
	BackupFilterAll     BackupFilter = "all"
)

// ListByForm returns a form's backup records newest-first. Snapshot payloads
// are not loaded; use GetByID when restoring.
func (r *BackupRepository) ListByForm(ctx context.Context, formID string, filter BackupFilter) ([]migration.Backup, error) {
	where := "form_id = ?"
	switch filter {
	case BackupFilterActive:
		where += " AND retention_until > NOW()"
	case BackupFilterExpired:
		where += " AND retention_until <= NOW()"
	case BackupFilterAll, "":
		// no extra predicate
	default:
		return nil, apperrors.NewValidationError("filter", fmt.Sprintf("unknown backup filter '%s'", filter))
	}

	query := fmt.Sprintf(`
		SELECT id, form_id, table_name, column_name, backup_type,
			record_count, retention_until, created_at
		FROM %s WHERE %s
		ORDER BY created_at DESC, id DESC
	`, TableBackups, where)

	rows, err := r.db.QueryContext(ctx, query, formID)
	if err != nil {
		return nil, ClassifyDBError("backup list", err)
	}
	defer func() { _ = rows.Close() }()

	var backups []migration.Backup
	for rows.Next() {
		var b migration.Backup
		var backupType string
		if err := rows.Scan(&b.ID, &b.FormID, &b.TableName, &b.ColumnName, &backupType,
			&b.RecordCount, &b.RetentionUntil, &b.CreatedAt); err != nil {
			return nil, ClassifyDBError("backup list", err)
		}
		b.Type = migration.BackupType(backupType)
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

// RestoreColumn writes a snapshot back into its column in batches, skipping
// rows whose primary key no longer exists. Returns the number of rows whose
// primary key was still present.
func (r *BackupRepository) RestoreColumn(ctx context.Context, tableName, columnName string, snapshot []migration.RowValue) (int, error) {
	if err := ValidateIdentifiers(tableName, columnName); err != nil {
		return 0, err
	}

	restored := 0
	for start := 0; start < len(snapshot); start += RestoreBatchSize {
		end := start + RestoreBatchSize
		if end > len(snapshot) {
			end = len(snapshot)
		}
		n, err := r.restoreBatch(ctx, tableName, columnName, snapshot[start:end])
		if err != nil {
			return restored, err
		}
		restored += n
	}
	return restored, nil
}

// restoreBatch updates one batch with a single CASE statement. Row count is
// taken from a preceding membership query because MySQL reports changed rows,
// not matched rows.
func (r *BackupRepository) restoreBatch(ctx context.Context, tableName, columnName string, batch []migration.RowValue) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	placeholders := make([]string, 0, len(batch))
	caseArgs := make([]interface{}, 0, len(batch)*2)
	inArgs := make([]interface{}, 0, len(batch))
	var caseExpr strings.Builder

	for _, rv := range batch {
		caseExpr.WriteString(" WHEN ? THEN ?")
		caseArgs = append(caseArgs, rv.RowID, rv.Value)
		placeholders = append(placeholders, "?")
		inArgs = append(inArgs, rv.RowID)
	}
	inList := strings.Join(placeholders, ", ")

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ClassifyDBError("backup restore", err)
	}
	defer func() { _ = tx.Rollback() }()

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM `%s` WHERE `%s` IN (%s)",
		tableName, ColumnRowID, inList)
	var present int
	if err := tx.QueryRowContext(ctx, countQuery, inArgs...).Scan(&present); err != nil {
		return 0, ClassifyDBError("backup restore", err)
	}

	updateQuery := fmt.Sprintf("UPDATE `%s` SET `%s` = CASE `%s`%s END WHERE `%s` IN (%s)",
		tableName, columnName, ColumnRowID, caseExpr.String(), ColumnRowID, inList)
	args := append(caseArgs, inArgs...)
	if _, err := tx.ExecContext(ctx, updateQuery, args...); err != nil {
		return 0, ClassifyDBError("backup restore", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, ClassifyDBError("backup restore", err)
	}
	return present, nil
}

// DeleteExpired removes backups whose retention window has elapsed
func (r *BackupRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE retention_until <= ?", TableBackups)
	result, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, ClassifyDBError("backup sweep", err)
	}
	return result.RowsAffected()
}
