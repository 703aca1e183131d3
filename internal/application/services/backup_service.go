package services

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/qcollector/backend/internal/domain/migration"
	"github.com/qcollector/backend/internal/infrastructure/persistence"
	apperrors "github.com/qcollector/backend/pkg/errors"
)

// BackupStore is the persistence surface the backup service needs
type BackupStore interface {
	SnapshotColumn(ctx context.Context, tableName, columnName string) ([]migration.RowValue, error)
	Insert(ctx context.Context, exec persistence.Executor, b *migration.Backup) error
	GetByID(ctx context.Context, id string) (*migration.Backup, error)
	ListByForm(ctx context.Context, formID string, filter persistence.BackupFilter) ([]migration.Backup, error)
	RestoreColumn(ctx context.Context, tableName, columnName string, snapshot []migration.RowValue) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// SchemaIntrospector answers column existence questions
type SchemaIntrospector interface {
	ColumnExists(ctx context.Context, tableName, columnName string) (bool, error)
}

// BackupService snapshots columns before destructive migrations and restores
// them on demand within the retention window
type BackupService struct {
	store     BackupStore
	schema    SchemaIntrospector
	retention time.Duration
}

// NewBackupService creates a new BackupService with the default 90-day
// retention window
func NewBackupService(store BackupStore, schema SchemaIntrospector) *BackupService {
	return &BackupService{
		store:     store,
		schema:    schema,
		retention: migration.DefaultBackupRetention,
	}
}

// CreateBackup snapshots a column and commits the backup before any DDL
// touches the table. A later DDL failure leaves the backup behind as a
// harmless orphan under normal retention.
func (s *BackupService) CreateBackup(ctx context.Context, formID, tableName, columnName string, backupType migration.BackupType) (*migration.Backup, error) {
	log.Printf("💾 Creating %s backup of %s.%s", backupType, tableName, columnName)

	snapshot, err := s.store.SnapshotColumn(ctx, tableName, columnName)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	backup := &migration.Backup{
		ID:             uuid.New().String(),
		FormID:         formID,
		TableName:      tableName,
		ColumnName:     columnName,
		Type:           backupType,
		Snapshot:       snapshot,
		RecordCount:    len(snapshot),
		RetentionUntil: now.Add(s.retention),
		CreatedAt:      now,
	}

	if err := s.store.Insert(ctx, nil, backup); err != nil {
		return nil, err
	}

	log.Printf("   ✅ Backup %s created (%d rows, retained until %s)",
		backup.ID, backup.RecordCount, backup.RetentionUntil.Format("2006-01-02"))
	return backup, nil
}

// Restore writes a backup's snapshot back into its column. The column must
// exist with a compatible type; rows deleted since the backup are skipped.
func (s *BackupService) Restore(ctx context.Context, backupID string) (int, error) {
	log.Printf("♻️  Restoring backup %s", backupID)

	backup, err := s.store.GetByID(ctx, backupID)
	if err != nil {
		return 0, err
	}
	if backup.Expired(time.Now()) {
		return 0, apperrors.NewGoneError("backup", backupID, "retention window elapsed")
	}

	exists, err := s.schema.ColumnExists(ctx, backup.TableName, backup.ColumnName)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, apperrors.NewNotFoundError("column", backup.TableName+"."+backup.ColumnName)
	}

	restored, err := s.store.RestoreColumn(ctx, backup.TableName, backup.ColumnName, backup.Snapshot)
	if err != nil {
		return restored, err
	}

	log.Printf("   ✅ Restored %d of %d rows into %s.%s",
		restored, backup.RecordCount, backup.TableName, backup.ColumnName)
	return restored, nil
}

// ListBackups returns a form's backups under the given filter
func (s *BackupService) ListBackups(ctx context.Context, formID string, filter persistence.BackupFilter) ([]migration.Backup, error) {
	return s.store.ListByForm(ctx, formID, filter)
}

// Sweep deletes every backup past its retention window
func (s *BackupService) Sweep(ctx context.Context) (int64, error) {
	deleted, err := s.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Printf("🧹 Backup sweep removed %d expired backup(s)", deleted)
	}
	return deleted, nil
}
