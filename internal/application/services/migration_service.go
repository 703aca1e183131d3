package services

import (
	"context"
	"database/sql"
	"log"

	"github.com/qcollector/backend/internal/domain/migration"
	"github.com/qcollector/backend/internal/infrastructure/persistence"
)

// FormStore is the form definition surface the migration service reads and
// rewrites
type FormStore interface {
	GetForm(ctx context.Context, formID string) (*migration.Form, error)
	CreateForm(ctx context.Context, exec persistence.Executor, form *migration.Form) error
	ReplaceFields(ctx context.Context, exec persistence.Executor, formID string, fields []migration.FieldDescriptor) error
	ListForms(ctx context.Context) ([]migration.Form, error)
}

// MigrationService is the role-gated operations surface over the engine,
// queue and backup store. Every public method authorizes the actor first.
type MigrationService struct {
	forms   FormStore
	engine  *MigrationEngine
	queue   *MigrationQueue
	backups *BackupService
	txm     *persistence.TransactionManager
}

// NewMigrationService creates a new MigrationService
func NewMigrationService(forms FormStore, engine *MigrationEngine, queue *MigrationQueue, backups *BackupService, txm *persistence.TransactionManager) *MigrationService {
	return &MigrationService{
		forms:   forms,
		engine:  engine,
		queue:   queue,
		backups: backups,
		txm:     txm,
	}
}

// Preview dry-runs the operation plan for a proposed field list without
// mutating anything
func (s *MigrationService) Preview(ctx context.Context, actor migration.Actor, formID string, newFields []migration.FieldDescriptor) ([]migration.Preview, error) {
	if err := AuthorizeMigration(actor, OpPreview); err != nil {
		return nil, err
	}
	form, err := s.forms.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	return s.engine.Preview(ctx, form, newFields)
}

// Apply saves a proposed field list and enqueues one job per detected
// operation. The stored definition and the jobs commit atomically; the
// schema itself changes later, when the workers run the jobs.
func (s *MigrationService) Apply(ctx context.Context, actor migration.Actor, formID string, newFields []migration.FieldDescriptor) ([]string, error) {
	if err := AuthorizeMigration(actor, OpApply); err != nil {
		return nil, err
	}
	form, err := s.forms.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}

	// Column names are fixed here, before anything is persisted
	for i := range newFields {
		newFields[i].ColumnName = ResolveColumnName(newFields[i])
	}
	plan := s.engine.Detector().PlanChanges(form, newFields)

	// The definition rewrite and the job batch race concurrent applies on hot
	// forms; deadlocks here are retried whole
	var jobIDs []string
	err = s.txm.WithRetry(func(tx *sql.Tx) error {
		if err := s.forms.ReplaceFields(ctx, tx, formID, newFields); err != nil {
			return err
		}
		jobIDs, err = s.queue.EnqueuePlan(ctx, tx, formID, plan, actor.UserID)
		return err
	}, 3)
	if err != nil {
		return nil, err
	}

	log.Printf("📋 Form %s saved by %s: %d field(s), %d migration job(s)",
		formID, actor.UserID, len(newFields), len(jobIDs))
	return jobIDs, nil
}

// History returns a form's migration records newest-first
func (s *MigrationService) History(ctx context.Context, actor migration.Actor, formID string, limit, offset int) ([]migration.Record, error) {
	if err := AuthorizeMigration(actor, OpHistory); err != nil {
		return nil, err
	}
	if _, err := s.forms.GetForm(ctx, formID); err != nil {
		return nil, err
	}
	return s.engine.history.ListByForm(ctx, formID, limit, offset)
}

// Rollback enqueues the reversing operation for a past migration and returns
// the new job identity
func (s *MigrationService) Rollback(ctx context.Context, actor migration.Actor, migrationID string) (string, error) {
	if err := AuthorizeMigration(actor, OpRollback); err != nil {
		return "", err
	}

	op, formID, err := s.engine.PrepareRollback(ctx, migrationID)
	if err != nil {
		return "", err
	}

	jobIDs, err := s.queue.EnqueuePlan(ctx, nil, formID, []migration.Operation{*op}, actor.UserID)
	if err != nil {
		return "", err
	}
	log.Printf("↩️  Rollback of migration %s enqueued as job %s by %s", migrationID, jobIDs[0], actor.UserID)
	return jobIDs[0], nil
}

// ListBackups returns a form's backups under the given filter
func (s *MigrationService) ListBackups(ctx context.Context, actor migration.Actor, formID string, filter persistence.BackupFilter) ([]migration.Backup, error) {
	if err := AuthorizeMigration(actor, OpListBackups); err != nil {
		return nil, err
	}
	if _, err := s.forms.GetForm(ctx, formID); err != nil {
		return nil, err
	}
	return s.backups.ListBackups(ctx, formID, filter)
}

// RestoreBackup writes a backup's snapshot back into its column and returns
// the number of restored rows
func (s *MigrationService) RestoreBackup(ctx context.Context, actor migration.Actor, backupID string) (int, error) {
	if err := AuthorizeMigration(actor, OpRestoreBackup); err != nil {
		return 0, err
	}
	return s.backups.Restore(ctx, backupID)
}

// QueueStatus returns per-state job counts over the rolling window
func (s *MigrationService) QueueStatus(ctx context.Context, actor migration.Actor) (migration.QueueStatus, error) {
	if err := AuthorizeMigration(actor, OpQueueStatus); err != nil {
		return migration.QueueStatus{}, err
	}
	return s.queue.Status(ctx)
}

// JobMetrics returns a form's recent jobs
func (s *MigrationService) JobMetrics(ctx context.Context, actor migration.Actor, formID string, limit int) ([]migration.Job, error) {
	if err := AuthorizeMigration(actor, OpQueueStatus); err != nil {
		return nil, err
	}
	return s.queue.Metrics(ctx, formID, limit)
}

// CancelJob withdraws a waiting or delayed job
func (s *MigrationService) CancelJob(ctx context.Context, actor migration.Actor, jobID string) error {
	if err := AuthorizeMigration(actor, OpCancelJob); err != nil {
		return err
	}
	return s.queue.Cancel(ctx, jobID)
}
