package services

import (
	"context"
	"fmt"

	"github.com/qcollector/backend/internal/infrastructure/database"
	"github.com/qcollector/backend/internal/infrastructure/persistence"
)

// ServiceManager orchestrates all services with dependency injection
type ServiceManager struct {
	db *database.Connection

	// Core services
	TxManager *persistence.TransactionManager
	EventBus  *EventBus
	Schema    *persistence.SchemaDriver
	Auth      *AuthService
	Backups   *BackupService
	Engine    *MigrationEngine
	Queue     *MigrationQueue
	Migration *MigrationService
	Forms     *FormService
	Retention *RetentionScheduler
}

// NewServiceManager creates a new service manager with all dependencies wired
func NewServiceManager(db *database.Connection) *ServiceManager {
	sm := &ServiceManager{
		db: db,
	}

	// Initialize services in dependency order
	sm.TxManager = persistence.NewTransactionManager(db.DB())
	sm.EventBus = NewEventBus()
	sm.Schema = persistence.NewSchemaDriver(db.DB())

	backupRepo := persistence.NewBackupRepository(db.DB())
	migrationRepo := persistence.NewMigrationRepository(db.DB())
	jobRepo := persistence.NewJobRepository(db.DB())
	formRepo := persistence.NewFormRepository(db.DB())
	userRepo := persistence.NewUserRepository(db.DB())

	sm.Auth = NewAuthService(userRepo)
	sm.Backups = NewBackupService(backupRepo, sm.Schema)
	sm.Engine = NewMigrationEngine(sm.Schema, migrationRepo, sm.Backups, formRepo, sm.EventBus)
	sm.Queue = NewMigrationQueue(jobRepo, sm.Engine, sm.EventBus)
	sm.Migration = NewMigrationService(formRepo, sm.Engine, sm.Queue, sm.Backups, sm.TxManager)
	sm.Forms = NewFormService(formRepo, sm.Schema, sm.TxManager)
	sm.Retention = NewRetentionScheduler(sm.Backups)

	return sm
}

// StartWorkers launches the queue worker pool and the retention sweep.
// Call this during server startup, after the system schema is asserted.
func (sm *ServiceManager) StartWorkers(ctx context.Context) error {
	if err := sm.Queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start migration queue: %w", err)
	}
	if err := sm.Retention.Start(); err != nil {
		return fmt.Errorf("failed to start retention scheduler: %w", err)
	}
	return nil
}

// StopWorkers drains the queue and halts the retention sweep gracefully.
// Call this during server shutdown.
func (sm *ServiceManager) StopWorkers() {
	sm.Queue.Stop()
	sm.Retention.Stop()
}
