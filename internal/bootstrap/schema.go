package bootstrap

import (
	"fmt"
	"log"

	"github.com/qcollector/backend/internal/infrastructure/database"
	"github.com/qcollector/backend/internal/infrastructure/persistence"
)

// InitializeSchema creates the system tables the migration engine depends on.
// All statements are idempotent; running them against an initialized database
// is a no-op.
func InitializeSchema(db *database.Connection) error {
	log.Println("🔧 Initializing core system schema...")

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id CHAR(36) PRIMARY KEY,
			title VARCHAR(255) NOT NULL,
			table_name VARCHAR(64) NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		)`, persistence.TableForms),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id CHAR(36) PRIMARY KEY,
			form_id CHAR(36) NOT NULL,
			title VARCHAR(255) NOT NULL,
			field_type VARCHAR(32) NOT NULL,
			column_name VARCHAR(64) NOT NULL,
			display_order INT NOT NULL DEFAULT 0,
			options JSON,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_form_fields_form (form_id)
		)`, persistence.TableFormFields),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id CHAR(36) PRIMARY KEY,
			form_id CHAR(36) NOT NULL,
			field_id CHAR(36),
			migration_type VARCHAR(16) NOT NULL,
			table_name VARCHAR(64) NOT NULL,
			column_name VARCHAR(64) NOT NULL,
			old_value JSON,
			new_value JSON,
			forward_sql TEXT NOT NULL,
			rollback_sql TEXT,
			success BOOLEAN NOT NULL DEFAULT FALSE,
			error_message TEXT,
			backup_id CHAR(36),
			executed_by VARCHAR(64) NOT NULL,
			rollback_of CHAR(36),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_migration_form (form_id, created_at),
			INDEX idx_migration_rollback_of (rollback_of)
		)`, persistence.TableMigrations),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id CHAR(36) PRIMARY KEY,
			form_id CHAR(36) NOT NULL,
			table_name VARCHAR(64) NOT NULL,
			column_name VARCHAR(64) NOT NULL,
			backup_type VARCHAR(16) NOT NULL,
			data_snapshot LONGTEXT NOT NULL,
			record_count INT NOT NULL DEFAULT 0,
			retention_until DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_backup_form (form_id, created_at),
			INDEX idx_backup_retention (retention_until)
		)`, persistence.TableBackups),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id CHAR(36) PRIMARY KEY,
			form_id CHAR(36) NOT NULL,
			operation JSON NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'waiting',
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			next_run_at DATETIME,
			started_at DATETIME,
			finished_at DATETIME,
			enqueued_by VARCHAR(64) NOT NULL,
			created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_job_form_status (form_id, status),
			INDEX idx_job_status_created (status, created_at)
		)`, persistence.TableJobs),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id CHAR(36) PRIMARY KEY,
			username VARCHAR(64) NOT NULL UNIQUE,
			name VARCHAR(255) NOT NULL,
			role VARCHAR(32) NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		)`, persistence.TableUsers),
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create system table: %w", err)
		}
	}

	log.Printf("   ✅ %d system tables ready", len(statements))
	return nil
}
