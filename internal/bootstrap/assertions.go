package bootstrap

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/qcollector/backend/internal/infrastructure/database"
	"github.com/qcollector/backend/internal/infrastructure/persistence"
	"github.com/qcollector/backend/pkg/fieldtypes"
)

// AssertionViolation represents a single design violation
type AssertionViolation struct {
	Category    string // e.g. "SystemTables", "FieldTypes"
	Severity    string // "error" or "warning"
	Description string
}

// AssertionResult contains all violations found during assertion checks
type AssertionResult struct {
	Violations []AssertionViolation
	Passed     bool
}

// RunAssertions executes all startup assertions and returns violations.
// Use strictMode=true to fail on violations.
func RunAssertions(db *database.Connection, strictMode bool) (*AssertionResult, error) {
	log.Println("🔍 Running startup assertions...")

	result := &AssertionResult{
		Violations: []AssertionViolation{},
		Passed:     true,
	}

	assertSystemTablesExist(db.DB(), result)
	assertFieldTypeRegistry(result)
	assertFormTablesExist(db.DB(), result)
	assertNoOrphanedActiveJobs(db.DB(), result)
	assertHistoryBackupLinkage(db.DB(), result)

	if len(result.Violations) == 0 {
		log.Println("✅ All assertions passed")
		return result, nil
	}

	result.Passed = false
	log.Printf("⚠️  Found %d assertion violation(s):", len(result.Violations))
	for i, v := range result.Violations {
		log.Printf("   %d. [%s] %s: %s", i+1, v.Severity, v.Category, v.Description)
	}

	if strictMode {
		return result, fmt.Errorf("assertion failures in strict mode: %d violation(s)", len(result.Violations))
	}

	return result, nil
}

// assertSystemTablesExist checks that every system table is present
func assertSystemTablesExist(db *sql.DB, result *AssertionResult) {
	log.Println("   📋 Checking system tables...")

	tables := []string{
		persistence.TableForms,
		persistence.TableFormFields,
		persistence.TableMigrations,
		persistence.TableBackups,
		persistence.TableJobs,
		persistence.TableUsers,
	}

	for _, table := range tables {
		var name string
		err := db.QueryRow(`
			SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
			WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		`, table).Scan(&name)
		if err == sql.ErrNoRows {
			result.Violations = append(result.Violations, AssertionViolation{
				Category:    "SystemTables",
				Severity:    "error",
				Description: fmt.Sprintf("system table '%s' is missing", table),
			})
		} else if err != nil {
			log.Printf("   ⚠️  Could not check table %s: %v", table, err)
		}
	}
}

// assertFieldTypeRegistry checks that the embedded field type registry loaded
// and covers the core types
func assertFieldTypeRegistry(result *AssertionResult) {
	log.Println("   📋 Checking field type registry...")

	core := []string{"short_answer", "paragraph", "number", "date", "lat_long"}
	for _, t := range core {
		if !fieldtypes.IsKnown(t) {
			result.Violations = append(result.Violations, AssertionViolation{
				Category:    "FieldTypes",
				Severity:    "error",
				Description: fmt.Sprintf("field type registry is missing core type '%s'", t),
			})
		}
	}
}

// assertFormTablesExist checks that every registered form still has its
// dynamic table
func assertFormTablesExist(db *sql.DB, result *AssertionResult) {
	log.Println("   📋 Checking dynamic form tables...")

	rows, err := db.Query(fmt.Sprintf(`
		SELECT f.id, f.table_name FROM %s f
		WHERE NOT EXISTS (
			SELECT 1 FROM INFORMATION_SCHEMA.TABLES t
			WHERE t.TABLE_SCHEMA = DATABASE() AND t.TABLE_NAME = f.table_name
		)
	`, persistence.TableForms))
	if err != nil {
		log.Printf("   ⚠️  Could not check form tables: %v", err)
		return
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var formID, tableName string
		if err := rows.Scan(&formID, &tableName); err == nil {
			result.Violations = append(result.Violations, AssertionViolation{
				Category:    "FormTables",
				Severity:    "error",
				Description: fmt.Sprintf("form %s references missing table '%s'", formID, tableName),
			})
		}
	}
}

// assertNoOrphanedActiveJobs warns about jobs left active by a dead worker.
// The stale requeue loop recovers them at startup, so this is a warning only.
func assertNoOrphanedActiveJobs(db *sql.DB, result *AssertionResult) {
	log.Println("   📋 Checking for orphaned active jobs...")

	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = 'active'`, persistence.TableJobs)
	if err := db.QueryRow(query).Scan(&n); err != nil {
		log.Printf("   ⚠️  Could not check active jobs: %v", err)
		return
	}
	if n > 0 {
		result.Violations = append(result.Violations, AssertionViolation{
			Category:    "JobQueue",
			Severity:    "warning",
			Description: fmt.Sprintf("%d job(s) marked active before workers started; they will be requeued after the visibility timeout", n),
		})
	}
}

// assertHistoryBackupLinkage checks that history records do not reference
// backups that were never written
func assertHistoryBackupLinkage(db *sql.DB, result *AssertionResult) {
	log.Println("   📋 Checking history to backup linkage...")

	var n int
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s m
		WHERE m.backup_id IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM %s b WHERE b.id = m.backup_id)
	`, persistence.TableMigrations, persistence.TableBackups)
	if err := db.QueryRow(query).Scan(&n); err != nil {
		log.Printf("   ⚠️  Could not check backup linkage: %v", err)
		return
	}
	if n > 0 {
		result.Violations = append(result.Violations, AssertionViolation{
			Category:    "BackupLinkage",
			Severity:    "warning",
			Description: fmt.Sprintf("%d migration record(s) reference missing backups; the retention sweep may have removed them", n),
		})
	}
}
