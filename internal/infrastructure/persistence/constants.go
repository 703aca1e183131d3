package persistence

import "strings"

// System table names. Dynamic per-form tables never carry the system prefix.
const (
	TableMigrations = "_system_migration"
	TableBackups    = "_system_backup"
	TableJobs       = "_system_migration_job"
	TableUsers      = "_system_user"
	TableForms      = "forms"
	TableFormFields = "form_fields"
)

// SystemTablePrefix marks tables owned by the migration system itself
const SystemTablePrefix = "_system_"

// Dynamic table system columns. Every per-form table carries these; user
// fields are added and removed around them by the engine.
const (
	ColumnRowID       = "id"
	ColumnSubmittedAt = "submitted_at"
)

// IsSystemTable checks if a table name is a system table
func IsSystemTable(tableName string) bool {
	return strings.HasPrefix(tableName, SystemTablePrefix)
}

// IsSystemColumn returns true for columns that belong to the dynamic table
// scaffold rather than to a user field
func IsSystemColumn(name string) bool {
	switch strings.ToLower(name) {
	case ColumnRowID, ColumnSubmittedAt:
		return true
	}
	return false
}
