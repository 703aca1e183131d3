// Package migration defines the core records of the field migration system:
// the operations planned from a form diff, the append-only migration history,
// column backups, and queue jobs.
package migration

import "time"

// MigrationType identifies the primitive DDL operation a migration performs
type MigrationType string

const (
	AddColumn    MigrationType = "ADD_COLUMN"
	DropColumn   MigrationType = "DROP_COLUMN"
	RenameColumn MigrationType = "RENAME_COLUMN"
	ModifyColumn MigrationType = "MODIFY_COLUMN"
)

// BackupType identifies why a column snapshot was taken
type BackupType string

const (
	BackupAutoDelete BackupType = "AUTO_DELETE"
	BackupAutoModify BackupType = "AUTO_MODIFY"
	BackupManual     BackupType = "MANUAL"
)

// JobStatus is the lifecycle state of a queued migration job
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDelayed   JobStatus = "delayed"
	JobCancelled JobStatus = "cancelled"
)

// DefaultBackupRetention is the restore window for column snapshots
const DefaultBackupRetention = 90 * 24 * time.Hour

// FieldDescriptor is the engine's view of one form field. The column name is
// derived deterministically from the field identity plus a slug of the title
// and is computed before any transaction opens.
type FieldDescriptor struct {
	ID           string                 `json:"id"`
	Title        string                 `json:"title"`
	Type         string                 `json:"type"`
	ColumnName   string                 `json:"column_name,omitempty"`
	DisplayOrder int                    `json:"display_order"`
	Options      map[string]interface{} `json:"options,omitempty"`
}

// Form is the engine's view of a form definition: an ordered field list plus
// the dynamic table that stores its submissions
type Form struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	TableName string            `json:"table_name"`
	Fields    []FieldDescriptor `json:"fields"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ColumnDescriptor captures the before/after shape of a column for the audit
// trail and for building rollback SQL
type ColumnDescriptor struct {
	ColumnName   string `json:"column_name,omitempty"`
	LogicalType  string `json:"logical_type,omitempty"`
	PhysicalType string `json:"physical_type,omitempty"`
}

// Operation is one planned primitive produced by change detection. Operations
// are enqueued per form and executed strictly in plan order.
type Operation struct {
	Type          MigrationType `json:"type"`
	FieldID       string        `json:"field_id"`
	TableName     string        `json:"table_name"`
	ColumnName    string        `json:"column_name"`
	NewColumnName string        `json:"new_column_name,omitempty"`
	OldType       string        `json:"old_type,omitempty"`
	NewType       string        `json:"new_type,omitempty"`
	// PhysicalType, when set, overrides the logical type mapping. Rollbacks
	// set it so a re-added or re-modified column gets exactly the physical
	// type the original record captured.
	PhysicalType string `json:"physical_type,omitempty"`
	Backup       bool   `json:"backup,omitempty"`
	// RollbackOf links the operation to the history record it reverses
	RollbackOf string `json:"rollback_of,omitempty"`
}

// Record is one entry of the append-only migration history. Once written a
// record is never updated; a rollback appends a new record whose forward SQL
// is the original's rollback SQL.
type Record struct {
	ID           string            `json:"id"`
	FormID       string            `json:"form_id"`
	FieldID      string            `json:"field_id"`
	Type         MigrationType     `json:"type"`
	TableName    string            `json:"table_name"`
	ColumnName   string            `json:"column_name"`
	OldValue     *ColumnDescriptor `json:"old_value,omitempty"`
	NewValue     *ColumnDescriptor `json:"new_value,omitempty"`
	ForwardSQL   string            `json:"forward_sql"`
	RollbackSQL  *string           `json:"rollback_sql,omitempty"`
	Success      bool              `json:"success"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	BackupID     *string           `json:"backup_id,omitempty"`
	ExecutedBy   string            `json:"executed_by"`
	RollbackOf   *string           `json:"rollback_of,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// RowValue is one (rowId, value) tuple of a column snapshot
type RowValue struct {
	RowID string      `json:"row_id"`
	Value interface{} `json:"value"`
}

// Backup is an immutable snapshot of one column's data, restorable until its
// retention window elapses
type Backup struct {
	ID             string     `json:"id"`
	FormID         string     `json:"form_id"`
	TableName      string     `json:"table_name"`
	ColumnName     string     `json:"column_name"`
	Type           BackupType `json:"type"`
	Snapshot       []RowValue `json:"snapshot,omitempty"`
	RecordCount    int        `json:"record_count"`
	RetentionUntil time.Time  `json:"retention_until"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Expired reports whether the backup's restore window has elapsed
func (b *Backup) Expired(now time.Time) bool {
	return !now.Before(b.RetentionUntil)
}

// Job is a queued request to execute one migration operation. Jobs on the
// same form run strictly FIFO; jobs on different forms run in parallel.
type Job struct {
	ID         string     `json:"id"`
	FormID     string     `json:"form_id"`
	Operation  Operation  `json:"operation"`
	Status     JobStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  *string    `json:"last_error,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	EnqueuedBy string     `json:"enqueued_by"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Preview is the dry-run result for one planned operation. Producing a
// preview never mutates any state.
type Preview struct {
	Type           MigrationType `json:"type"`
	ColumnName     string        `json:"column_name"`
	ForwardSQL     string        `json:"forward_sql"`
	RollbackSQL    string        `json:"rollback_sql,omitempty"`
	Valid          bool          `json:"valid"`
	RequiresBackup bool          `json:"requires_backup"`
	EstimatedRows  int64         `json:"estimated_rows"`
	Warnings       []string      `json:"warnings"`
}

// QueueStatus holds per-state job counts over the rolling status window
type QueueStatus struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Cancelled int `json:"cancelled"`
}

// Depth is the number of jobs not yet in a terminal state
func (s QueueStatus) Depth() int {
	return s.Waiting + s.Active + s.Delayed
}

// Actor identifies who requested an operation, for the audit trail and the
// role gate
type Actor struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}
