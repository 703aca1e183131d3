// Package events defines the event types the migration system emits to its
// pluggable sink. Delivery is best-effort; no component blocks on a handler.
package events

// EventType identifies an event emitted by the migration system
type EventType string

const (
	MigrationEnqueued  EventType = "migration.enqueued"
	MigrationStarted   EventType = "migration.started"
	MigrationCompleted EventType = "migration.completed"
	MigrationFailed    EventType = "migration.failed"
	QueueDepthChanged  EventType = "queue.depth_changed"
)

// MigrationEventPayload is the payload carried by migration lifecycle events
type MigrationEventPayload struct {
	JobID      string `json:"job_id,omitempty"`
	FormID     string `json:"form_id"`
	Type       string `json:"type,omitempty"`
	TableName  string `json:"table_name,omitempty"`
	ColumnName string `json:"column_name,omitempty"`
	Error      string `json:"error,omitempty"`
	QueueDepth int    `json:"queue_depth,omitempty"`
}
