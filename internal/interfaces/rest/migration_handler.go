package rest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qcollector/backend/internal/domain/migration"
	"github.com/qcollector/backend/internal/infrastructure/persistence"
)

// MigrationAPI is the service surface this handler exposes over HTTP
type MigrationAPI interface {
	Preview(ctx context.Context, actor migration.Actor, formID string, newFields []migration.FieldDescriptor) ([]migration.Preview, error)
	Apply(ctx context.Context, actor migration.Actor, formID string, newFields []migration.FieldDescriptor) ([]string, error)
	History(ctx context.Context, actor migration.Actor, formID string, limit, offset int) ([]migration.Record, error)
	Rollback(ctx context.Context, actor migration.Actor, migrationID string) (string, error)
	ListBackups(ctx context.Context, actor migration.Actor, formID string, filter persistence.BackupFilter) ([]migration.Backup, error)
	RestoreBackup(ctx context.Context, actor migration.Actor, backupID string) (int, error)
	QueueStatus(ctx context.Context, actor migration.Actor) (migration.QueueStatus, error)
	JobMetrics(ctx context.Context, actor migration.Actor, formID string, limit int) ([]migration.Job, error)
	CancelJob(ctx context.Context, actor migration.Actor, jobID string) error
}

// MigrationHandler serves the migration surface: preview, apply, history,
// rollback, backups and queue inspection. Role checks live in the service
// layer; the handler only shapes requests and responses.
type MigrationHandler struct {
	svc MigrationAPI
}

// NewMigrationHandler creates a new MigrationHandler
func NewMigrationHandler(svc MigrationAPI) *MigrationHandler {
	return &MigrationHandler{svc: svc}
}

// fieldListRequest is the payload for preview and apply: the full proposed
// field list, not a delta
type fieldListRequest struct {
	Fields []migration.FieldDescriptor `json:"fields"`
}

// Preview handles POST /api/forms/:formId/migrations/preview
func (h *MigrationHandler) Preview(c *gin.Context) {
	formID := c.Param("formId")
	var req fieldListRequest
	if !BindJSON(c, &req) {
		return
	}

	actor := GetActorFromContext(c)
	HandleGetEnvelope(c, "previews", func() (interface{}, error) {
		return h.svc.Preview(c.Request.Context(), actor, formID, req.Fields)
	})
}

// Apply handles PUT /api/forms/:formId/fields
func (h *MigrationHandler) Apply(c *gin.Context) {
	formID := c.Param("formId")
	var req fieldListRequest
	if !BindJSON(c, &req) {
		return
	}

	actor := GetActorFromContext(c)
	jobIDs, err := h.svc.Apply(c.Request.Context(), actor, formID, req.Fields)
	if err != nil {
		RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Field changes queued",
		"job_ids": jobIDs,
	})
}

// History handles GET /api/forms/:formId/migrations
func (h *MigrationHandler) History(c *gin.Context) {
	formID := c.Param("formId")
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	actor := GetActorFromContext(c)
	HandleGetEnvelope(c, "migrations", func() (interface{}, error) {
		return h.svc.History(c.Request.Context(), actor, formID, limit, offset)
	})
}

// Rollback handles POST /api/migrations/:migrationId/rollback
func (h *MigrationHandler) Rollback(c *gin.Context) {
	migrationID := c.Param("migrationId")

	actor := GetActorFromContext(c)
	jobID, err := h.svc.Rollback(c.Request.Context(), actor, migrationID)
	if err != nil {
		RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Rollback queued",
		"job_id":  jobID,
	})
}

// ListBackups handles GET /api/forms/:formId/backups?filter=active|expired|all
func (h *MigrationHandler) ListBackups(c *gin.Context) {
	formID := c.Param("formId")
	filter := persistence.BackupFilter(c.DefaultQuery("filter", "active"))

	actor := GetActorFromContext(c)
	HandleGetEnvelope(c, "backups", func() (interface{}, error) {
		return h.svc.ListBackups(c.Request.Context(), actor, formID, filter)
	})
}

// RestoreBackup handles POST /api/backups/:backupId/restore
func (h *MigrationHandler) RestoreBackup(c *gin.Context) {
	backupID := c.Param("backupId")

	actor := GetActorFromContext(c)
	restored, err := h.svc.RestoreBackup(c.Request.Context(), actor, backupID)
	if err != nil {
		RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       "Backup restored",
		"restored_rows": restored,
	})
}

// QueueStatus handles GET /api/migrations/queue/status
func (h *MigrationHandler) QueueStatus(c *gin.Context) {
	actor := GetActorFromContext(c)
	HandleGetEnvelope(c, "queue", func() (interface{}, error) {
		return h.svc.QueueStatus(c.Request.Context(), actor)
	})
}

// JobMetrics handles GET /api/forms/:formId/jobs
func (h *MigrationHandler) JobMetrics(c *gin.Context) {
	formID := c.Param("formId")
	limit := intQuery(c, "limit", 20)

	actor := GetActorFromContext(c)
	HandleGetEnvelope(c, "jobs", func() (interface{}, error) {
		return h.svc.JobMetrics(c.Request.Context(), actor, formID, limit)
	})
}

// CancelJob handles DELETE /api/migrations/jobs/:jobId
func (h *MigrationHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("jobId")

	actor := GetActorFromContext(c)
	if err := h.svc.CancelJob(c.Request.Context(), actor, jobID); err != nil {
		RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Job cancelled"})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
