package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qcollector/backend/internal/application/services"
	"github.com/qcollector/backend/internal/domain/migration"
)

// FormHandler serves form definition CRUD. Field list changes after creation
// go through the MigrationHandler so every schema change is queued.
type FormHandler struct {
	svc *services.ServiceManager
}

// NewFormHandler creates a new FormHandler
func NewFormHandler(svc *services.ServiceManager) *FormHandler {
	return &FormHandler{svc: svc}
}

// CreateForm handles POST /api/forms
func (h *FormHandler) CreateForm(c *gin.Context) {
	var req struct {
		Title  string                      `json:"title"`
		Fields []migration.FieldDescriptor `json:"fields"`
	}
	if !BindJSON(c, &req) {
		return
	}

	actor := GetActorFromContext(c)
	form, err := h.svc.Forms.CreateForm(c.Request.Context(), actor, req.Title, req.Fields)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "Form created successfully",
		"form":    form,
	})
}

// GetForm handles GET /api/forms/:formId
func (h *FormHandler) GetForm(c *gin.Context) {
	formID := c.Param("formId")
	HandleGetEnvelope(c, "form", func() (interface{}, error) {
		return h.svc.Forms.GetForm(c.Request.Context(), formID)
	})
}

// ListForms handles GET /api/forms
func (h *FormHandler) ListForms(c *gin.Context) {
	HandleGetEnvelope(c, "forms", func() (interface{}, error) {
		return h.svc.Forms.ListForms(c.Request.Context())
	})
}
