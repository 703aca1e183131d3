package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qcollector/backend/internal/application/services"
)

// AuthHandler serves login and session introspection
type AuthHandler struct {
	svc *services.ServiceManager
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(svc *services.ServiceManager) *AuthHandler {
	return &AuthHandler{svc: svc}
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !BindJSON(c, &req) {
		return
	}

	token, session, err := h.svc.Auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"user":  session,
	})
}

// GetMe handles GET /api/auth/me
func (h *AuthHandler) GetMe(c *gin.Context) {
	actor := GetActorFromContext(c)
	c.JSON(http.StatusOK, gin.H{"user": actor})
}
