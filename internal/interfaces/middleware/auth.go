package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qcollector/backend/internal/application/services"
	"github.com/qcollector/backend/pkg/auth"
)

// ContextKeyUser is the gin context key holding the authenticated session
const ContextKeyUser = "user"

// RequireAuth is a middleware that validates JWT tokens
func RequireAuth(authSvc *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "No authorization token provided")
			return
		}

		// Extract token (format: "Bearer <token>")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortUnauthorized(c, "Invalid authorization header format")
			return
		}

		claims, err := authSvc.ValidateSession(c.Request.Context(), parts[1])
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		c.Set(ContextKeyUser, claims.User)
		c.Next()
	}
}

// RequireTrustedRole rejects sessions whose role is outside the migration
// role matrix entirely. Per-operation gating happens in the service layer.
func RequireTrustedRole() gin.HandlerFunc {
	return func(c *gin.Context) {
		userInterface, exists := c.Get(ContextKeyUser)
		if !exists {
			abortUnauthorized(c, "User not authenticated")
			return
		}

		user := userInterface.(auth.UserSession)
		if !services.IsTrustedRole(user.Role) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "Forbidden",
				"message": "Only super admins, admins and moderators can access migration resources",
				"code":    "PERMISSION_DENIED",
				"data":    nil,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": message,
		"code":    "UNAUTHORIZED",
		"data":    nil,
	})
	c.Abort()
}
