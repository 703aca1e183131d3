package services

import (
	"github.com/qcollector/backend/internal/domain/migration"
	apperrors "github.com/qcollector/backend/pkg/errors"
)

// Roles known to the migration system
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleModerator  = "moderator"
)

// Operations gated by role
const (
	OpPreview       = "migration.preview"
	OpApply         = "migration.apply"
	OpHistory       = "migration.history"
	OpRollback      = "migration.rollback"
	OpListBackups   = "backup.list"
	OpRestoreBackup = "backup.restore"
	OpQueueStatus   = "queue.status"
	OpCancelJob     = "queue.cancel"
)

// roleMatrix maps each operation to the roles allowed to perform it.
// super_admin can do everything; admin plans and applies; moderator observes.
var roleMatrix = map[string]map[string]bool{
	OpPreview:       {RoleSuperAdmin: true, RoleAdmin: true, RoleModerator: true},
	OpApply:         {RoleSuperAdmin: true, RoleAdmin: true},
	OpHistory:       {RoleSuperAdmin: true, RoleModerator: true},
	OpRollback:      {RoleSuperAdmin: true},
	OpListBackups:   {RoleSuperAdmin: true, RoleModerator: true},
	OpRestoreBackup: {RoleSuperAdmin: true},
	OpQueueStatus:   {RoleSuperAdmin: true, RoleAdmin: true, RoleModerator: true},
	OpCancelJob:     {RoleSuperAdmin: true, RoleAdmin: true},
}

// IsTrustedRole reports whether a role may use the migration API at all
func IsTrustedRole(role string) bool {
	return role == RoleSuperAdmin || role == RoleAdmin || role == RoleModerator
}

// AuthorizeMigration gates one operation on the actor's role
func AuthorizeMigration(actor migration.Actor, operation string) error {
	if actor.Role == "" {
		return apperrors.NewUnauthorizedError("missing role")
	}
	allowed, known := roleMatrix[operation]
	if !known {
		return apperrors.NewPermissionError(operation, actor.Role)
	}
	if !allowed[actor.Role] {
		return apperrors.NewPermissionError(operation, actor.Role)
	}
	return nil
}
