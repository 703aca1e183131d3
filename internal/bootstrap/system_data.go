package bootstrap

import (
	"context"
	"log"
	"os"

	"github.com/qcollector/backend/internal/application/services"
)

// InitializeSystemData seeds the initial super admin when the user table is
// empty. Existing installations are left untouched.
func InitializeSystemData(auth *services.AuthService) error {
	ctx := context.Background()

	count, err := auth.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	username := os.Getenv("ADMIN_USERNAME")
	if username == "" {
		username = "admin"
	}
	password := os.Getenv("ADMIN_PASSWORD")
	if password == "" {
		password = "ChangeMe123"
		log.Println("⚠️  ADMIN_PASSWORD not set; seeding super admin with the default password")
	}

	user, err := auth.CreateUser(ctx, username, "System Administrator", services.RoleSuperAdmin, password)
	if err != nil {
		return err
	}

	log.Printf("👤 Seeded super admin '%s' (%s)", user.Username, user.ID)
	return nil
}
