package services

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/qcollector/backend/internal/infrastructure/persistence"
	"github.com/qcollector/backend/pkg/auth"
	apperrors "github.com/qcollector/backend/pkg/errors"
)

// UserStore is the persistence surface the auth service needs
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*persistence.User, error)
	GetByID(ctx context.Context, id string) (*persistence.User, error)
	Insert(ctx context.Context, u *persistence.User) error
	Count(ctx context.Context) (int64, error)
}

// AuthService authenticates users and issues JWT session tokens
type AuthService struct {
	users UserStore
}

// NewAuthService creates a new AuthService
func NewAuthService(users UserStore) *AuthService {
	return &AuthService{users: users}
}

// Login verifies credentials and returns a signed session token
func (s *AuthService) Login(ctx context.Context, username, password string) (string, auth.UserSession, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		// same response for unknown user and wrong password
		if apperrors.IsNotFound(err) {
			return "", auth.UserSession{}, apperrors.NewUnauthorizedError("invalid credentials")
		}
		return "", auth.UserSession{}, err
	}

	if !auth.VerifyPassword(password, user.PasswordHash) {
		return "", auth.UserSession{}, apperrors.NewUnauthorizedError("invalid credentials")
	}

	session := auth.UserSession{
		ID:       user.ID,
		Username: user.Username,
		Name:     user.Name,
		Role:     user.Role,
	}
	token, err := auth.GenerateToken(session)
	if err != nil {
		return "", auth.UserSession{}, apperrors.NewInternalError("failed to sign session token", err)
	}

	log.Printf("🔐 User %s logged in (role %s)", user.Username, user.Role)
	return token, session, nil
}

// ValidateSession parses and verifies a bearer token
func (s *AuthService) ValidateSession(ctx context.Context, tokenString string) (*auth.Claims, error) {
	claims, err := auth.ValidateToken(tokenString)
	if err != nil {
		return nil, apperrors.NewUnauthorizedError("invalid or expired token")
	}
	return claims, nil
}

// CreateUser registers a new user with a hashed password
func (s *AuthService) CreateUser(ctx context.Context, username, name, role, password string) (*persistence.User, error) {
	if username == "" {
		return nil, apperrors.NewValidationError("username", "username is required")
	}
	if !IsTrustedRole(role) && role != "general_user" {
		return nil, apperrors.NewValidationError("role", "unknown role "+role)
	}
	if err := auth.ValidatePasswordStrength(password); err != nil {
		return nil, apperrors.NewValidationError("password", err.Error())
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to hash password", err)
	}

	user := &persistence.User{
		ID:           uuid.New().String(),
		Username:     username,
		Name:         name,
		Role:         role,
		PasswordHash: hash,
		IsActive:     true,
	}
	if err := s.users.Insert(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// UserCount reports how many users exist, used by bootstrap to decide whether
// to seed the initial super admin
func (s *AuthService) UserCount(ctx context.Context) (int64, error) {
	return s.users.Count(ctx)
}
