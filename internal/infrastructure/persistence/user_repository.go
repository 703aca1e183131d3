package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/qcollector/backend/pkg/errors"
)

// User is one row of the system user table. Passwords are stored as bcrypt
// hashes, never in plain text.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserRepository persists the system users that authenticate against the API
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = "id, username, name, role, password_hash, is_active, created_at, updated_at"

// GetByUsername loads an active user by username
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE username = ? AND is_active = TRUE`, userColumns, TableUsers)

	var u User
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&u.ID, &u.Username, &u.Name, &u.Role, &u.PasswordHash, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("user", username)
	}
	if err != nil {
		return nil, ClassifyDBError("user lookup", err)
	}
	return &u, nil
}

// GetByID loads a user by primary key regardless of active state
func (r *UserRepository) GetByID(ctx context.Context, id string) (*User, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, userColumns, TableUsers)

	var u User
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Username, &u.Name, &u.Role, &u.PasswordHash, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("user", id)
	}
	if err != nil {
		return nil, ClassifyDBError("user lookup", err)
	}
	return &u, nil
}

// Insert creates a new user row
func (r *UserRepository) Insert(ctx context.Context, u *User) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, username, name, role, password_hash, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, TRUE, NOW(), NOW())
	`, TableUsers)

	if _, err := r.db.ExecContext(ctx, query, u.ID, u.Username, u.Name, u.Role, u.PasswordHash); err != nil {
		return ClassifyDBError("user insert", err)
	}
	return nil
}

// Count returns the number of user rows, active or not
func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, TableUsers)
	if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, ClassifyDBError("user count", err)
	}
	return n, nil
}
