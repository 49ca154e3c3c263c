package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/staffdesk/staffdesk/internal/shared"
)

const defaultTimeout = 5 * time.Second

// Repository provides PostgreSQL backed profile lookups.
type Repository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewRepository constructs a repository. timeout bounds each query.
func NewRepository(pool *pgxpool.Pool, timeout time.Duration) *Repository {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Repository{pool: pool, timeout: timeout}
}

// GetProfile returns the profile for userID.
func (r *Repository) GetProfile(ctx context.Context, userID uuid.UUID) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var p Profile
	err := r.pool.QueryRow(ctx,
		`SELECT id, role_id, status, password_confirmed, updated_at FROM user_profiles WHERE id = $1`, userID,
	).Scan(&p.ID, &p.RoleID, &p.Status, &p.PasswordConfirmed, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, fmt.Errorf("profile %s: %w", userID, shared.ErrNotFound)
		}
		return Profile{}, shared.ClassifyStorage(ctx, "users: get profile", err)
	}
	return p, nil
}

// AssignRole points the profile at roleID, or clears it when roleID is nil.
func (r *Repository) AssignRole(ctx context.Context, userID uuid.UUID, roleID *uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `UPDATE user_profiles SET role_id = $2, updated_at = NOW() WHERE id = $1`, userID, roleID)
	if err != nil {
		return shared.ClassifyStorage(ctx, "users: assign role", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("profile %s: %w", userID, shared.ErrNotFound)
	}
	return nil
}
