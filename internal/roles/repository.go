package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/staffdesk/staffdesk/internal/permissions"
	"github.com/staffdesk/staffdesk/internal/platform/db"
	"github.com/staffdesk/staffdesk/internal/shared"
)

// Repository defines persistence for roles and their permission assignments.
// Writes are only issued through a repository handed out by WithTx.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id uuid.UUID) (Role, error)
	RolePermissionIDs(ctx context.Context, roleID uuid.UUID) ([]permissions.ID, error)
	InsertRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) error
	DeleteRole(ctx context.Context, id uuid.UUID) error
	InsertAssignment(ctx context.Context, roleID uuid.UUID, permissionID permissions.ID) error
	DeleteAssignment(ctx context.Context, roleID uuid.UUID, permissionID permissions.ID) error
	UsersWithRole(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error)
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

type repository struct {
	db   dbtx
	pool *pgxpool.Pool
	inTx bool
}

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	if r.inTx {
		return fn(ctx, r)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool, inTx: true})
	})
}

func (r *repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, COALESCE(description, ''), created_at, updated_at FROM roles ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (r *repository) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	query := `SELECT id, name, COALESCE(description, ''), created_at, updated_at FROM roles WHERE id = $1`
	if r.inTx {
		query += ` FOR UPDATE`
	}
	var role Role
	err := r.db.QueryRow(ctx, query, id).Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("role %s: %w", id, shared.ErrNotFound)
		}
		return Role{}, err
	}
	return role, nil
}

func (r *repository) RolePermissionIDs(ctx context.Context, roleID uuid.UUID) ([]permissions.ID, error) {
	rows, err := r.db.Query(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1 ORDER BY permission_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []permissions.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, permissions.ID(id))
	}
	return ids, rows.Err()
}

func (r *repository) InsertRole(ctx context.Context, role Role) (Role, error) {
	err := r.db.QueryRow(ctx,
		`INSERT INTO roles (id, name, description, created_at, updated_at) VALUES ($1, $2, NULLIF($3, ''), NOW(), NOW()) RETURNING created_at, updated_at`,
		role.ID, role.Name, role.Description,
	).Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return Role{}, fmt.Errorf("role name %q: %w", role.Name, shared.ErrConflict)
		}
		return Role{}, err
	}
	return role, nil
}

func (r *repository) UpdateRole(ctx context.Context, role Role) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE roles SET name = $2, description = NULLIF($3, ''), updated_at = NOW() WHERE id = $1`,
		role.ID, role.Name, role.Description,
	)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return fmt.Errorf("role name %q: %w", role.Name, shared.ErrConflict)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("role %s: %w", role.ID, shared.ErrNotFound)
	}
	return nil
}

func (r *repository) DeleteRole(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("role %s: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (r *repository) InsertAssignment(ctx context.Context, roleID uuid.UUID, permissionID permissions.ID) error {
	_, err := r.db.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`, roleID, string(permissionID))
	return err
}

func (r *repository) DeleteAssignment(ctx context.Context, roleID uuid.UUID, permissionID permissions.ID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, string(permissionID))
	return err
}

func (r *repository) UsersWithRole(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM user_profiles WHERE role_id = $1 ORDER BY id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ Repository = (*repository)(nil)
