package roles

import (
	"time"

	"github.com/google/uuid"

	"github.com/staffdesk/staffdesk/internal/permissions"
)

// Role represents a named bundle of permissions assigned to staff.
type Role struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleWithPermissions couples a role with the permission ids it currently grants.
type RoleWithPermissions struct {
	Role
	PermissionIDs []permissions.ID `json:"permission_ids"`
}

// CreateInput describes a new role.
type CreateInput struct {
	Name          string           `json:"name" validate:"required,max=100"`
	Description   string           `json:"description" validate:"max=500"`
	PermissionIDs []permissions.ID `json:"permission_ids"`
}

// UpdateInput describes the desired state of an existing role.
type UpdateInput struct {
	Name          string           `json:"name" validate:"required,max=100"`
	Description   string           `json:"description" validate:"max=500"`
	PermissionIDs []permissions.ID `json:"permission_ids"`
}

// DeleteResult reports side effects of a role deletion. OrphanedUsers lists
// profiles that pointed at the role and now have no role at all.
type DeleteResult struct {
	OrphanedUsers []uuid.UUID `json:"orphaned_users"`
}

// HasOrphans reports whether the deletion left users without a role.
func (r DeleteResult) HasOrphans() bool { return len(r.OrphanedUsers) > 0 }
