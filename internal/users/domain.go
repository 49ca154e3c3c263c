package users

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a staff profile.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusInactive:
		return true
	}
	return false
}

// CanAuthenticate reports whether a profile in this status may hold an
// authenticated session. Pending profiles behave like active ones.
func (s Status) CanAuthenticate() bool {
	return s == StatusPending || s == StatusActive
}

// Profile is the staff record the engine reads to resolve a user's role.
type Profile struct {
	ID                uuid.UUID  `json:"id"`
	RoleID            *uuid.UUID `json:"role_id,omitempty"`
	Status            Status     `json:"status"`
	PasswordConfirmed bool       `json:"password_confirmed"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// HasRole reports whether an administrator has assigned a role.
func (p Profile) HasRole() bool {
	return p.RoleID != nil && *p.RoleID != uuid.Nil
}
