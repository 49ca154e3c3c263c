package auth

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/staffdesk/staffdesk/internal/permissions"
	"github.com/staffdesk/staffdesk/internal/roles"
	"github.com/staffdesk/staffdesk/internal/shared"
)

// Stage is the coarse authentication lifecycle position of a session.
type Stage int

const (
	StageLoading Stage = iota
	StageUnauthenticated
	StageNeedsPasswordSet
	StageAuthenticated
)

func (s Stage) String() string {
	switch s {
	case StageLoading:
		return "loading"
	case StageUnauthenticated:
		return "unauthenticated"
	case StageNeedsPasswordSet:
		return "needs_password_set"
	case StageAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// MarshalText renders the stage name.
func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// EventKind tags an identity provider event.
type EventKind string

const (
	// EventSessionRestored reports the result of the initial session check. An
	// empty SessionToken means no session exists.
	EventSessionRestored EventKind = "session-restored"
	EventSignIn          EventKind = "sign-in"
	EventInviteAccept    EventKind = "invite-accept"
	EventRecovery        EventKind = "recovery"
	// EventPasswordUpdated completes a password set flow. It must carry the
	// FlowID the machine issued when it entered StageNeedsPasswordSet.
	EventPasswordUpdated EventKind = "password-updated"
	EventTokenRefresh    EventKind = "token-refresh"
	EventSignOut         EventKind = "sign-out"
	EventSessionExpired  EventKind = "session-expired"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventSessionRestored, EventSignIn, EventInviteAccept, EventRecovery,
		EventPasswordUpdated, EventTokenRefresh, EventSignOut, EventSessionExpired:
		return true
	}
	return false
}

// terminates reports whether the event ends the session.
func (k EventKind) terminates() bool {
	return k == EventSignOut || k == EventSessionExpired
}

// Event is an identity provider notification. The token is opaque to the engine.
type Event struct {
	Kind         EventKind `json:"kind"`
	SessionToken string    `json:"session_token"`
	UserID       uuid.UUID `json:"user_id"`
	FlowID       string    `json:"flow_id,omitempty"`
}

// Validate checks the fields the event kind requires.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("auth: unknown event kind %q: %w", e.Kind, shared.ErrValidation)
	}
	switch e.Kind {
	case EventSignIn, EventInviteAccept, EventRecovery, EventPasswordUpdated:
		if e.UserID == uuid.Nil {
			return fmt.Errorf("auth: %s requires user_id: %w", e.Kind, shared.ErrValidation)
		}
	case EventSessionRestored:
		if e.SessionToken != "" && e.UserID == uuid.Nil {
			return fmt.Errorf("auth: restored session requires user_id: %w", shared.ErrValidation)
		}
	}
	if e.Kind == EventPasswordUpdated && e.FlowID == "" {
		return fmt.Errorf("auth: password-updated requires flow_id: %w", shared.ErrValidation)
	}
	return nil
}

// State is the derived authorization state of a session. It is rebuilt from
// scratch on every transition and never patched in place.
type State struct {
	Stage       Stage                   `json:"stage"`
	UserID      uuid.UUID               `json:"user_id"`
	Role        *roles.Role             `json:"role,omitempty"`
	Permissions map[permissions.ID]bool `json:"permissions"`
	// PasswordFlow is the tag a password-updated event must echo to leave
	// StageNeedsPasswordSet. Empty in every other stage.
	PasswordFlow string `json:"password_flow,omitempty"`
	// Degraded is set when the last transition could not load role data; the
	// stage is then the previous safe stage.
	Degraded bool  `json:"degraded"`
	Err      error `json:"-"`
}

// Clone returns a deep copy safe to hand to callers.
func (s State) Clone() State {
	out := s
	if s.Role != nil {
		role := *s.Role
		out.Role = &role
	}
	out.Permissions = make(map[permissions.ID]bool, len(s.Permissions))
	for k, v := range s.Permissions {
		out.Permissions[k] = v
	}
	return out
}

// Authenticated reports whether the state is fully authenticated.
func (s State) Authenticated() bool { return s.Stage == StageAuthenticated }
