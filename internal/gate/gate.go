// Package gate decides whether a session may enter a screen or perform an
// action. Every decision fails closed.
package gate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/staffdesk/staffdesk/internal/auth"
	"github.com/staffdesk/staffdesk/internal/observability"
	"github.com/staffdesk/staffdesk/internal/permissions"
	"github.com/staffdesk/staffdesk/internal/shared"
)

// Reason explains a denial so the caller can pick the right fallback.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonNotAuthenticated       Reason = "not_authenticated"
	ReasonPasswordSetupRequired  Reason = "password_setup_required"
	ReasonInsufficientPermission Reason = "insufficient_permission"
)

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	// Missing lists required permissions the session does not hold.
	Missing []permissions.ID `json:"missing,omitempty"`
}

// Allowed is the decision granting access.
var Allowed = Decision{Allowed: true}

// Denied builds a denial.
func Denied(reason Reason, missing ...permissions.ID) Decision {
	return Decision{Reason: reason, Missing: missing}
}

// Err returns nil for allowed decisions and a *DeniedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Reason: d.Reason, Missing: d.Missing}
}

// DeniedError is the authorization refusal surfaced to end users.
type DeniedError struct {
	Reason  Reason
	Missing []permissions.ID
}

func (e *DeniedError) Error() string {
	if len(e.Missing) == 0 {
		return "access denied: " + string(e.Reason)
	}
	ids := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		ids[i] = string(id)
	}
	return fmt.Sprintf("access denied: %s (%s)", e.Reason, strings.Join(ids, ", "))
}

// Unwrap maps the denial onto the shared taxonomy.
func (e *DeniedError) Unwrap() error {
	if e.Reason == ReasonNotAuthenticated {
		return shared.ErrUnauthenticated
	}
	return shared.ErrForbidden
}

// AsDenied extracts a *DeniedError from err.
func AsDenied(err error) (*DeniedError, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied, true
	}
	return nil, false
}

// Checker answers single permission questions for a session.
type Checker interface {
	Has(state auth.State, id permissions.ID) bool
}

// Gate combines the session stage with permission checks.
type Gate struct {
	catalog *permissions.Catalog
	checker Checker
	metrics *observability.Metrics
}

// New constructs a Gate.
func New(catalog *permissions.Catalog, checker Checker, metrics *observability.Metrics) *Gate {
	return &Gate{catalog: catalog, checker: checker, metrics: metrics}
}

// CanEnter reports whether every required permission is held. With no
// requirements any authenticated session with a role may enter.
func (g *Gate) CanEnter(state auth.State, required ...permissions.ID) bool {
	return g.RequireOrDeny(state, required...).Allowed
}

// RequireOrDeny requires every id in required.
func (g *Gate) RequireOrDeny(state auth.State, required ...permissions.ID) Decision {
	if d, ok := g.stageDecision(state); !ok {
		return g.record(d)
	}
	var missing []permissions.ID
	for _, id := range required {
		if !g.checker.Has(state, id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return g.record(Denied(ReasonInsufficientPermission, missing...))
	}
	return g.record(Allowed)
}

// RequireAny requires at least one id in ids. With no ids it behaves like
// RequireOrDeny without requirements.
func (g *Gate) RequireAny(state auth.State, ids ...permissions.ID) Decision {
	if d, ok := g.stageDecision(state); !ok {
		return g.record(d)
	}
	if len(ids) == 0 {
		return g.record(Allowed)
	}
	for _, id := range ids {
		if g.checker.Has(state, id) {
			return g.record(Allowed)
		}
	}
	return g.record(Denied(ReasonInsufficientPermission, ids...))
}

// stageDecision rejects sessions that cannot hold permissions at all.
func (g *Gate) stageDecision(state auth.State) (Decision, bool) {
	switch state.Stage {
	case auth.StageAuthenticated:
	case auth.StageNeedsPasswordSet:
		return Denied(ReasonPasswordSetupRequired), false
	default:
		return Denied(ReasonNotAuthenticated), false
	}
	if state.Role == nil {
		return Denied(ReasonInsufficientPermission), false
	}
	return Decision{}, true
}

func (g *Gate) record(d Decision) Decision {
	g.metrics.GateDecision(d.Allowed, string(d.Reason))
	return d
}

// normalize dedupes ids and panics on ids missing from the catalog, turning
// a mistyped route requirement into a startup failure.
func (g *Gate) normalize(ids []permissions.ID) []permissions.ID {
	seen := make(map[permissions.ID]struct{}, len(ids))
	out := make([]permissions.ID, 0, len(ids))
	for _, id := range ids {
		id = permissions.ID(strings.TrimSpace(strings.ToLower(string(id))))
		if id == "" {
			continue
		}
		if !g.catalog.Exists(id) {
			panic(fmt.Sprintf("gate: unknown permission %q", id))
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
