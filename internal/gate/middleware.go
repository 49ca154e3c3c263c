package gate

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/staffdesk/staffdesk/internal/auth"
	"github.com/staffdesk/staffdesk/internal/permissions"
	"github.com/staffdesk/staffdesk/internal/platform/httpx"
	"github.com/staffdesk/staffdesk/internal/shared"
)

// StateResolver resolves the session state for a token.
type StateResolver interface {
	State(token string) (auth.State, bool)
}

// Middleware wires gate checks into HTTP handlers.
type Middleware struct {
	Gate     *Gate
	Sessions StateResolver
	Logger   *slog.Logger
}

type stateKey struct{}

// StateFromContext returns the session state the middleware resolved.
func StateFromContext(ctx context.Context) (auth.State, bool) {
	state, ok := ctx.Value(stateKey{}).(auth.State)
	return state, ok
}

// RequireAll ensures the caller holds every listed permission.
func (m Middleware) RequireAll(perms ...permissions.ID) func(http.Handler) http.Handler {
	required := m.Gate.normalize(perms)
	return m.guard(func(state auth.State) Decision {
		return m.Gate.RequireOrDeny(state, required...)
	})
}

// RequireAny ensures the caller holds at least one listed permission.
func (m Middleware) RequireAny(perms ...permissions.ID) func(http.Handler) http.Handler {
	required := m.Gate.normalize(perms)
	return m.guard(func(state auth.State) Decision {
		return m.Gate.RequireAny(state, required...)
	})
}

func (m Middleware) guard(decide func(auth.State) Decision) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state, _ := m.Sessions.State(auth.BearerToken(r))
			decision := decide(state)
			if !decision.Allowed {
				if m.Logger != nil {
					m.Logger.Debug("gate denied request",
						slog.String("path", r.URL.Path),
						slog.String("reason", string(decision.Reason)),
					)
				}
				RespondDenied(w, decision)
				return
			}
			ctx := context.WithValue(r.Context(), stateKey{}, state)
			ctx = shared.ContextWithActor(ctx, state.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RespondDenied renders a denial as a problem response carrying the reason code.
func RespondDenied(w http.ResponseWriter, d Decision) {
	switch d.Reason {
	case ReasonNotAuthenticated:
		httpx.ProblemWithCode(w, http.StatusUnauthorized, "Unauthorized", string(d.Reason))
	default:
		httpx.ProblemWithCode(w, http.StatusForbidden, "Forbidden", string(d.Reason))
	}
}
