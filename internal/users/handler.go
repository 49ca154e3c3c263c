package users

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/staffdesk/staffdesk/internal/permissions"
	"github.com/staffdesk/staffdesk/internal/platform/httpx"
	"github.com/staffdesk/staffdesk/internal/roles"
	"github.com/staffdesk/staffdesk/internal/shared"
)

// ProfileStore reads and updates profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (Profile, error)
	AssignRole(ctx context.Context, userID uuid.UUID, roleID *uuid.UUID) error
}

// RoleLookup resolves roles by id.
type RoleLookup interface {
	Get(ctx context.Context, id uuid.UUID) (roles.Role, error)
}

// SessionRefresher rebuilds the live sessions of a user.
type SessionRefresher interface {
	RefreshUser(ctx context.Context, userID uuid.UUID) error
}

// Handler exposes profile role assignment.
type Handler struct {
	logger   *slog.Logger
	profiles ProfileStore
	roles    RoleLookup
	sessions SessionRefresher
	audit    shared.AuditRecorder
	guard    roles.Guard
}

// NewHandler constructs handler. sessions and audit may be nil.
func NewHandler(logger *slog.Logger, profiles ProfileStore, roleLookup RoleLookup, sessions SessionRefresher, audit shared.AuditRecorder, guard roles.Guard) *Handler {
	return &Handler{logger: logger, profiles: profiles, roles: roleLookup, sessions: sessions, audit: audit, guard: guard}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/users/{id}", func(r chi.Router) {
		r.With(h.guard.RequireAll(permissions.ViewUsers)).Get("/profile", h.show)
		r.With(h.guard.RequireAll(permissions.EditUsers)).Put("/role", h.assignRole)
	})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	profile, err := h.profiles.GetProfile(r.Context(), id)
	if err != nil {
		h.fail(w, "get profile", err)
		return
	}
	httpx.JSON(w, http.StatusOK, profile)
}

type assignRoleRequest struct {
	RoleID *uuid.UUID `json:"role_id"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if req.RoleID != nil && *req.RoleID == uuid.Nil {
		req.RoleID = nil
	}
	if req.RoleID != nil {
		if _, err := h.roles.Get(r.Context(), *req.RoleID); err != nil {
			h.fail(w, "assign role", err)
			return
		}
	}
	if err := h.profiles.AssignRole(r.Context(), id, req.RoleID); err != nil {
		h.fail(w, "assign role", err)
		return
	}
	if h.sessions != nil {
		if err := h.sessions.RefreshUser(context.WithoutCancel(r.Context()), id); err != nil {
			h.logger.Warn("refresh sessions after role change", slog.String("user_id", id.String()), slog.Any("error", err))
		}
	}
	if h.audit != nil {
		meta := map[string]any{"role_id": nil}
		if req.RoleID != nil {
			meta["role_id"] = req.RoleID.String()
		}
		entry := shared.AuditLog{
			ActorID:  shared.ActorFromContext(r.Context()),
			Action:   "users.assign_role",
			Entity:   "user_profile",
			EntityID: id.String(),
			Meta:     meta,
		}
		if err := h.audit.Record(context.WithoutCancel(r.Context()), entry); err != nil {
			h.logger.Warn("audit assign role", slog.Any("error", err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !errors.Is(err, shared.ErrNotFound) && !errors.Is(err, shared.ErrValidation) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid User ID", "user id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
