package roles

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/staffdesk/staffdesk/internal/permissions"
	"github.com/staffdesk/staffdesk/internal/platform/httpx"
	"github.com/staffdesk/staffdesk/internal/shared"
)

// Guard builds permission checking middleware.
type Guard interface {
	RequireAll(perms ...permissions.ID) func(http.Handler) http.Handler
	RequireAny(perms ...permissions.ID) func(http.Handler) http.Handler
}

// Handler exposes the administrative roles API.
type Handler struct {
	logger  *slog.Logger
	store   *Store
	catalog *permissions.Catalog
	guard   Guard
}

// NewHandler constructs handler.
func NewHandler(logger *slog.Logger, store *Store, catalog *permissions.Catalog, guard Guard) *Handler {
	return &Handler{logger: logger, store: store, catalog: catalog, guard: guard}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.guard.RequireAny(permissions.ViewRoles, permissions.EditRoles)).Get("/permissions", h.listPermissions)
	r.Route("/roles", func(r chi.Router) {
		r.With(h.guard.RequireAll(permissions.ViewRoles)).Get("/", h.list)
		r.With(h.guard.RequireAll(permissions.ViewRoles)).Get("/{id}", h.show)
		r.With(h.guard.RequireAll(permissions.EditRoles)).Post("/", h.create)
		r.With(h.guard.RequireAll(permissions.EditRoles)).Put("/{id}", h.update)
		r.With(h.guard.RequireAll(permissions.EditRoles)).Delete("/{id}", h.remove)
	})
}

type permissionsResponse struct {
	Permissions []permissions.Permission            `json:"permissions"`
	Categories  map[string][]permissions.Permission `json:"categories"`
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, permissionsResponse{
		Permissions: h.catalog.List(),
		Categories:  h.catalog.GroupedByCategory(),
	})
}

type roleView struct {
	Role
	Protected bool `json:"protected"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.List(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	out := make([]roleView, len(roles))
	for i, role := range roles {
		out[i] = roleView{Role: role, Protected: h.store.IsProtected(role.Name)}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := roleID(w, r)
	if !ok {
		return
	}
	role, err := h.store.GetWithPermissions(r.Context(), id)
	if err != nil {
		h.fail(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct {
		RoleWithPermissions
		Protected bool `json:"protected"`
	}{role, h.store.IsProtected(role.Name)})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	role, err := h.store.Create(r.Context(), in)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	w.Header().Set("Location", "/roles/"+role.ID.String())
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := roleID(w, r)
	if !ok {
		return
	}
	var in UpdateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.store.Update(r.Context(), id, in); err != nil {
		h.fail(w, "update role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deleteResponse struct {
	DeleteResult
	Warning string `json:"warning,omitempty"`
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := roleID(w, r)
	if !ok {
		return
	}
	result, err := h.store.Delete(r.Context(), id)
	if err != nil {
		h.fail(w, "delete role", err)
		return
	}
	if result.OrphanedUsers == nil {
		result.OrphanedUsers = []uuid.UUID{}
	}
	resp := deleteResponse{DeleteResult: result}
	if result.HasOrphans() {
		resp.Warning = "users assigned to this role now have no permissions until a new role is assigned"
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, shared.ErrValidation), errors.Is(err, shared.ErrNotFound),
		errors.Is(err, shared.ErrConflict), errors.Is(err, shared.ErrProtectedRole):
		h.logger.Info(op+" rejected", slog.Any("error", err))
	default:
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func roleID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Role ID", "role id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
