package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/staffdesk/staffdesk/internal/permissions"
	"github.com/staffdesk/staffdesk/internal/platform/httpx"
	"github.com/staffdesk/staffdesk/internal/roles"
	"github.com/staffdesk/staffdesk/internal/shared"
)

// Handler exposes the session manager over HTTP.
type Handler struct {
	manager  *Manager
	logger   *slog.Logger
	webhooks *WebhookVerifier
	validate *validator.Validate
}

// NewHandler constructs a Handler. A nil verifier accepts unsigned callbacks.
func NewHandler(manager *Manager, logger *slog.Logger, webhooks *WebhookVerifier) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{manager: manager, logger: logger, webhooks: webhooks, validate: validator.New()}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/events", h.postEvent)
		r.Get("/state", h.getState)
	})
}

type eventRequest struct {
	Kind         string `json:"kind" validate:"required,max=32"`
	SessionToken string `json:"session_token" validate:"max=4096"`
	UserID       string `json:"user_id" validate:"omitempty,uuid"`
	FlowID       string `json:"flow_id" validate:"max=64"`
}

type stateResponse struct {
	Stage        Stage                   `json:"stage"`
	UserID       *uuid.UUID              `json:"user_id,omitempty"`
	Role         *roles.Role             `json:"role,omitempty"`
	Permissions  map[permissions.ID]bool `json:"permissions"`
	PasswordFlow string                  `json:"password_flow,omitempty"`
	Degraded     bool                    `json:"degraded"`
	Error        string                  `json:"error,omitempty"`
}

func newStateResponse(s State) stateResponse {
	resp := stateResponse{
		Stage:        s.Stage,
		Role:         s.Role,
		Permissions:  s.Permissions,
		PasswordFlow: s.PasswordFlow,
		Degraded:     s.Degraded,
	}
	if s.UserID != uuid.Nil {
		id := s.UserID
		resp.UserID = &id
	}
	if s.Err != nil {
		resp.Error = "role data unavailable"
	}
	return resp
}

func (h *Handler) postEvent(w http.ResponseWriter, r *http.Request) {
	var claims *WebhookClaims
	if h.webhooks != nil {
		var err error
		if claims, err = h.webhooks.Verify(r.Header.Get(WebhookTokenHeader)); err != nil {
			h.logger.Warn("rejected identity provider callback", slog.Any("error", err))
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid webhook token")
			return
		}
	}
	var req eventRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if claims != nil && !claims.Allows(EventKind(req.Kind)) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "webhook token not valid for "+req.Kind)
		return
	}
	ev := Event{Kind: EventKind(req.Kind), SessionToken: req.SessionToken, FlowID: req.FlowID}
	if req.UserID != "" {
		ev.UserID = uuid.MustParse(req.UserID)
	}

	state, err := h.manager.Dispatch(r.Context(), ev)
	switch {
	case err == nil:
	case errors.Is(err, ErrFlowMismatch):
		httpx.Problem(w, http.StatusConflict, "Password Flow Mismatch", err.Error())
		return
	case errors.Is(err, ErrSuperseded):
		httpx.Problem(w, http.StatusConflict, "Superseded", err.Error())
		return
	case errors.Is(err, shared.ErrTransient):
		// The state is already degraded; report it so the caller can retry.
		h.logger.Warn("auth event degraded", slog.String("kind", req.Kind), slog.Any("error", err))
		w.Header().Set("Retry-After", "1")
		httpx.JSON(w, http.StatusServiceUnavailable, newStateResponse(state))
		return
	default:
		if !errors.Is(err, shared.ErrValidation) && !errors.Is(err, shared.ErrNotFound) {
			h.logger.Error("auth event failed", slog.String("kind", req.Kind), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newStateResponse(state))
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	token := BearerToken(r)
	if token == "" {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
		return
	}
	state, _ := h.manager.State(token)
	httpx.JSON(w, http.StatusOK, newStateResponse(state))
}

// BearerToken extracts the session token from the Authorization header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
