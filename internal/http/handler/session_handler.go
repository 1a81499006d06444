package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/inkwell-notes/session-service/internal/http/middleware"
	"github.com/inkwell-notes/session-service/internal/http/response"
	"github.com/inkwell-notes/session-service/internal/observability"
	"github.com/inkwell-notes/session-service/internal/security"
	"github.com/inkwell-notes/session-service/internal/service"
)

// SessionHandler exposes the device session list and per-session revocation
// to the account owner.
type SessionHandler struct {
	sessions *service.SessionService
}

func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil)
		return
	}
	currentID := h.currentSessionID(r, user.ID)
	views, err := h.sessions.ListSessions(r.Context(), user.ID, currentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"sessions": views})
}

func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil)
		return
	}
	sessionID, err := strconv.ParseUint(chi.URLParam(r, "session_id"), 10, 64)
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "invalid session id",
			map[string]string{"field": "session_id", "reason": "must be a positive integer"})
		return
	}
	changed, err := h.sessions.RevokeSession(r.Context(), user.ID, uint(sessionID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := "already_revoked"
	if changed {
		status = "revoked"
		observability.Audit(r, "session_revoked", "user_id", user.ID, "session_id", sessionID)
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": status})
}

func (h *SessionHandler) RevokeOthers(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil)
		return
	}
	currentID := h.currentSessionID(r, user.ID)
	count, err := h.sessions.RevokeOtherSessions(r.Context(), user.ID, currentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	observability.Audit(r, "other_sessions_revoked", "user_id", user.ID, "revoked", count)
	response.JSON(w, r, http.StatusOK, map[string]any{"revoked_count": count})
}

func (h *SessionHandler) currentSessionID(r *http.Request, userID uint) uint {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	refresh := security.GetCookie(r, security.RefreshTokenCookie)
	return h.sessions.ResolveCurrentSessionID(r.Context(), userID, claims, refresh)
}

func (h *SessionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, service.ErrStoreUnavailable) {
		response.Error(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "session store unavailable", nil)
		return
	}
	response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}
