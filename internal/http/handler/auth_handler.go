package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/inkwell-notes/session-service/internal/http/middleware"
	"github.com/inkwell-notes/session-service/internal/http/response"
	"github.com/inkwell-notes/session-service/internal/observability"
	"github.com/inkwell-notes/session-service/internal/security"
	"github.com/inkwell-notes/session-service/internal/service"
)

const maxBodyBytes = 1 << 20

// AuthHandler is the HTTP surface of the auth lifecycle: register, login,
// refresh, logout, logout-all and verify. Token pairs are returned in the
// body and mirrored into http-only cookies for browser clients.
type AuthHandler struct {
	auth         *service.AuthService
	cookieSecure bool
	accessTTL    time.Duration
	refreshTTL   time.Duration
}

func NewAuthHandler(auth *service.AuthService, cookieSecure bool, accessTTL, refreshTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		auth:         auth,
		cookieSecure: cookieSecure,
		accessTTL:    accessTTL,
		refreshTTL:   refreshTTL,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type sessionResponse struct {
	User         any    `json:"user,omitempty"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		observability.RecordAuthRegister("bad_request")
		return
	}

	result, err := h.auth.Register(r.Context(), req.Email, req.Name, req.Password, deviceInfo(r))
	if err != nil {
		h.writeAuthError(w, r, err, observability.RecordAuthRegister)
		return
	}
	observability.RecordAuthRegister("success")
	observability.Audit(r, "user_registered", "user_id", result.User.ID)
	security.SetAuthCookies(w, result.AccessToken, result.RefreshToken, h.accessTTL, h.refreshTTL, h.cookieSecure)
	response.JSON(w, r, http.StatusCreated, sessionResponse{
		User:         result.User,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		observability.RecordAuthLogin("bad_request")
		return
	}

	result, err := h.auth.Login(r.Context(), req.Email, req.Password, deviceInfo(r))
	if err != nil {
		h.writeAuthError(w, r, err, observability.RecordAuthLogin)
		return
	}
	observability.RecordAuthLogin("success")
	observability.Audit(r, "user_logged_in", "user_id", result.User.ID)
	security.SetAuthCookies(w, result.AccessToken, result.RefreshToken, h.accessTTL, h.refreshTTL, h.cookieSecure)
	response.JSON(w, r, http.StatusOK, sessionResponse{
		User:         result.User,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	})
}

// Refresh exchanges a refresh token for a new pair. The token comes from the
// body for API clients or from the auth cookie for browsers.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	presented := h.presentedRefreshToken(w, r)
	if presented == "" {
		observability.RecordAuthRefresh("missing")
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "refresh token required", nil)
		return
	}

	pair, userID, err := h.auth.Refresh(r.Context(), presented, deviceInfo(r))
	if err != nil {
		h.writeAuthError(w, r, err, observability.RecordAuthRefresh)
		return
	}
	observability.RecordAuthRefresh("success")
	observability.Audit(r, "token_refreshed", "user_id", userID)
	security.SetAuthCookies(w, pair.AccessToken, pair.RefreshToken, h.accessTTL, h.refreshTTL, h.cookieSecure)
	response.JSON(w, r, http.StatusOK, sessionResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

// Logout ends the presented session. It is idempotent and never reveals
// whether a session existed; only an infrastructure failure is an error.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	presented := h.presentedRefreshToken(w, r)
	if err := h.auth.Logout(r.Context(), presented); err != nil {
		h.writeAuthError(w, r, err, observability.RecordAuthLogout)
		return
	}
	observability.RecordAuthLogout("success")
	security.ClearAuthCookies(w, h.cookieSecure)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
}

// LogoutAll revokes every live session of the authenticated user.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil)
		return
	}
	count, err := h.auth.LogoutAll(r.Context(), user.ID)
	if err != nil {
		h.writeAuthError(w, r, err, observability.RecordAuthLogout)
		return
	}
	observability.RecordAuthLogout("success")
	observability.Audit(r, "user_logged_out_everywhere", "user_id", user.ID, "revoked", count)
	security.ClearAuthCookies(w, h.cookieSecure)
	response.JSON(w, r, http.StatusOK, map[string]any{"revoked_count": count})
}

// Verify reports the identity behind a valid access token. The middleware
// has already done the verification.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"valid": true, "user": user})
}

func (h *AuthHandler) presentedRefreshToken(w http.ResponseWriter, r *http.Request) string {
	if r.Body != nil {
		var req refreshRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.RefreshToken != "" {
			return req.RefreshToken
		}
	}
	return security.GetCookie(r, security.RefreshTokenCookie)
}

func (h *AuthHandler) writeAuthError(w http.ResponseWriter, r *http.Request, err error, record func(string)) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		record("validation_error")
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(),
			map[string]string{"field": verr.Field, "reason": verr.Reason})
	case errors.Is(err, service.ErrEmailTaken):
		record("conflict")
		response.Error(w, r, http.StatusConflict, "EMAIL_TAKEN", "email already registered", nil)
	case errors.Is(err, service.ErrInvalidCredentials):
		record("invalid_credentials")
		response.Error(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials", nil)
	case errors.Is(err, service.ErrInvalidOrExpiredToken):
		record("invalid_token")
		response.Error(w, r, http.StatusForbidden, "INVALID_OR_EXPIRED_TOKEN", "refresh token invalid or expired", nil)
	case errors.Is(err, service.ErrUnauthorized):
		record("unauthorized")
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil)
	case errors.Is(err, service.ErrStoreUnavailable):
		record("unavailable")
		response.Error(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "session store unavailable", nil)
	default:
		record("error")
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed request body", nil)
		return false
	}
	return true
}

func deviceInfo(r *http.Request) service.DeviceInfo {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return service.DeviceInfo{UserAgent: r.UserAgent(), IP: ip}
}
