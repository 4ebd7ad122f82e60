package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	"github.com/armazem-sao-joaquim/backoffice/internal/service"
)

// AuthHandlers provides HTTP handlers for authentication operations.
type AuthHandlers struct {
	Hub    *ClientHub
	Cookie CookieConfig
	Logger *slog.Logger
}

func (h *AuthHandlers) logger() *slog.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// authStateResponse is the public view of an orchestrator state. Tokens are never included.
type authStateResponse struct {
	domainauth.AuthState
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

func stateResponse(s domainauth.AuthState) authStateResponse {
	return authStateResponse{AuthState: s, ExpiresAt: s.SessionExpiresAt()}
}

// orchestrator resolves the caller's orchestrator, writing an error response on failure.
func (h *AuthHandlers) orchestrator(w http.ResponseWriter, r *http.Request) (*service.AuthOrchestrator, string, bool) {
	id, ok := ClientIDFromContext(r.Context())
	if !ok {
		writeAuthRequired(w)
		return nil, "", false
	}
	orch, err := h.Hub.Acquire(r.Context(), id)
	if err != nil {
		h.logger().ErrorContext(r.Context(), "acquire client", "client_id", id, "error", err)
		WriteError(w, ErrorParams{
			Code:    http.StatusServiceUnavailable,
			ErrCode: "unavailable",
			Err:     errors.New("service unavailable"),
		})
		return nil, "", false
	}
	return orch, id, true
}

// Login authenticates the posted credentials.
// POST /auth/login {"email": "...", "password": "..."}.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var creds domainauth.Credentials
	if !DecodeJSON(w, r, &creds) {
		return
	}
	orch, _, ok := h.orchestrator(w, r)
	if !ok {
		return
	}

	state, err := orch.Login(r.Context(), creds, service.RequestMeta{
		IPAddress: remoteIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeOpError(w, r, "login", err)
		return
	}
	WriteJSON(w, http.StatusOK, stateResponse(state))
}

// Logout signs the client out and drops its orchestrator.
// POST /auth/logout.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	if id, ok := ClientIDFromContext(r.Context()); ok {
		// Acquire restores a stored provider session so its tokens get revoked too.
		if orch, err := h.Hub.Acquire(r.Context(), id); err == nil {
			if logoutErr := orch.Logout(r.Context()); logoutErr != nil {
				h.logger().WarnContext(r.Context(), "logout failed", "error", logoutErr)
			}
		}
		h.Hub.Release(id)
	}
	clearClientCookie(w, r, h.Cookie)
	WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// Refresh validates the session, renewing it near expiry, and re-verifies admin status.
// POST /auth/refresh.
func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	h.runOp(w, r, "refresh", (*service.AuthOrchestrator).RefreshSession)
}

// RefreshAdmin drops the cached admin determination and verifies again.
// POST /auth/admin/refresh.
func (h *AuthHandlers) RefreshAdmin(w http.ResponseWriter, r *http.Request) {
	h.runOp(w, r, "admin_refresh", (*service.AuthOrchestrator).RefreshAdminStatus)
}

// Extend renews the session and clears the timeout warning.
// POST /auth/extend.
func (h *AuthHandlers) Extend(w http.ResponseWriter, r *http.Request) {
	h.runOp(w, r, "extend", (*service.AuthOrchestrator).ExtendUserSession)
}

// Status returns the current authentication state.
// GET /auth/status.
func (h *AuthHandlers) Status(w http.ResponseWriter, r *http.Request) {
	orch, _, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, stateResponse(orch.Snapshot()))
}

func (h *AuthHandlers) runOp(
	w http.ResponseWriter,
	r *http.Request,
	name string,
	op func(*service.AuthOrchestrator, context.Context) error,
) {
	orch, _, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	if err := op(orch, r.Context()); err != nil {
		h.writeOpError(w, r, name, err)
		return
	}
	WriteJSON(w, http.StatusOK, stateResponse(orch.Snapshot()))
}

func (h *AuthHandlers) writeOpError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, service.ErrSuperseded) {
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "superseded", Err: err})
		return
	}
	h.logger().InfoContext(r.Context(), "auth operation failed", "operation", op, "error", err)
	WriteAppError(w, err)
}

// AdminPing confirms admin access for the caller.
// GET /admin/ping.
func (h *AuthHandlers) AdminPing(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
