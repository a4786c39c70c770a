package account

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/storage"
)

// Handler exposes sign-in and profile endpoints for the session's shopper.
type Handler struct {
	Backend Backend
	KV      func(sessionID string) storage.KV
	Logger  zerolog.Logger
}

// Routes mounts the account endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/me", h.Me)
	r.Post("/login", h.Login)
	r.Post("/verify-otp", h.VerifyOTP)
	r.Post("/signup", h.Signup)
	r.Post("/logout", h.Logout)
	r.Put("/profile", h.UpdateProfile)
}

func (h *Handler) account(w http.ResponseWriter, r *http.Request) (Account, bool) {
	id, ok := common.SessionID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "NO_SESSION", "session cookie missing", nil)
		return Account{}, false
	}
	return Account{Backend: h.Backend, KV: h.KV(id), Logger: h.Logger}, true
}

// Me returns the signed-in shopper, or null.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	u, signedIn, err := acct.Me(r.Context())
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	var user any
	if signedIn {
		user = u
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"user": user}})
}

// Login sends a one-time password.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	var req emailForm
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, r, err)
		return
	}
	if err := acct.Login(r.Context(), req.Email); err != nil {
		common.WriteError(w, r, err)
		return
	}
	common.JSON(w, http.StatusAccepted, map[string]any{"data": map[string]string{"message": "OTP sent to your email"}})
}

// VerifyOTP checks a one-time password.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	var req otpForm
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, r, err)
		return
	}
	v, err := acct.VerifyOTP(r.Context(), req.Email, req.OTP)
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": v})
}

// Signup registers a new shopper.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	var req Signup
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, r, err)
		return
	}
	if err := acct.Register(r.Context(), req); err != nil {
		common.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// Logout signs the shopper out.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	if err := acct.Logout(r.Context()); err != nil {
		common.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateProfile saves profile changes.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	var req ProfileUpdate
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, r, err)
		return
	}
	u, err := acct.UpdateProfile(r.Context(), req)
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": u})
}
