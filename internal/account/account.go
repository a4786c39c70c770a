// Package account is the shopper's OTP sign-in and profile. The backend owns the
// session; the profile cached under the user key only drives display.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/obs"
	"github.com/vibethread/storefront/internal/storage"
)

// ErrNotSignedIn is returned by operations that need a backend login.
var ErrNotSignedIn = errors.New("please sign in to continue")

// User is the signed-in shopper.
type User struct {
	ID          string   `json:"_id"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	PhoneNumber string   `json:"phoneNumber,omitempty"`
	Address     string   `json:"address,omitempty"`
	Addresses   []string `json:"addresses,omitempty"`
}

// Backend is the slice of the REST client accounts need.
type Backend interface {
	Get(ctx context.Context, req backend.Request, dst any) error
	Post(ctx context.Context, req backend.Request, dst any) error
	JSON(ctx context.Context, req backend.Request, dst any) error
}

// Account is one shopper's view of their account. KV holds the cached profile.
type Account struct {
	Backend Backend
	KV      storage.KV
	Logger  zerolog.Logger
}

func (a Account) logger(ctx context.Context) *zerolog.Logger {
	return obs.LoggerFrom(ctx, a.Logger)
}

// Cached returns the profile stored by the last sign-in or Me call.
func (a Account) Cached(ctx context.Context) (User, bool) {
	raw, ok, err := a.KV.Get(ctx, storage.KeyUser)
	if err != nil || !ok {
		return User{}, false
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return User{}, false
	}
	return u, true
}

func (a Account) cache(ctx context.Context, u User) {
	data, err := json.Marshal(u)
	if err == nil {
		err = a.KV.Set(ctx, storage.KeyUser, string(data))
	}
	if err != nil {
		a.logger(ctx).Warn().Err(err).Msg("user_cache_failed")
	}
}

func (a Account) forget(ctx context.Context) {
	if err := a.KV.Delete(ctx, storage.KeyUser); err != nil {
		a.logger(ctx).Warn().Err(err).Msg("user_cache_clear_failed")
	}
}

// Me asks the backend who is signed in and refreshes the cache. A missing or expired
// login clears the cache and reports false.
func (a Account) Me(ctx context.Context) (User, bool, error) {
	var resp struct {
		User *User `json:"user"`
	}
	err := a.Backend.Get(ctx, backend.Request{Path: "/api/auth/me"}, &resp)
	if status := backend.StatusOf(err); status == http.StatusUnauthorized || status == http.StatusForbidden {
		a.forget(ctx)
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	if resp.User == nil {
		a.forget(ctx)
		return User{}, false, nil
	}
	a.cache(ctx, *resp.User)
	return *resp.User, true, nil
}

type emailForm struct {
	Email string `json:"email" validate:"required,email"`
}

// Login sends a one-time password to email.
func (a Account) Login(ctx context.Context, email string) error {
	form := emailForm{Email: strings.TrimSpace(email)}
	if err := common.Validate(form); err != nil {
		return err
	}
	return a.Backend.Post(ctx, backend.Request{Path: "/api/auth/login", Body: form}, nil)
}

type otpForm struct {
	Email string `json:"email" validate:"required,email"`
	OTP   string `json:"otp" validate:"required,numeric,min=4,max=8"`
}

// Verification is the outcome of an OTP check. Exists is false for a new email, which
// must sign up next.
type Verification struct {
	Exists bool  `json:"exists"`
	User   *User `json:"user,omitempty"`
}

// VerifyOTP checks the password sent by Login. An existing shopper is signed in and
// cached.
func (a Account) VerifyOTP(ctx context.Context, email, otp string) (Verification, error) {
	form := otpForm{Email: strings.TrimSpace(email), OTP: strings.TrimSpace(otp)}
	if err := common.Validate(form); err != nil {
		return Verification{}, err
	}
	var v Verification
	if err := a.Backend.Post(ctx, backend.Request{Path: "/api/auth/verify-otp", Body: form}, &v); err != nil {
		return Verification{}, err
	}
	if v.Exists && v.User != nil {
		a.cache(ctx, *v.User)
		a.logger(ctx).Info().Str("user_id", v.User.ID).Msg("signed_in")
	}
	return v, nil
}

// Signup is the registration form of a new shopper.
type Signup struct {
	PhoneNumber string `json:"phoneNumber" validate:"required,numeric,len=10"`
	Name        string `json:"name" validate:"required,max=100"`
	Email       string `json:"email" validate:"required,email"`
	Flat        string `json:"flat" validate:"required"`
	Landmark    string `json:"landmark"`
	City        string `json:"city" validate:"required"`
	State       string `json:"state" validate:"required"`
	Pincode     string `json:"pincode" validate:"required,numeric,len=6"`
}

// Address joins the address parts the way the backend stores them.
func (s Signup) Address() string {
	return strings.Join([]string{s.Flat, s.Landmark, s.City, s.State, s.Pincode}, ", ")
}

// Register creates the account of a new shopper.
func (a Account) Register(ctx context.Context, s Signup) error {
	if err := common.Validate(s); err != nil {
		return err
	}
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		User    *User  `json:"user"`
	}
	err := a.Backend.Post(ctx, backend.Request{
		Path: "/api/auth/signup",
		Body: map[string]string{
			"phoneNumber": s.PhoneNumber,
			"name":        s.Name,
			"email":       s.Email,
			"address":     s.Address(),
		},
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "signup failed, please try again"
		}
		return common.Rejection(msg, http.StatusUnprocessableEntity, nil)
	}
	if resp.User != nil {
		a.cache(ctx, *resp.User)
	}
	return nil
}

// Logout ends the backend session, drops the cached profile and the session cookie.
// The local state is cleared even when the backend call fails.
func (a Account) Logout(ctx context.Context) error {
	err := a.Backend.Post(ctx, backend.Request{Path: "/api/auth/logout"}, nil)
	a.forget(ctx)
	if jar := backend.CookiesFrom(ctx); jar != nil {
		jar.Clear()
	}
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// ProfileUpdate carries the editable profile fields.
type ProfileUpdate struct {
	Name        string   `json:"name" validate:"required,max=100"`
	Email       string   `json:"email,omitempty" validate:"omitempty,email"`
	PhoneNumber string   `json:"phoneNumber,omitempty" validate:"omitempty,numeric,len=10"`
	Addresses   []string `json:"addresses,omitempty" validate:"dive,required"`
}

// UpdateProfile saves the profile and refreshes the cache from the backend.
func (a Account) UpdateProfile(ctx context.Context, p ProfileUpdate) (User, error) {
	p.Addresses = dedupe(p.Addresses)
	if err := common.Validate(p); err != nil {
		return User{}, err
	}
	err := a.Backend.JSON(ctx, backend.Request{Method: http.MethodPut, Path: "/api/auth/update-profile", Body: p}, nil)
	if backend.StatusOf(err) == http.StatusUnauthorized {
		a.forget(ctx)
		return User{}, common.Rejection(ErrNotSignedIn.Error(), http.StatusUnauthorized, ErrNotSignedIn)
	}
	if err != nil {
		return User{}, err
	}
	u, ok, err := a.Me(ctx)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, common.Rejection(ErrNotSignedIn.Error(), http.StatusUnauthorized, ErrNotSignedIn)
	}
	return u, nil
}

func dedupe(list []string) []string {
	if len(list) == 0 {
		return list
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
