package checkout

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vibethread/storefront/internal/cart"
	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/payment"
	"github.com/vibethread/storefront/internal/pricing"
	"github.com/vibethread/storefront/internal/shipping"
)

// PincodeService is what the serviceability and quote endpoints need.
type PincodeService interface {
	PincodeChecker
	QuoteErr(ctx context.Context, orderValue decimal.Decimal) (decimal.Decimal, error)
}

// Handler exposes the checkout of the session cart. Each request restores the
// session's checkout from its persisted snapshot and saves it back afterwards.
type Handler struct {
	Sessions cart.Sessions
	Deps     Deps
	Shipping PincodeService
}

// Routes mounts the checkout endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.Get)
	r.Delete("/", h.Reset)
	r.Post("/begin", h.Begin)
	r.Post("/confirm", h.Confirm)
	r.Get("/pincodes/{pincode}", h.Pincode)
	r.Get("/shipping", h.Quote)
}

type beginRequest struct {
	Details
	GiftWrap bool `json:"giftWrap"`
}

func sessionOf(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := common.SessionID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "NO_SESSION", "session cookie missing", nil)
	}
	return id, ok
}

// lockedClear reads the cart loaded without the session lock but clears it under the
// lock, so a mutation in flight cannot write the paid lines back.
type lockedClear struct {
	*cart.Store
	sessions  cart.Sessions
	sessionID string
}

func (c lockedClear) Clear(ctx context.Context) error {
	return c.sessions.WithStore(ctx, c.sessionID, func(ctx context.Context, st *cart.Store) error {
		return st.Clear(ctx)
	})
}

func (h *Handler) restore(ctx context.Context, sessionID string, st CartStore) (*Orchestrator, error) {
	snap, err := LoadSnapshot(ctx, h.Sessions.KV(sessionID))
	if err != nil {
		return nil, err
	}
	return Restore(h.Deps, st, snap), nil
}

func (h *Handler) save(ctx context.Context, sessionID string, o *Orchestrator) error {
	return SaveSnapshot(ctx, h.Sessions.KV(sessionID), o.Snapshot())
}

func view(snap Snapshot) map[string]any {
	out := map[string]any{
		"state":          snap.State,
		"gatewayOrderId": snap.Handle,
		"updatedAt":      snap.UpdatedAt,
	}
	if snap.Reason != "" {
		out["reason"] = snap.Reason
		out["message"] = snap.Message
	}
	if snap.Options != nil {
		out["options"] = snap.Options
	}
	if snap.Totals != nil {
		out["pricing"] = snap.Totals.Display()
	}
	if snap.OrderID != "" {
		out["orderId"] = snap.OrderID
	}
	return out
}

// Get returns the session's checkout state.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionOf(w, r)
	if !ok {
		return
	}
	snap, err := LoadSnapshot(r.Context(), h.Sessions.KV(id))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view(snap)})
}

// Begin validates the delivery form and opens a gateway order for the cart.
func (h *Handler) Begin(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionOf(w, r)
	if !ok {
		return
	}
	var req beginRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, r, err)
		return
	}
	var (
		opts payment.Options
		snap Snapshot
	)
	err := h.Sessions.WithStore(r.Context(), id, func(ctx context.Context, st *cart.Store) error {
		o, err := h.restore(ctx, id, st)
		if err != nil {
			return err
		}
		opts, err = o.Begin(ctx, req.Details, req.GiftWrap)
		snap = o.Snapshot()
		if serr := h.save(ctx, id, o); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := view(snap)
	out["options"] = opts
	common.JSON(w, http.StatusCreated, map[string]any{"data": out})
}

// Confirm hands the widget's payment result to the backend for verification. It does
// not hold the session lock while verifying, only while clearing the paid cart;
// duplicate submissions of the same payment are refused by the submission guard.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionOf(w, r)
	if !ok {
		return
	}
	var c payment.Confirmation
	if err := common.DecodeJSON(r, &c); err != nil {
		common.WriteError(w, r, err)
		return
	}
	ctx := r.Context()
	st, err := h.Sessions.Open(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.restore(ctx, id, lockedClear{Store: st, sessions: h.Sessions, sessionID: id})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := o.Confirm(ctx, c)
	if errors.Is(err, ErrSubmissionInFlight) {
		h.writeError(w, r, err)
		return
	}
	if serr := h.save(ctx, id, o); serr != nil {
		err = errors.Join(err, serr)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := view(o.Snapshot())
	out["orderId"] = res.OrderID
	out["message"] = res.Message
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}

// Reset returns the checkout to idle.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionOf(w, r)
	if !ok {
		return
	}
	err := h.Sessions.WithStore(r.Context(), id, func(ctx context.Context, st *cart.Store) error {
		o, err := h.restore(ctx, id, st)
		if err != nil {
			return err
		}
		if err := o.Reset(ctx); err != nil {
			return err
		}
		return h.save(ctx, id, o)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Pincode reports whether the store delivers to a pincode.
func (h *Handler) Pincode(w http.ResponseWriter, r *http.Request) {
	pin := strings.TrimSpace(chi.URLParam(r, "pincode"))
	res, err := h.Shipping.Serviceable(r.Context(), pin)
	if errors.Is(err, shipping.ErrInvalidPincode) {
		common.WriteError(w, r, &common.ValidationError{Fields: []common.FieldError{{Field: "pincode", Message: err.Error()}}})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": res})
}

// Quote prices delivery for an order value.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	value, err := decimal.NewFromString(r.URL.Query().Get("orderValue"))
	if err != nil || value.IsNegative() {
		common.WriteError(w, r, &common.ValidationError{Fields: []common.FieldError{{Field: "orderValue", Message: "must be a non-negative amount"}}})
		return
	}
	cost, err := h.Shipping.QuoteErr(r.Context(), value)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"shippingCost": cost,
		"display":      pricing.NewFormatter(h.Deps.Currency).Format(cost),
	}})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		common.JSONError(w, http.StatusConflict, string(common.KindConflict), err.Error(), nil)
	case errors.Is(err, cart.ErrEmptyCart):
		common.JSONError(w, http.StatusConflict, string(common.KindConflict), err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		common.JSONError(w, http.StatusServiceUnavailable, string(common.KindNetwork), "checkout is busy, please try again", nil)
	default:
		common.WriteError(w, r, err)
	}
}
