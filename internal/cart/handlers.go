package cart

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/discount"
	"github.com/vibethread/storefront/internal/pricing"
)

// ShippingQuoter prices delivery for an order value.
type ShippingQuoter interface {
	Quote(ctx context.Context, orderValue decimal.Decimal) decimal.Decimal
}

// DiscountResolver validates coupon codes.
type DiscountResolver interface {
	Validate(ctx context.Context, code string, orderAmount decimal.Decimal) (discount.Resolution, error)
	ListAvailable(ctx context.Context) ([]discount.Discount, error)
}

// Handler wires the session cart to HTTP.
type Handler struct {
	Sessions    Sessions
	Discounts   DiscountResolver
	Shipping    ShippingQuoter
	GiftWrapFee decimal.Decimal
	Currency    string
}

// Routes mounts the cart endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.Get)
	r.Delete("/", h.Clear)
	r.Post("/items", h.Add)
	r.Delete("/items", h.Remove)
	r.Patch("/items/quantity", h.UpdateQuantity)
	r.Post("/discount", h.ApplyDiscount)
	r.Delete("/discount", h.RemoveDiscount)
	r.Get("/discounts/available", h.AvailableDiscounts)
}

type variantRequest struct {
	Slug  string `json:"slug" validate:"required"`
	Color string `json:"selectedColor"`
	Size  string `json:"selectedSize"`
}

func (v variantRequest) item() LineItem {
	return LineItem{Slug: v.Slug, Color: v.Color, Size: v.Size}
}

type quantityRequest struct {
	variantRequest
	Direction  string `json:"direction" validate:"required,oneof=increase decrease"`
	StockLimit int    `json:"stockLimit" validate:"min=0"`
}

type addRequest struct {
	ProductID     string              `json:"_id"`
	Slug          string              `json:"slug" validate:"required"`
	Name          string              `json:"name"`
	Image         string              `json:"image"`
	Color         string              `json:"selectedColor"`
	Size          string              `json:"selectedSize"`
	SKU           string              `json:"sku"`
	Price         decimal.Decimal     `json:"price"`
	DiscountPrice decimal.NullDecimal `json:"discountPrice"`
	CountInStock  int                 `json:"countInStock" validate:"min=0"`
}

type discountRequest struct {
	Code string `json:"code" validate:"required"`
}

func sessionOf(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := common.SessionID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "NO_SESSION", "session cookie missing", nil)
	}
	return id, ok
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := common.DecodeJSON(r, dst); err != nil {
		common.WriteError(w, r, err)
		return false
	}
	if err := common.Validate(dst); err != nil {
		common.WriteError(w, r, err)
		return false
	}
	return true
}

// Get returns the cart with its summary and price breakdown.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionOf(w, r)
	if !ok {
		return
	}
	st, err := h.Sessions.Open(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	giftWrap := r.URL.Query().Get("giftWrap") == "true"
	view, err := h.view(r.Context(), st, giftWrap)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view})
}

// view renders the cart. Shipping is only quoted for a non-empty cart.
func (h *Handler) view(ctx context.Context, st *Store, giftWrap bool) (map[string]any, error) {
	base, err := st.Price(decimal.Zero, giftWrap, h.GiftWrapFee)
	if err != nil {
		return nil, err
	}
	shipping := decimal.Zero
	if h.Shipping != nil && !base.Empty() {
		shipping = h.Shipping.Quote(ctx, base.ShippingBase())
	}
	breakdown, err := st.Price(shipping, giftWrap, h.GiftWrapFee)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"items":    st.Items(),
		"summary":  st.Summary(),
		"pricing":  pricing.NewFormatter(h.Currency).Display(breakdown),
		"currency": h.Currency,
		"discount": nil,
	}
	if applied, ok := st.AppliedDiscount(); ok {
		out["discount"] = map[string]any{
			"code":           applied.Discount.Code,
			"label":          applied.Discount.Label(),
			"discountAmount": breakdown.CouponReduction.StringFixed(2),
		}
	}
	return out, nil
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, status int, fn func(context.Context, *Store) error) {
	id, ok := sessionOf(w, r)
	if !ok {
		return
	}
	var view map[string]any
	err := h.Sessions.WithStore(r.Context(), id, func(ctx context.Context, st *Store) error {
		if err := fn(ctx, st); err != nil {
			return err
		}
		var err error
		view, err = h.view(ctx, st, false)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, status, map[string]any{"data": view})
}

// Add puts one unit of a variant in the cart.
func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if !decode(w, r, &req) {
		return
	}
	item := LineItem{
		ProductID:     req.ProductID,
		Slug:          req.Slug,
		Name:          req.Name,
		Image:         req.Image,
		Color:         req.Color,
		Size:          req.Size,
		SKU:           req.SKU,
		UnitPrice:     req.Price,
		DiscountPrice: req.DiscountPrice,
		CountInStock:  req.CountInStock,
	}
	h.mutate(w, r, http.StatusOK, func(ctx context.Context, st *Store) error {
		_, err := st.Add(ctx, item)
		return err
	})
}

// Remove deletes a variant; removing an absent one succeeds.
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	var req variantRequest
	if !decode(w, r, &req) {
		return
	}
	h.mutate(w, r, http.StatusOK, func(ctx context.Context, st *Store) error {
		return st.Remove(ctx, req.item())
	})
}

// UpdateQuantity steps a line up or down.
func (h *Handler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	var req quantityRequest
	if !decode(w, r, &req) {
		return
	}
	dir, err := ParseDirection(req.Direction)
	if err != nil {
		common.WriteError(w, r, &common.ValidationError{Fields: []common.FieldError{{Field: "direction", Message: "must be increase or decrease"}}})
		return
	}
	h.mutate(w, r, http.StatusOK, func(ctx context.Context, st *Store) error {
		_, err := st.UpdateQuantity(ctx, req.item(), dir, req.StockLimit)
		return err
	})
}

// Clear empties the cart.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, http.StatusOK, func(ctx context.Context, st *Store) error {
		return st.Clear(ctx)
	})
}

// ApplyDiscount validates a code against the discounted subtotal and makes it the
// cart's coupon.
func (h *Handler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	if h.Discounts == nil {
		common.JSONError(w, http.StatusInternalServerError, string(common.KindInternal), "discounts not configured", nil)
		return
	}
	var req discountRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, r, err)
		return
	}
	if discount.NormalizeCode(req.Code) == "" {
		common.WriteError(w, r, &common.ValidationError{Fields: []common.FieldError{{Field: "code", Message: discount.ErrCodeRequired.Error()}}})
		return
	}
	h.mutate(w, r, http.StatusOK, func(ctx context.Context, st *Store) error {
		if _, ok := st.AppliedDiscount(); ok {
			return ErrDiscountActive
		}
		_, subtotal := pricing.Subtotals(st.PricingLines())
		if !subtotal.IsPositive() {
			return ErrEmptyCart
		}
		res, err := h.Discounts.Validate(ctx, req.Code, subtotal)
		if err != nil {
			return err
		}
		return st.ApplyDiscount(ctx, res.Applied())
	})
}

// RemoveDiscount drops the cart's coupon.
func (h *Handler) RemoveDiscount(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, http.StatusOK, func(ctx context.Context, st *Store) error {
		return st.RemoveDiscount(ctx)
	})
}

// AvailableDiscounts lists codes the shopper can pick from.
func (h *Handler) AvailableDiscounts(w http.ResponseWriter, r *http.Request) {
	if h.Discounts == nil {
		common.JSON(w, http.StatusOK, map[string]any{"data": []discount.Discount{}})
		return
	}
	list, err := h.Discounts.ListAvailable(r.Context())
	if err != nil {
		// Suggestions are optional; the shopper can still type a code.
		list = []discount.Discount{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": list})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrLineNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, ErrInvalidItem),
		errors.Is(err, pricing.ErrInvalidPrice),
		errors.Is(err, pricing.ErrInvalidQuantity):
		common.JSONError(w, http.StatusBadRequest, string(common.KindValidation), err.Error(), nil)
	case errors.Is(err, ErrDiscountActive), errors.Is(err, ErrEmptyCart):
		common.JSONError(w, http.StatusConflict, string(common.KindConflict), err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		common.JSONError(w, http.StatusServiceUnavailable, string(common.KindNetwork), "the cart is busy, please try again", nil)
	default:
		common.WriteError(w, r, err)
	}
}
