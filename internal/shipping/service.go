// Package shipping prices delivery and checks pincode serviceability.
package shipping

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/debounce"
	"github.com/vibethread/storefront/internal/obs"
)

// ErrInvalidPincode is returned for a pincode that is not six digits.
var ErrInvalidPincode = errors.New("pincode must be exactly 6 digits")

var pincodePattern = regexp.MustCompile(`^[0-9]{6}$`)

// ValidPincode reports whether pin has the Indian postal code shape.
func ValidPincode(pin string) bool {
	return pincodePattern.MatchString(strings.TrimSpace(pin))
}

// Backend is the slice of the REST client shipping needs.
type Backend interface {
	Get(ctx context.Context, req backend.Request, dst any) error
}

// Service talks to the shipping endpoints of the storefront backend.
type Service struct {
	Backend Backend
	Default decimal.Decimal
	Logger  zerolog.Logger
}

type quoteResponse struct {
	ShippingCost decimal.NullDecimal `json:"shippingCost"`
}

// QuoteErr returns the delivery charge for an order of orderValue.
func (s Service) QuoteErr(ctx context.Context, orderValue decimal.Decimal) (decimal.Decimal, error) {
	var resp quoteResponse
	err := s.Backend.Get(ctx, backend.Request{
		Path:  "/api/shipping",
		Query: url.Values{"orderValue": {orderValue.String()}},
	}, &resp)
	if err != nil {
		return decimal.Zero, err
	}
	if !resp.ShippingCost.Valid || resp.ShippingCost.Decimal.IsNegative() {
		return decimal.Zero, nil
	}
	return resp.ShippingCost.Decimal, nil
}

// Quote is QuoteErr with the configured default on any failure. A shopper is never
// blocked on a shipping lookup.
func (s Service) Quote(ctx context.Context, orderValue decimal.Decimal) decimal.Decimal {
	cost, err := s.QuoteErr(ctx, orderValue)
	if err != nil {
		obs.ShippingQuotesTotal.WithLabelValues("fallback").Inc()
		obs.LoggerFrom(ctx, s.Logger).Warn().Err(err).Str("order_value", orderValue.String()).Msg("shipping_quote_failed")
		return s.Default
	}
	obs.ShippingQuotesTotal.WithLabelValues("ok").Inc()
	return cost
}

// Serviceability is the backend's answer for one pincode.
type Serviceability struct {
	Serviceable bool   `json:"success"`
	Message     string `json:"message"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
}

// Serviceable asks whether the store delivers to pincode. A malformed pincode is
// rejected without a request.
func (s Service) Serviceable(ctx context.Context, pincode string) (Serviceability, error) {
	pincode = strings.TrimSpace(pincode)
	if !ValidPincode(pincode) {
		return Serviceability{}, ErrInvalidPincode
	}
	var out Serviceability
	err := s.Backend.Get(ctx, backend.Request{
		Path:  "/api/pincodes/" + backend.PathEscape(pincode),
		Route: "/api/pincodes/{pincode}",
	}, &out)
	if err != nil {
		if backend.StatusOf(err) == 404 {
			msg := backend.MessageOf(err)
			if msg == "" || msg == "Not Found" {
				msg = "we do not deliver to this pincode yet"
			}
			return Serviceability{Serviceable: false, Message: msg}, nil
		}
		return Serviceability{}, err
	}
	return out, nil
}

// Quoter debounces shipping lookups driven by quantity changes so only the latest
// order value is priced.
type Quoter struct {
	d *debounce.Debouncer[decimal.Decimal, decimal.Decimal]
}

// NewQuoter wraps svc with a debounce window.
func NewQuoter(svc Service, window time.Duration) *Quoter {
	return &Quoter{d: debounce.New("shipping", window, func(ctx context.Context, v decimal.Decimal) (decimal.Decimal, error) {
		return svc.Quote(ctx, v), nil
	})}
}

// Quote returns the charge for orderValue, or debounce.ErrSuperseded when a newer
// order value arrived first.
func (q *Quoter) Quote(ctx context.Context, orderValue decimal.Decimal) (decimal.Decimal, error) {
	return q.d.Do(ctx, orderValue)
}
