// Package discount validates coupon codes against the storefront backend and
// normalises their effect on an order amount.
package discount

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Kind says whether a coupon takes a percentage or a fixed amount off.
type Kind string

const (
	Percentage  Kind = "percentage"
	FixedAmount Kind = "fixed"
)

// ParseKind accepts the wire spellings the backend has used over time.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "percentage", "percent", "%":
		return Percentage, nil
	case "fixed", "flat", "amount", "fixedamount", "fixed_amount":
		return FixedAmount, nil
	default:
		return "", fmt.Errorf("unknown discount kind %q", raw)
	}
}

// UnmarshalJSON normalises the kind on the way in. An unknown spelling decodes to the
// empty kind so one odd coupon cannot spoil a whole listing.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseKind(raw)
	if err != nil {
		parsed = ""
	}
	*k = parsed
	return nil
}

// Discount is one coupon as the backend describes it.
type Discount struct {
	ID             string              `json:"_id,omitempty"`
	Code           string              `json:"code"`
	Kind           Kind                `json:"discountType"`
	Value          decimal.Decimal     `json:"discountValue"`
	MinOrderAmount decimal.NullDecimal `json:"minOrderAmount,omitempty"`
	ExpiresAt      *time.Time          `json:"expiresAt,omitempty"`
}

// Expired reports whether the coupon's validity window has closed at now.
func (d Discount) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && now.After(*d.ExpiresAt)
}

// Amount is the reduction this coupon gives on orderAmount.
func (d Discount) Amount(orderAmount decimal.Decimal) decimal.Decimal {
	return ComputeAmount(d.Kind, d.Value, orderAmount)
}

// Label renders the coupon the way the storefront lists it: "10%" or "₹150".
func (d Discount) Label() string {
	if d.Kind == Percentage {
		return d.Value.String() + "%"
	}
	return "₹" + d.Value.String()
}

// ComputeAmount returns the reduction for a coupon of the given kind and value. The
// result is never negative and never exceeds orderAmount.
func ComputeAmount(kind Kind, value, orderAmount decimal.Decimal) decimal.Decimal {
	if !orderAmount.IsPositive() || !value.IsPositive() {
		return decimal.Zero
	}
	amount := value
	if kind == Percentage {
		amount = orderAmount.Mul(value).Div(hundred)
	}
	return decimal.Min(amount, orderAmount)
}

// Applied is the single active coupon of a cart, in the shape persisted under the
// appliedDiscount key.
type Applied struct {
	Amount   decimal.Decimal `json:"discountAmount"`
	Discount Discount        `json:"discount"`
}

// Effective recomputes the reduction against the current subtotal so a cart that
// changed after the coupon was applied never carries a stale amount.
func (a Applied) Effective(subtotal decimal.Decimal) decimal.Decimal {
	if a.Discount.Kind == "" {
		return decimal.Min(decimal.Max(a.Amount, decimal.Zero), decimal.Max(subtotal, decimal.Zero))
	}
	return a.Discount.Amount(subtotal)
}

// Resolution is a successfully validated coupon.
type Resolution struct {
	Discount
	ComputedAmount decimal.Decimal
}

// Applied converts the resolution into its persisted form.
func (r Resolution) Applied() Applied {
	return Applied{Amount: r.ComputedAmount, Discount: r.Discount}
}
