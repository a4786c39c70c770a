// Package pricing turns cart lines, an applied coupon, a shipping quote and the gift
// wrap choice into a price breakdown. Everything here is pure.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vibethread/storefront/internal/discount"
)

var (
	// ErrInvalidPrice is returned for a negative unit or discount price.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrInvalidQuantity is returned for a line with quantity below one.
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// DefaultGiftWrapFee is the flat gift wrap surcharge.
var DefaultGiftWrapFee = decimal.NewFromInt(100)

// Line is one priced cart line.
type Line struct {
	Key           string
	UnitPrice     decimal.Decimal
	DiscountPrice decimal.NullDecimal
	Quantity      int
}

// EffectivePrice is the price a shopper pays per unit: the discount price when set
// and positive, otherwise the unit price.
func (l Line) EffectivePrice() decimal.Decimal {
	if l.DiscountPrice.Valid && l.DiscountPrice.Decimal.IsPositive() {
		return l.DiscountPrice.Decimal
	}
	return l.UnitPrice
}

// Input gathers everything a breakdown depends on.
type Input struct {
	Lines       []Line
	Discount    *discount.Applied
	Shipping    decimal.Decimal
	GiftWrap    bool
	GiftWrapFee decimal.Decimal
}

// Breakdown holds unrounded totals; round only through Display.
type Breakdown struct {
	Items              int
	OriginalTotal      decimal.Decimal
	DiscountedSubtotal decimal.Decimal
	CouponReduction    decimal.Decimal
	Shipping           decimal.Decimal
	GiftWrap           decimal.Decimal
	FinalTotal         decimal.Decimal
}

// Empty reports a cart with nothing in it. Callers skip coupon and shipping lookups.
func (b Breakdown) Empty() bool { return b.Items == 0 }

// ShippingBase is the order value delivery is quoted on: the subtotal after the coupon.
func (b Breakdown) ShippingBase() decimal.Decimal {
	return b.DiscountedSubtotal.Sub(b.CouponReduction)
}

// Savings is what per-item discount prices take off the original total.
func (b Breakdown) Savings() decimal.Decimal {
	return b.OriginalTotal.Sub(b.DiscountedSubtotal)
}

// ValidateLines rejects lines the backend should never have produced. Prices are not
// coerced: a negative price is an error, not a zero.
func ValidateLines(lines []Line) error {
	for _, l := range lines {
		if l.Quantity < 1 {
			return fmt.Errorf("%w: line %q has quantity %d", ErrInvalidQuantity, l.Key, l.Quantity)
		}
		if l.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: line %q unit price %s", ErrInvalidPrice, l.Key, l.UnitPrice)
		}
		if l.DiscountPrice.Valid && l.DiscountPrice.Decimal.IsNegative() {
			return fmt.Errorf("%w: line %q discount price %s", ErrInvalidPrice, l.Key, l.DiscountPrice.Decimal)
		}
	}
	return nil
}

// Subtotals returns the original total and the discounted subtotal of lines.
func Subtotals(lines []Line) (original, discounted decimal.Decimal) {
	original, discounted = decimal.Zero, decimal.Zero
	for _, l := range lines {
		qty := decimal.NewFromInt(int64(l.Quantity))
		original = original.Add(l.UnitPrice.Mul(qty))
		discounted = discounted.Add(l.EffectivePrice().Mul(qty))
	}
	return original, discounted
}

// Compute calculates the breakdown for in.
func Compute(in Input) (Breakdown, error) {
	if err := ValidateLines(in.Lines); err != nil {
		return Breakdown{}, err
	}
	var b Breakdown
	for _, l := range in.Lines {
		b.Items += l.Quantity
	}
	b.OriginalTotal, b.DiscountedSubtotal = Subtotals(in.Lines)
	if b.Empty() {
		b.CouponReduction, b.Shipping, b.GiftWrap, b.FinalTotal = decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
		return b, nil
	}

	b.CouponReduction = decimal.Zero
	if in.Discount != nil {
		b.CouponReduction = decimal.Min(in.Discount.Effective(b.DiscountedSubtotal), b.DiscountedSubtotal)
	}
	b.Shipping = decimal.Max(in.Shipping, decimal.Zero)
	b.GiftWrap = decimal.Zero
	if in.GiftWrap {
		fee := in.GiftWrapFee
		if fee.IsZero() {
			fee = DefaultGiftWrapFee
		}
		b.GiftWrap = fee
	}
	b.FinalTotal = decimal.Max(b.DiscountedSubtotal.Sub(b.CouponReduction), decimal.Zero).
		Add(b.Shipping).
		Add(b.GiftWrap)
	return b, nil
}

// ToMinorUnits converts an amount to paise for the payment widget.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FromMinorUnits converts paise back to rupees.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
