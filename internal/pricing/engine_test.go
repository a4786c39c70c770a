package pricing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vibethread/storefront/internal/discount"
	"github.com/vibethread/storefront/internal/pricing"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func price(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

func sampleLines() []pricing.Line {
	return []pricing.Line{
		{Key: "tee-Black-M", UnitPrice: dec("100"), Quantity: 2},
		{Key: "cap--", UnitPrice: dec("50"), DiscountPrice: price("40"), Quantity: 1},
	}
}

func TestComputeWithoutCoupon(t *testing.T) {
	b, err := pricing.Compute(pricing.Input{Lines: sampleLines(), Shipping: dec("49")})
	require.NoError(t, err)
	require.Equal(t, 3, b.Items)
	require.True(t, dec("250").Equal(b.OriginalTotal))
	require.True(t, dec("240").Equal(b.DiscountedSubtotal))
	require.True(t, dec("10").Equal(b.Savings()))
	require.True(t, b.CouponReduction.IsZero())
	require.True(t, dec("289").Equal(b.FinalTotal))
	require.True(t, dec("240").Equal(b.ShippingBase()))
}

func TestComputeCapsCouponAtSubtotal(t *testing.T) {
	applied := &discount.Applied{
		Amount:   dec("500"),
		Discount: discount.Discount{Code: "BIG", Kind: discount.FixedAmount, Value: dec("500")},
	}
	b, err := pricing.Compute(pricing.Input{Lines: sampleLines(), Discount: applied, Shipping: dec("30")})
	require.NoError(t, err)
	require.True(t, dec("240").Equal(b.CouponReduction))
	require.True(t, dec("30").Equal(b.FinalTotal))
	require.True(t, b.ShippingBase().IsZero())
}

func TestComputePercentageCouponUsesDiscountedSubtotal(t *testing.T) {
	applied := &discount.Applied{Discount: discount.Discount{Code: "VIBE10", Kind: discount.Percentage, Value: dec("10")}}
	b, err := pricing.Compute(pricing.Input{Lines: sampleLines(), Discount: applied, GiftWrap: true})
	require.NoError(t, err)
	require.True(t, dec("24").Equal(b.CouponReduction))
	require.True(t, dec("100").Equal(b.GiftWrap))
	require.True(t, dec("316").Equal(b.FinalTotal))
}

func TestComputeEmptyCart(t *testing.T) {
	applied := &discount.Applied{Amount: dec("50")}
	b, err := pricing.Compute(pricing.Input{Discount: applied, Shipping: dec("49"), GiftWrap: true})
	require.NoError(t, err)
	require.True(t, b.Empty())
	require.True(t, b.FinalTotal.IsZero())
	require.True(t, b.Shipping.IsZero())
	require.True(t, b.CouponReduction.IsZero())
}

func TestZeroDiscountPriceMeansAbsent(t *testing.T) {
	line := pricing.Line{UnitPrice: dec("80"), DiscountPrice: price("0"), Quantity: 1}
	require.True(t, dec("80").Equal(line.EffectivePrice()))
}

func TestComputeRejectsBadLines(t *testing.T) {
	_, err := pricing.Compute(pricing.Input{Lines: []pricing.Line{{Key: "x", UnitPrice: dec("-1"), Quantity: 1}}})
	require.ErrorIs(t, err, pricing.ErrInvalidPrice)

	_, err = pricing.Compute(pricing.Input{Lines: []pricing.Line{{Key: "x", UnitPrice: dec("10"), DiscountPrice: price("-2"), Quantity: 1}}})
	require.ErrorIs(t, err, pricing.ErrInvalidPrice)

	_, err = pricing.Compute(pricing.Input{Lines: []pricing.Line{{Key: "x", UnitPrice: dec("10"), Quantity: 0}}})
	require.ErrorIs(t, err, pricing.ErrInvalidQuantity)
}

func TestRoundingHappensOnlyAtDisplay(t *testing.T) {
	lines := []pricing.Line{{Key: "x", UnitPrice: dec("33.335"), Quantity: 3}}
	b, err := pricing.Compute(pricing.Input{Lines: lines})
	require.NoError(t, err)
	require.True(t, dec("100.005").Equal(b.FinalTotal))
	require.Equal(t, "₹100.01", b.Display().FinalTotal)
}

func TestFormatterAndMinorUnits(t *testing.T) {
	f := pricing.NewFormatter("INR")
	require.Equal(t, "₹1,234.50", f.Format(dec("1234.5")))
	require.Equal(t, int64(28900), pricing.ToMinorUnits(dec("289")))
	require.Equal(t, int64(10001), pricing.ToMinorUnits(dec("100.005")))
	require.True(t, pricing.FromMinorUnits(100800).Equal(dec("1008")))
}
