package pricing

import (
	"strings"

	"github.com/leekchan/accounting"
	"github.com/shopspring/decimal"
)

// Formatter renders amounts in the storefront currency.
type Formatter struct {
	ac accounting.Accounting
}

// NewFormatter returns a formatter for currency. Unknown currencies use the code as
// the symbol.
func NewFormatter(currency string) Formatter {
	symbol := "₹"
	if c := strings.ToUpper(strings.TrimSpace(currency)); c != "" && c != "INR" {
		symbol = c + " "
	}
	return Formatter{ac: accounting.Accounting{Symbol: symbol, Precision: 2, Thousand: ",", Decimal: "."}}
}

// Format rounds half away from zero to two places and adds the symbol.
func (f Formatter) Format(amount decimal.Decimal) string {
	return f.ac.FormatMoneyDecimal(amount.Round(2))
}

// Display is a breakdown rounded for people.
type Display struct {
	Items              int    `json:"items"`
	OriginalTotal      string `json:"originalTotal"`
	Savings            string `json:"savings"`
	DiscountedSubtotal string `json:"discountedSubtotal"`
	CouponReduction    string `json:"couponReduction"`
	Shipping           string `json:"shipping"`
	GiftWrap           string `json:"giftWrap"`
	FinalTotal         string `json:"finalTotal"`
}

// Display formats every field of b with f.
func (f Formatter) Display(b Breakdown) Display {
	return Display{
		Items:              b.Items,
		OriginalTotal:      f.Format(b.OriginalTotal),
		Savings:            f.Format(b.Savings()),
		DiscountedSubtotal: f.Format(b.DiscountedSubtotal),
		CouponReduction:    f.Format(b.CouponReduction),
		Shipping:           f.Format(b.Shipping),
		GiftWrap:           f.Format(b.GiftWrap),
		FinalTotal:         f.Format(b.FinalTotal),
	}
}

// Display formats b in rupees.
func (b Breakdown) Display() Display {
	return NewFormatter("INR").Display(b)
}
