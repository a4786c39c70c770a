// Package payment drives the hosted payment widget: it builds the widget options,
// collects the handler payload the widget returns and checks its signature.
package payment

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrAbandoned is returned when the shopper closes the widget without paying.
	ErrAbandoned = errors.New("payment abandoned")
	// ErrOrderMismatch is returned when a confirmation names another gateway order.
	ErrOrderMismatch = errors.New("payment confirmation is for a different order")
	// ErrIncomplete is returned when a confirmation lacks one of its three fields.
	ErrIncomplete = errors.New("payment confirmation is incomplete")
)

// Prefill seeds the widget's contact form.
type Prefill struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Contact string `json:"contact,omitempty"`
}

// Theme styles the widget.
type Theme struct {
	Color string `json:"color,omitempty"`
}

// Options is the configuration handed to the payment widget. Amount is in minor units
// (paise).
type Options struct {
	Key         string  `json:"key"`
	Amount      int64   `json:"amount"`
	Currency    string  `json:"currency"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
	Image       string  `json:"image,omitempty"`
	OrderID     string  `json:"order_id"`
	Prefill     Prefill `json:"prefill"`
	Theme       Theme   `json:"theme"`
}

// Confirmation is the widget's handler payload, forwarded to the backend unchanged.
type Confirmation struct {
	PaymentID string `json:"razorpay_payment_id"`
	OrderID   string `json:"razorpay_order_id"`
	Signature string `json:"razorpay_signature"`
}

// Normalize trims the three fields.
func (c Confirmation) Normalize() Confirmation {
	return Confirmation{
		PaymentID: strings.TrimSpace(c.PaymentID),
		OrderID:   strings.TrimSpace(c.OrderID),
		Signature: strings.TrimSpace(c.Signature),
	}
}

// Check verifies the confirmation is complete and belongs to orderID. A missing order
// id is taken to mean orderID, as some widget builds omit it.
func (c Confirmation) Check(orderID string) (Confirmation, error) {
	c = c.Normalize()
	if c.OrderID == "" {
		c.OrderID = orderID
	}
	if c.PaymentID == "" || c.Signature == "" {
		return c, ErrIncomplete
	}
	if c.OrderID != orderID {
		return c, ErrOrderMismatch
	}
	return c, nil
}

// Gateway opens the payment widget for opts and blocks until the shopper pays or
// gives up. Implementations return ErrAbandoned on dismissal and ctx.Err() on
// cancellation.
type Gateway interface {
	Open(ctx context.Context, opts Options) (Confirmation, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, opts Options) (Confirmation, error)

// Open calls f.
func (f GatewayFunc) Open(ctx context.Context, opts Options) (Confirmation, error) {
	return f(ctx, opts)
}
