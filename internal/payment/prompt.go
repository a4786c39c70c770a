package payment

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// PromptGateway collects the handler payload on a terminal. It prints the widget
// options so the shopper can pay in a browser, then reads the payment id, order id and
// signature. An empty payment id means the shopper gave up.
type PromptGateway struct {
	In  io.Reader
	Out io.Writer
	// Display renders the amount for the prompt; defaults to the raw minor units.
	Display func(minor int64) string
}

type promptResult struct {
	c   Confirmation
	err error
}

// Open prints opts and waits for the three handler values.
func (g PromptGateway) Open(ctx context.Context, opts Options) (Confirmation, error) {
	amount := fmt.Sprintf("%d paise", opts.Amount)
	if g.Display != nil {
		amount = g.Display(opts.Amount)
	}
	widget, _ := json.MarshalIndent(opts, "", "  ")
	fmt.Fprintf(g.Out, "Pay %s for gateway order %s.\nWidget options:\n%s\n", amount, opts.OrderID, widget)
	fmt.Fprintln(g.Out, "Paste the values the widget returned (leave the payment id empty to cancel).")

	done := make(chan promptResult, 1)
	go func() {
		sc := bufio.NewScanner(g.In)
		read := func(label string) (string, bool) {
			fmt.Fprintf(g.Out, "%s: ", label)
			if !sc.Scan() {
				return "", false
			}
			return strings.TrimSpace(sc.Text()), true
		}
		paymentID, ok := read("razorpay_payment_id")
		if !ok || paymentID == "" {
			done <- promptResult{err: ErrAbandoned}
			return
		}
		orderID, _ := read("razorpay_order_id [" + opts.OrderID + "]")
		signature, ok := read("razorpay_signature")
		if !ok {
			done <- promptResult{err: ErrAbandoned}
			return
		}
		c, err := Confirmation{PaymentID: paymentID, OrderID: orderID, Signature: signature}.Check(opts.OrderID)
		done <- promptResult{c: c, err: err}
	}()

	select {
	case <-ctx.Done():
		return Confirmation{}, ctx.Err()
	case r := <-done:
		return r.c, r.err
	}
}
