package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vibethread/storefront/internal/payment"
)

func TestSignatureRoundTrip(t *testing.T) {
	sig := payment.Sign("secret", "order_1", "pay_1")
	require.Len(t, sig, 64)

	c := payment.Confirmation{PaymentID: "pay_1", OrderID: "order_1", Signature: sig}
	require.True(t, payment.VerifySignature("secret", c))
	require.False(t, payment.VerifySignature("other", c))

	c.OrderID = "order_2"
	require.False(t, payment.VerifySignature("secret", c))
	require.Empty(t, payment.Sign("", "order_1", "pay_1"))
}

func TestConfirmationJSONNames(t *testing.T) {
	var c payment.Confirmation
	require.NoError(t, json.Unmarshal([]byte(`{"razorpay_payment_id":"pay_1","razorpay_order_id":"order_1","razorpay_signature":"abc"}`), &c))
	require.Equal(t, payment.Confirmation{PaymentID: "pay_1", OrderID: "order_1", Signature: "abc"}, c)
}

func TestConfirmationCheck(t *testing.T) {
	_, err := payment.Confirmation{PaymentID: "pay", OrderID: "order_2", Signature: "s"}.Check("order_1")
	require.ErrorIs(t, err, payment.ErrOrderMismatch)

	_, err = payment.Confirmation{OrderID: "order_1", Signature: "s"}.Check("order_1")
	require.ErrorIs(t, err, payment.ErrIncomplete)

	c, err := payment.Confirmation{PaymentID: " pay ", Signature: "s"}.Check("order_1")
	require.NoError(t, err)
	require.Equal(t, "order_1", c.OrderID)
	require.Equal(t, "pay", c.PaymentID)
}

func TestSandboxGateway(t *testing.T) {
	g := &payment.SandboxGateway{Secret: "secret"}
	c, err := g.Open(context.Background(), payment.Options{OrderID: "order_9"})
	require.NoError(t, err)
	require.True(t, payment.VerifySignature("secret", c))

	g.Abandon = true
	_, err = g.Open(context.Background(), payment.Options{OrderID: "order_9"})
	require.ErrorIs(t, err, payment.ErrAbandoned)
}

func TestPromptGateway(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("pay_42\n\nsig\n")
	g := payment.PromptGateway{In: in, Out: &out}
	c, err := g.Open(context.Background(), payment.Options{OrderID: "order_1", Amount: 31600, Currency: "INR"})
	require.NoError(t, err)
	require.Equal(t, payment.Confirmation{PaymentID: "pay_42", OrderID: "order_1", Signature: "sig"}, c)
	require.Contains(t, out.String(), "31600 paise")

	_, err = payment.PromptGateway{In: strings.NewReader("\n"), Out: io.Discard}.Open(context.Background(), payment.Options{OrderID: "order_1"})
	require.ErrorIs(t, err, payment.ErrAbandoned)
}

func TestPromptGatewayHonoursCancellation(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := payment.PromptGateway{In: pr, Out: io.Discard}.Open(ctx, payment.Options{OrderID: "order_1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func openCallback(t *testing.T, opts payment.Options, act func(url string)) (payment.Confirmation, error) {
	t.Helper()
	ready := make(chan string, 1)
	g := payment.CallbackGateway{OnReady: func(url string) { ready <- url }, Logger: zerolog.Nop()}
	type result struct {
		c   payment.Confirmation
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := g.Open(context.Background(), opts)
		done <- result{c, err}
	}()
	act(<-ready)
	select {
	case r := <-done:
		return r.c, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("callback gateway did not return")
		return payment.Confirmation{}, nil
	}
}

func post(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestCallbackGatewayReceivesConfirmation(t *testing.T) {
	opts := payment.Options{Key: "rzp_test", Amount: 1000, Currency: "INR", OrderID: "order_1"}
	c, err := openCallback(t, opts, func(url string) {
		resp, err := http.Get(url)
		require.NoError(t, err)
		page, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.Contains(t, string(page), "order_1")

		require.Equal(t, http.StatusBadRequest, post(t, url+"confirm", `{"razorpay_payment_id":"p","razorpay_order_id":"order_x","razorpay_signature":"s"}`))
		require.Equal(t, http.StatusOK, post(t, url+"confirm", `{"razorpay_payment_id":"p","razorpay_order_id":"order_1","razorpay_signature":"s"}`))
	})
	require.NoError(t, err)
	require.Equal(t, "p", c.PaymentID)
}

func TestCallbackGatewayDismissal(t *testing.T) {
	_, err := openCallback(t, payment.Options{OrderID: "order_1"}, func(url string) {
		require.Equal(t, http.StatusOK, post(t, url+"dismiss", `{}`))
	})
	require.ErrorIs(t, err, payment.ErrAbandoned)
}
