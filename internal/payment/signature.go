package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
)

// Sign computes the gateway signature of a payment: hex HMAC-SHA256 of
// "order_id|payment_id" keyed with the merchant secret.
func Sign(secret, orderID, paymentID string) string {
	key := strings.TrimSpace(secret)
	if key == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether c carries a valid signature under secret.
func VerifySignature(secret string, c Confirmation) bool {
	expected := Sign(secret, c.OrderID, c.PaymentID)
	provided := strings.TrimSpace(c.Signature)
	return expected != "" && provided != "" && hmac.Equal([]byte(expected), []byte(provided))
}

// SandboxGateway pays every order immediately with a locally signed confirmation. It
// backs local development against a sandbox backend that shares Secret.
type SandboxGateway struct {
	Secret string
	// Abandon makes every Open behave as if the shopper closed the widget.
	Abandon bool

	seq atomic.Uint64
}

// Open returns a signed confirmation for opts.OrderID.
func (g *SandboxGateway) Open(ctx context.Context, opts Options) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}
	if g.Abandon {
		return Confirmation{}, ErrAbandoned
	}
	paymentID := fmt.Sprintf("pay_sandbox_%d", g.seq.Add(1))
	return Confirmation{
		PaymentID: paymentID,
		OrderID:   opts.OrderID,
		Signature: Sign(g.Secret, opts.OrderID, paymentID),
	}, nil
}
