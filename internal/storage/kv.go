// Package storage provides the key/value persistence the storefront uses in place of
// browser local storage.
package storage

import (
	"context"
	"errors"
)

// Well-known keys shared with the storefront web client.
const (
	KeyCart            = "cart"
	KeyCartTimestamp   = "cartTimestamp"
	KeyAppliedDiscount = "appliedDiscount"
	KeyUser            = "user"
	KeyCheckout        = "checkout"
	KeyBackendCookies  = "backendCookies"
)

// ErrNotConfigured is returned by stores missing their backing client or path.
var ErrNotConfigured = errors.New("storage: not configured")

// KV is a flat string key/value store.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}
