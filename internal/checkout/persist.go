package checkout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vibethread/storefront/internal/storage"
)

// LoadSnapshot reads the persisted checkout of a session. A missing or unreadable
// entry yields an idle snapshot.
func LoadSnapshot(ctx context.Context, kv storage.KV) (Snapshot, error) {
	raw, ok, err := kv.Get(ctx, storage.KeyCheckout)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load checkout: %w", err)
	}
	if !ok || raw == "" {
		return Snapshot{State: Idle}, nil
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{State: Idle}, nil
	}
	return snap, nil
}

// SaveSnapshot persists snap. An idle snapshot removes the entry.
func SaveSnapshot(ctx context.Context, kv storage.KV, snap Snapshot) error {
	if snap.State == Idle || snap.State == "" {
		return kv.Delete(ctx, storage.KeyCheckout)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := kv.Set(ctx, storage.KeyCheckout, string(data)); err != nil {
		return fmt.Errorf("save checkout: %w", err)
	}
	return nil
}
