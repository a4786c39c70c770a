// Package debounce collapses bursts of lookups so only the latest input reaches the
// backend and stale answers never overwrite fresher ones.
package debounce

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vibethread/storefront/internal/obs"
)

// ErrSuperseded is returned to a caller whose input was replaced by a newer one.
var ErrSuperseded = errors.New("debounce: superseded by a newer request")

// Debouncer runs Fn for the last input seen within Window. Each call to Do bumps a
// generation counter; a call whose generation is no longer current is cancelled and
// its result discarded.
type Debouncer[In, Out any] struct {
	Name   string
	Window time.Duration
	Fn     func(context.Context, In) (Out, error)

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// New returns a debouncer named for metrics.
func New[In, Out any](name string, window time.Duration, fn func(context.Context, In) (Out, error)) *Debouncer[In, Out] {
	return &Debouncer[In, Out]{Name: name, Window: window, Fn: fn}
}

func (d *Debouncer[In, Out]) current(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen == gen
}

func (d *Debouncer[In, Out]) drop() {
	obs.DebounceDroppedTotal.WithLabelValues(d.Name).Inc()
}

// Do waits out the window and then calls Fn with in, unless a newer Do arrives first.
// Cancelling ctx abandons the call.
func (d *Debouncer[In, Out]) Do(ctx context.Context, in In) (Out, error) {
	var zero Out

	d.mu.Lock()
	d.gen++
	gen := d.gen
	if d.cancel != nil {
		d.cancel()
	}
	callCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	if d.Window > 0 {
		timer := time.NewTimer(d.Window)
		select {
		case <-callCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			d.drop()
			return zero, ErrSuperseded
		case <-timer.C:
		}
	}
	if !d.current(gen) {
		d.drop()
		return zero, ErrSuperseded
	}

	out, err := d.Fn(callCtx, in)
	if !d.current(gen) {
		d.drop()
		return zero, ErrSuperseded
	}
	return out, err
}
