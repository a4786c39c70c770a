package checkout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vibethread/storefront/internal/lock"
)

// Guard makes sure one gateway transaction handle is verified by at most one caller
// at a time. Run returns ErrSubmissionInFlight when handle is already being verified.
type Guard interface {
	Run(ctx context.Context, handle string, fn func(context.Context) error) error
}

// LocalGuard guards handles within one process.
type LocalGuard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Run executes fn unless handle is already in flight.
func (g *LocalGuard) Run(ctx context.Context, handle string, fn func(context.Context) error) error {
	g.mu.Lock()
	if g.inFlight == nil {
		g.inFlight = make(map[string]struct{})
	}
	if _, busy := g.inFlight[handle]; busy {
		g.mu.Unlock()
		return ErrSubmissionInFlight
	}
	g.inFlight[handle] = struct{}{}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.inFlight, handle)
		g.mu.Unlock()
	}()
	return fn(ctx)
}

// LockGuard guards handles across edge server instances with a Redis lock.
type LockGuard struct {
	Locker lock.Locker
	TTL    time.Duration
}

// Run executes fn while holding the submission lock of handle.
func (g LockGuard) Run(ctx context.Context, handle string, fn func(context.Context) error) error {
	err := g.Locker.TryWithLock(ctx, lock.SubmissionKey(handle), g.TTL, fn)
	if errors.Is(err, lock.ErrHeld) {
		return ErrSubmissionInFlight
	}
	return err
}
