package nodeaddr

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Runtime is the concurrency runtime the resolver runs its work on
type Runtime interface {
	// Spawn runs fn concurrently
	Spawn(fn func())
	// Sleep pauses for d, returning early with the context error if ctx ends first
	Sleep(ctx context.Context, d time.Duration) error
	// Timeout runs fn with a context that is cancelled after d
	Timeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error
	// Clock is the time source used for TTLs and timers
	Clock() clock.Clock
}

type goRuntime struct {
	clock clock.Clock
}

// NewRuntime returns a Runtime that runs work on goroutines and takes time from c, the wall clock if c is nil.
func NewRuntime(c clock.Clock) Runtime {
	if c == nil {
		c = clock.New()
	}
	return &goRuntime{clock: c}
}

func (r *goRuntime) Spawn(fn func()) {
	go fn()
}

func (r *goRuntime) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := r.clock.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *goRuntime) Timeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	tctx, cancel := r.clock.WithTimeout(ctx, d)
	defer cancel()
	return fn(tctx)
}

func (r *goRuntime) Clock() clock.Clock {
	return r.clock
}
