// Package clock abstracts time so link timing can be driven by a virtual
// clock in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by the link layer
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the wall clock
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Virtual is a deterministic clock. Time only moves through Advance, Sleep
// and After; Sleep and After advance by the requested duration at once.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	afters int
}

// NewVirtual starts a virtual clock at t
func NewVirtual(t time.Time) *Virtual {
	return &Virtual{now: t}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Advance moves the clock forward by d
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = v.now.Add(d)
}

// Set moves the clock to t
func (v *Virtual) Set(t time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = t
}

// After advances by d and returns a channel that is already ready
func (v *Virtual) After(d time.Duration) <-chan time.Time {
	v.mu.Lock()
	if d > 0 {
		v.now = v.now.Add(d)
	}
	v.afters++
	now := v.now
	v.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Sleep advances by d and records the call
func (v *Virtual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if d > 0 {
		v.now = v.now.Add(d)
	}
	v.sleeps = append(v.sleeps, d)
	return nil
}

// Sleeps returns every duration passed to Sleep
func (v *Virtual) Sleeps() []time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]time.Duration, len(v.sleeps))
	copy(out, v.sleeps)
	return out
}

// Afters returns the number of After calls
func (v *Virtual) Afters() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.afters
}
