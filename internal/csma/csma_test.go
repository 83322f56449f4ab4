package csma

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/lorawan-server/lora-linkctl/internal/clock"
)

// scriptedProber answers probes from a script, repeating the last answer
type scriptedProber struct {
	answers []bool
	calls   int
}

func (p *scriptedProber) Probe(ctx context.Context) (bool, error) {
	i := p.calls
	if i >= len(p.answers) {
		i = len(p.answers) - 1
	}
	p.calls++
	return p.answers[i], nil
}

func newTestController(t *testing.T, answers ...bool) (*Controller, *scriptedProber, *clock.Virtual) {
	t.Helper()
	p := &scriptedProber{answers: answers}
	clk := clock.NewVirtual(time.Unix(1000, 0))
	c := New(DefaultConfig(), p, clk, rand.New(rand.NewSource(1)))
	return c, p, clk
}

func TestAcquireIdleFirstProbe(t *testing.T) {
	c, p, clk := newTestController(t, false)

	res, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if res.State != Idle || res.Attempts != 1 {
		t.Errorf("result = %+v, want Idle after 1 attempt", res)
	}
	if p.calls != 1 {
		t.Errorf("probes = %d, want 1", p.calls)
	}
	if n := len(clk.Sleeps()); n != 0 {
		t.Errorf("slept %d times, want 0", n)
	}
	if res.Err() != nil {
		t.Errorf("idle result Err() = %v", res.Err())
	}
}

func TestAcquireAlwaysBusy(t *testing.T) {
	c, p, clk := newTestController(t, true)

	res, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if res.State != Busy || res.Attempts != 10 {
		t.Errorf("result = %+v, want Busy after 10 attempts", res)
	}
	if p.calls != 10 {
		t.Errorf("probes = %d, want 10", p.calls)
	}

	sleeps := clk.Sleeps()
	if len(sleeps) != 9 {
		t.Fatalf("slept %d times, want 9", len(sleeps))
	}
	var total time.Duration
	for _, s := range sleeps {
		if s < DefaultBackoffMin || s >= DefaultBackoffMax {
			t.Errorf("backoff %v outside [%v, %v)", s, DefaultBackoffMin, DefaultBackoffMax)
		}
		total += s
	}
	if res.Backoff != total {
		t.Errorf("Backoff = %v, want %v", res.Backoff, total)
	}
	if !errors.Is(res.Err(), ErrChannelBusy) {
		t.Errorf("busy result Err() = %v", res.Err())
	}
}

func TestAcquireIdleAfterBackoff(t *testing.T) {
	c, p, clk := newTestController(t, true, true, false)

	res, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if res.State != Idle || res.Attempts != 3 {
		t.Errorf("result = %+v, want Idle after 3 attempts", res)
	}
	if p.calls != 3 || len(clk.Sleeps()) != 2 {
		t.Errorf("probes = %d sleeps = %d", p.calls, len(clk.Sleeps()))
	}
}

func TestAcquireProbeError(t *testing.T) {
	boom := errors.New("spi failure")
	c := New(DefaultConfig(), ProberFunc(func(context.Context) (bool, error) {
		return false, boom
	}), clock.NewVirtual(time.Unix(0, 0)), nil)

	if _, err := c.Acquire(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected probe error, got %v", err)
	}
}

func TestAcquireCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	c := New(DefaultConfig(), ProberFunc(func(context.Context) (bool, error) {
		calls++
		cancel()
		return true, nil
	}), clock.NewVirtual(time.Unix(0, 0)), nil)

	if _, err := c.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("probes = %d after cancel", calls)
	}
}

func TestBackoffFixedRange(t *testing.T) {
	c := New(Config{MaxAttempts: 2, BackoffMin: 50 * time.Millisecond, BackoffMax: 50 * time.Millisecond},
		&scriptedProber{answers: []bool{true}}, clock.NewVirtual(time.Unix(0, 0)), nil)
	if got := c.backoff(); got != 50*time.Millisecond {
		t.Errorf("backoff = %v", got)
	}
}
