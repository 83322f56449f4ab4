package clock

import (
	"context"
	"testing"
	"time"
)

func TestVirtualClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	v := NewVirtual(start)

	v.Advance(time.Second)
	if got := v.Now().Sub(start); got != time.Second {
		t.Fatalf("after Advance: %v", got)
	}

	if err := v.Sleep(context.Background(), 250*time.Millisecond); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if got := v.Now().Sub(start); got != 1250*time.Millisecond {
		t.Fatalf("after Sleep: %v", got)
	}

	at := <-v.After(750 * time.Millisecond)
	if got := at.Sub(start); got != 2*time.Second {
		t.Fatalf("After fired at %v", got)
	}

	if s := v.Sleeps(); len(s) != 1 || s[0] != 250*time.Millisecond {
		t.Errorf("Sleeps = %v", s)
	}
	if v.Afters() != 1 {
		t.Errorf("Afters = %d", v.Afters())
	}
}

func TestVirtualSleepCancelled(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := v.Sleep(ctx, time.Second); err == nil {
		t.Fatal("expected context error")
	}
	if !v.Now().Equal(time.Unix(0, 0)) {
		t.Error("cancelled sleep moved the clock")
	}
}

func TestRealSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := (Real{}).Sleep(ctx, time.Minute); err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Sleep ignored cancellation")
	}
}
