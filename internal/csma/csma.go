// Package csma gates transmissions behind channel activity detection with
// randomized backoff.
package csma

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lora-linkctl/internal/clock"
)

// ErrChannelBusy means every probe of an acquire attempt detected activity
var ErrChannelBusy = errors.New("channel busy")

// Defaults from the CAD firmware
const (
	DefaultMaxAttempts = 10
	DefaultBackoffMin  = 100 * time.Millisecond
	DefaultBackoffMax  = 300 * time.Millisecond
)

// State of the channel after an acquire attempt
type State int

const (
	Idle State = iota
	Busy
)

func (s State) String() string {
	if s == Busy {
		return "busy"
	}
	return "idle"
}

// Result of Acquire
type Result struct {
	State    State
	Attempts int
	Backoff  time.Duration // total time slept between probes
}

// Err returns ErrChannelBusy for a busy result
func (r Result) Err() error {
	if r.State == Busy {
		return fmt.Errorf("%w after %d attempts", ErrChannelBusy, r.Attempts)
	}
	return nil
}

// Prober performs one blocking channel activity test
type Prober interface {
	Probe(ctx context.Context) (busy bool, err error)
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context) (bool, error)

func (f ProberFunc) Probe(ctx context.Context) (bool, error) { return f(ctx) }

// Config bounds one acquire attempt
type Config struct {
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the firmware values
func DefaultConfig() Config {
	return Config{MaxAttempts: DefaultMaxAttempts, BackoffMin: DefaultBackoffMin, BackoffMax: DefaultBackoffMax}
}

// Controller runs CSMA acquire attempts
type Controller struct {
	cfg    Config
	prober Prober
	clock  clock.Clock

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New creates a controller. A nil rnd is seeded from the clock.
func New(cfg Config, prober Prober, clk clock.Clock, rnd *rand.Rand) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(clk.Now().UnixNano()))
	}
	return &Controller{cfg: cfg, prober: prober, clock: clk, rnd: rnd}
}

// Config returns the effective configuration
func (c *Controller) Config() Config {
	return c.cfg
}

// cadSession lives for one acquire attempt
type cadSession struct {
	attempts int
	busy     bool
}

// Acquire probes until the channel is idle or MaxAttempts probes have all
// detected activity. The first probe is attempt 1. Only probe failures and
// context cancellation are returned as errors; a busy channel is a Result.
func (c *Controller) Acquire(ctx context.Context) (Result, error) {
	var (
		s     cadSession
		slept time.Duration
	)

	for {
		busy, err := c.prober.Probe(ctx)
		if err != nil {
			return Result{State: Busy, Attempts: s.attempts, Backoff: slept}, fmt.Errorf("channel activity probe: %w", err)
		}
		s.attempts++
		s.busy = busy

		if !s.busy {
			log.Debug().Int("attempt", s.attempts).Msg("CAD: channel idle")
			return Result{State: Idle, Attempts: s.attempts, Backoff: slept}, nil
		}

		if s.attempts >= c.cfg.MaxAttempts {
			log.Debug().Int("attempts", s.attempts).Msg("CAD: channel busy, giving up")
			return Result{State: Busy, Attempts: s.attempts, Backoff: slept}, nil
		}

		backoff := c.backoff()
		log.Debug().
			Int("attempt", s.attempts).
			Dur("backoff", backoff).
			Msg("CAD: activity detected, backing off")

		if err := c.clock.Sleep(ctx, backoff); err != nil {
			return Result{State: Busy, Attempts: s.attempts, Backoff: slept}, err
		}
		slept += backoff
	}
}

// backoff draws uniformly from [BackoffMin, BackoffMax)
func (c *Controller) backoff() time.Duration {
	span := c.cfg.BackoffMax - c.cfg.BackoffMin
	if span <= 0 {
		return c.cfg.BackoffMin
	}
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.cfg.BackoffMin + time.Duration(c.rnd.Int63n(int64(span)))
}
