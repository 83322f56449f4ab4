// Package arq delivers frames with stop-and-wait acknowledgement: one
// reliable send in flight, an ACK deadline, and a success or failure
// recorded per outcome.
package arq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lora-linkctl/internal/clock"
	"github.com/lorawan-server/lora-linkctl/internal/csma"
	"github.com/lorawan-server/lora-linkctl/pkg/frame"
)

// ErrAckTimeout means no matching ACK arrived before the deadline
var ErrAckTimeout = errors.New("ack timeout")

const (
	DefaultAckTimeout   = time.Second
	DefaultPollInterval = 10 * time.Millisecond
)

// Outcome of a reliable send
type Outcome int

const (
	NotSent Outcome = iota
	Acked
	TimedOut
	Unacknowledged // broadcast or unconfirmed send, no ACK expected
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case TimedOut:
		return "timed_out"
	case Unacknowledged:
		return "unacknowledged"
	}
	return "not_sent"
}

// Link is the half duplex radio path. Send transmits, waits for transmit
// completion and returns the transceiver to receive mode. Pump dispatches at
// most one inbound event, waiting up to wait for it.
type Link interface {
	Send(ctx context.Context, data []byte) error
	Pump(ctx context.Context, wait time.Duration) error
}

// Gate grants channel access before a transmission
type Gate interface {
	Acquire(ctx context.Context) (csma.Result, error)
}

// Recorder receives delivery outcomes
type Recorder interface {
	RecordSuccess()
	RecordFailure()
}

// PendingAck is the outstanding acknowledgement of the frame in flight
type PendingAck struct {
	MessageID uint8
	Peer      frame.Address
	Deadline  time.Time
	acked     bool
}

// Result describes a reliable send
type Result struct {
	Outcome   Outcome
	MessageID uint8
	Peer      frame.Address
	Channel   csma.Result   // zero when no gate is configured
	RoundTrip time.Duration // transmit start to ACK, Acked only
}

// Transmitted reports whether the frame went on air
func (r Result) Transmitted() bool {
	return r.Outcome != NotSent
}

// Err returns ErrAckTimeout for a timed out send
func (r Result) Err() error {
	if r.Outcome == TimedOut {
		return fmt.Errorf("%w: message %d to %s", ErrAckTimeout, r.MessageID, r.Peer)
	}
	return nil
}

// Engine runs reliable sends. It is driven by a single goroutine: the one
// that calls SendReliable also dispatches inbound events through Link.Pump,
// which is where HandleAck is reached.
type Engine struct {
	link         Link
	gate         Gate
	recorder     Recorder
	clock        clock.Clock
	pollInterval time.Duration

	pending *PendingAck
}

// Option configures an Engine
type Option func(*Engine)

// WithGate enables clear channel assessment before every reliable send
func WithGate(g Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithPollInterval sets the inbound event granularity of the ACK wait
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// NewEngine creates an engine
func NewEngine(link Link, recorder Recorder, clk clock.Clock, opts ...Option) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	e := &Engine{
		link:         link,
		recorder:     recorder,
		clock:        clk,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pending returns the outstanding acknowledgement, if any
func (e *Engine) Pending() (PendingAck, bool) {
	if e.pending == nil {
		return PendingAck{}, false
	}
	return *e.pending, true
}

// HandleAck resolves the pending acknowledgement when both message id and
// peer match. Stale or foreign ACKs are ignored and reported false.
func (e *Engine) HandleAck(from frame.Address, id uint8) bool {
	p := e.pending
	if p == nil || p.acked {
		return false
	}
	if p.MessageID != id || p.Peer != from {
		return false
	}
	p.acked = true
	return true
}

// Send transmits f through the gate without waiting for an ACK, whatever
// the destination. Nothing is recorded.
func (e *Engine) Send(ctx context.Context, f frame.Frame) (Result, error) {
	res := Result{MessageID: f.MessageID, Peer: f.Destination}

	data, err := e.prepare(ctx, f, &res)
	if err != nil {
		return res, err
	}
	if err := e.link.Send(ctx, data); err != nil {
		return res, fmt.Errorf("transmit message %d: %w", f.MessageID, err)
	}
	res.Outcome = Unacknowledged
	log.Debug().Uint8("msg_id", f.MessageID).Str("peer", f.Destination.String()).Msg("Unconfirmed frame sent")
	return res, nil
}

// prepare encodes f and acquires the channel
func (e *Engine) prepare(ctx context.Context, f frame.Frame, res *Result) ([]byte, error) {
	data, err := f.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode message %d: %w", f.MessageID, err)
	}
	if e.gate == nil {
		return data, nil
	}
	ch, err := e.gate.Acquire(ctx)
	res.Channel = ch
	if err != nil {
		return nil, err
	}
	if err := ch.Err(); err != nil {
		return nil, err
	}
	return data, nil
}

// SendReliable transmits f and, unless it is a broadcast, waits up to
// ackTimeout for the matching ACK. A busy channel returns ErrChannelBusy
// with nothing transmitted and nothing recorded. A missed ACK is reported
// through the TimedOut outcome, not as an error.
func (e *Engine) SendReliable(ctx context.Context, f frame.Frame, ackTimeout time.Duration) (Result, error) {
	res := Result{MessageID: f.MessageID, Peer: f.Destination}

	data, err := e.prepare(ctx, f, &res)
	if err != nil {
		return res, err
	}
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}

	started := e.clock.Now()
	if !f.IsBroadcast() {
		e.pending = &PendingAck{MessageID: f.MessageID, Peer: f.Destination}
	}
	defer func() { e.pending = nil }()

	if err := e.link.Send(ctx, data); err != nil {
		return res, fmt.Errorf("transmit message %d: %w", f.MessageID, err)
	}

	if f.IsBroadcast() {
		res.Outcome = Unacknowledged
		log.Debug().Uint8("msg_id", f.MessageID).Msg("Broadcast sent")
		return res, nil
	}

	// the deadline runs from transmit completion
	e.pending.Deadline = e.clock.Now().Add(ackTimeout)
	log.Debug().
		Uint8("msg_id", f.MessageID).
		Str("peer", f.Destination.String()).
		Dur("timeout", ackTimeout).
		Msg("Waiting for ACK")

	for {
		if e.pending.acked {
			res.Outcome = Acked
			res.RoundTrip = e.clock.Now().Sub(started)
			if e.recorder != nil {
				e.recorder.RecordSuccess()
			}
			return res, nil
		}

		remaining := e.pending.Deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			res.Outcome = TimedOut
			if e.recorder != nil {
				e.recorder.RecordFailure()
			}
			return res, nil
		}

		wait := e.pollInterval
		if remaining < wait {
			wait = remaining
		}
		if err := e.link.Pump(ctx, wait); err != nil {
			// the frame went on air, the wait was interrupted
			res.Outcome = TimedOut
			return res, fmt.Errorf("wait for ack of message %d: %w", f.MessageID, err)
		}
	}
}
