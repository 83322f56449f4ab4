package sim

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lora-linkctl/internal/radio"
	"github.com/lorawan-server/lora-linkctl/pkg/frame"
)

const eventBuffer = 32

var ErrNotConfigured = errors.New("sim radio not configured")

// Radio is a radio.Driver attached to an Air. Stations only hear frames
// while in receive mode on the same frequency and sync word. Modulation
// mismatch between stations is not modelled.
type Radio struct {
	air  *Air
	name string

	mu         sync.Mutex
	settings   radio.Settings
	configured bool
	mode       radio.Mode
	closed     bool
	events     chan radio.Event
}

var _ radio.Driver = (*Radio)(nil)

// Name returns the station label
func (r *Radio) Name() string { return r.name }

// Mode returns the current transceiver mode
func (r *Radio) Mode() radio.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Settings returns the last configured settings
func (r *Radio) Settings() radio.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

func (r *Radio) Configure(ctx context.Context, s radio.Settings) error {
	if err := s.Profile.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return radio.ErrClosed
	}
	r.settings = s
	r.configured = true
	r.mode = radio.ModeIdle
	return nil
}

func (r *Radio) Transmit(ctx context.Context, data []byte) error {
	if len(data) > frame.HeaderSize+frame.MaxPayloadSize {
		return frame.ErrPayloadTooLarge
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return radio.ErrClosed
	}
	if !r.configured {
		r.mu.Unlock()
		return ErrNotConfigured
	}
	if r.mode == radio.ModeTransmit {
		r.mu.Unlock()
		return errors.New("sim radio already transmitting")
	}
	r.mode = radio.ModeTransmit
	s := r.settings
	r.mu.Unlock()

	airtime := r.air.transmit(r, s, data)
	log.Debug().Str("radio", r.name).Int("bytes", len(data)).Dur("airtime", airtime).Msg("sim: transmit")
	return nil
}

func (r *Radio) Receive() error {
	return r.setMode(radio.ModeReceive)
}

func (r *Radio) Idle() error {
	return r.setMode(radio.ModeIdle)
}

func (r *Radio) setMode(m radio.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return radio.ErrClosed
	}
	if r.mode == radio.ModeTransmit {
		// completion returns the radio to idle
		return nil
	}
	r.mode = m
	return nil
}

// ChannelActivity samples the channel and reports after two symbol times
func (r *Radio) ChannelActivity(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return radio.ErrClosed
	}
	if !r.configured {
		r.mu.Unlock()
		return ErrNotConfigured
	}
	p := r.settings.Profile
	r.mode = radio.ModeCad
	r.mu.Unlock()

	busy := r.air.channelBusy(time.Now())
	symbol := math.Pow(2, float64(p.SpreadingFactor)) / float64(p.BandwidthHz)
	r.air.mu.Lock()
	d := r.air.scaled(time.Duration(2 * symbol * float64(time.Second)))
	r.air.mu.Unlock()

	time.AfterFunc(d, func() {
		r.mu.Lock()
		if r.mode == radio.ModeCad {
			r.mode = radio.ModeIdle
		}
		r.mu.Unlock()
		r.emit(radio.Event{Kind: radio.EventCadDone, Busy: busy, At: time.Now()})
	})
	return nil
}

func (r *Radio) Events() <-chan radio.Event {
	return r.events
}

func (r *Radio) Close() error {
	r.air.detach(r)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.events)
	return nil
}

func (r *Radio) txDone() {
	r.mu.Lock()
	if r.mode == radio.ModeTransmit {
		r.mode = radio.ModeIdle
	}
	r.mu.Unlock()
	r.emit(radio.Event{Kind: radio.EventTxDone, At: time.Now()})
}

// hear delivers a frame that survived the medium
func (r *Radio) hear(s radio.Settings, pkt radio.Packet) {
	r.mu.Lock()
	listening := r.mode == radio.ModeReceive &&
		r.settings.FrequencyHz == s.FrequencyHz &&
		r.settings.SyncWord == s.SyncWord
	r.mu.Unlock()
	if !listening {
		log.Debug().Str("radio", r.name).Msg("sim: not listening, frame missed")
		return
	}
	r.emit(radio.Event{Kind: radio.EventPacketReceived, Packet: pkt, At: time.Now()})
}

// emit never blocks; a full buffer drops the event
func (r *Radio) emit(ev radio.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		log.Warn().Str("radio", r.name).Str("kind", ev.Kind.String()).Msg("sim: event buffer full, dropping")
	}
}
