// Package integration fans link events out to the journal and to the
// message buses.
package integration

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lora-linkctl/internal/models"
	"github.com/lorawan-server/lora-linkctl/internal/storage"
)

const (
	DefaultBuffer = 256

	publishTimeout = 5 * time.Second
)

// Publisher forwards events to an external system
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev *models.LinkEvent) error
}

// Dispatcher implements the link session sink. Emit only enqueues; a single
// worker writes to the store and then to every publisher, in emit order.
type Dispatcher struct {
	store      storage.Store
	publishers []Publisher
	ch         chan *models.LinkEvent

	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewDispatcher creates a dispatcher. store may be nil.
func NewDispatcher(store storage.Store, buffer int, publishers ...Publisher) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Dispatcher{
		store:      store,
		publishers: publishers,
		ch:         make(chan *models.LinkEvent, buffer),
	}
}

// Emit never blocks; a full buffer drops the event
func (d *Dispatcher) Emit(ev *models.LinkEvent) {
	select {
	case d.ch <- ev:
	default:
		n := d.dropped.Add(1)
		log.Warn().
			Str("type", string(ev.Type)).
			Uint64("dropped", n).
			Msg("Event buffer full, dropping link event")
	}
}

// Dropped returns the number of events lost to a full buffer
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Processed returns the number of events handed to the store and publishers
func (d *Dispatcher) Processed() uint64 { return d.processed.Load() }

// Run serves the buffer until ctx is done, then drains what is queued
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Info().
		Bool("store", d.store != nil).
		Int("publishers", len(d.publishers)).
		Msg("Event dispatcher started")

	for {
		select {
		case ev := <-d.ch:
			d.dispatch(ctx, ev)
		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		select {
		case ev := <-d.ch:
			d.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *models.LinkEvent) {
	defer d.processed.Add(1)

	if d.store != nil {
		if err := d.store.CreateLinkEvent(ctx, ev); err != nil {
			log.Error().Err(err).Str("type", string(ev.Type)).Msg("Failed to journal link event")
		}
	}

	for _, p := range d.publishers {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := p.Publish(pctx, ev)
		cancel()
		if err != nil {
			log.Error().
				Err(err).
				Str("publisher", p.Name()).
				Str("type", string(ev.Type)).
				Msg("Failed to publish link event")
		}
	}
}
