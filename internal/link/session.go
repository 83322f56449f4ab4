// Package link runs one station of the adaptive point to point link: the
// periodic reliable send cycle, inbound frame handling, acknowledgements and
// profile adaptation on top of a radio.Driver.
package link

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lora-linkctl/internal/adapt"
	"github.com/lorawan-server/lora-linkctl/internal/arq"
	"github.com/lorawan-server/lora-linkctl/internal/clock"
	"github.com/lorawan-server/lora-linkctl/internal/csma"
	"github.com/lorawan-server/lora-linkctl/internal/models"
	"github.com/lorawan-server/lora-linkctl/internal/radio"
	"github.com/lorawan-server/lora-linkctl/pkg/frame"
)

var (
	ErrQueueFull = errors.New("outbound queue full")

	// ErrRadioTimeout means a transmit or CAD completion never arrived
	ErrRadioTimeout = errors.New("radio completion timeout")
)

const (
	DefaultSendIntervalMin = 2 * time.Second
	DefaultSendIntervalMax = 3 * time.Second
	DefaultPayloadPrefix   = "Hello"
	DefaultQueueSize       = 32
	DefaultCadTimeout      = time.Second

	// slack on top of the computed airtime before a missing tx done is an error
	txDoneGrace = 500 * time.Millisecond
)

// Sink receives journal events. Emit must not block the session.
type Sink interface {
	Emit(ev *models.LinkEvent)
}

// Config describes one station
type Config struct {
	Station            string
	LocalAddress       frame.Address
	DestinationAddress frame.Address

	Radio radio.Settings

	SendEnabled     bool
	SendIntervalMin time.Duration
	SendIntervalMax time.Duration
	AckEnabled      bool
	AckTimeout      time.Duration
	PollInterval    time.Duration
	PayloadPrefix   string
	QueueSize       int

	CSMAEnabled bool
	CSMA        csma.Config

	AdaptationEnabled bool
	Adaptation        adapt.Config
}

// DefaultConfig returns the firmware behaviour for the given addresses
func DefaultConfig(local, destination frame.Address) Config {
	return Config{
		LocalAddress:       local,
		DestinationAddress: destination,
		Radio: radio.Settings{
			Profile:        radio.Balanced,
			FrequencyHz:    radio.DefaultFrequencyHz,
			PreambleLength: radio.DefaultPreambleLength,
			SyncWord:       radio.DefaultSyncWord,
			CRC:            true,
		},
		SendEnabled:       true,
		SendIntervalMin:   DefaultSendIntervalMin,
		SendIntervalMax:   DefaultSendIntervalMax,
		AckEnabled:        true,
		AckTimeout:        arq.DefaultAckTimeout,
		PollInterval:      arq.DefaultPollInterval,
		PayloadPrefix:     DefaultPayloadPrefix,
		QueueSize:         DefaultQueueSize,
		CSMAEnabled:       true,
		CSMA:              csma.DefaultConfig(),
		AdaptationEnabled: true,
		Adaptation:        adapt.DefaultConfig(),
	}
}

// Counters are lifetime totals of one session
type Counters struct {
	FramesSent     uint64 `json:"framesSent"`
	FramesReceived uint64 `json:"framesReceived"`
	Delivered      uint64 `json:"delivered"`
	AcksSent       uint64 `json:"acksSent"`
	DecodeErrors   uint64 `json:"decodeErrors"`
	ChannelBusy    uint64 `json:"channelBusy"`
}

// Snapshot is a consistent copy of the session state
type Snapshot struct {
	Station     string         `json:"station"`
	Local       frame.Address  `json:"localAddress"`
	Destination frame.Address  `json:"destinationAddress"`
	Settings    radio.Settings `json:"settings"`
	Stats       adapt.Stats    `json:"stats"`
	MessageID   uint8          `json:"nextMessageId"`
	Pending     bool           `json:"ackPending"`
	QueueDepth  int            `json:"queueDepth"`
	Counters    Counters       `json:"counters"`
	Running     bool           `json:"running"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Session is a link station. Run, SendCycle and HandleEvent belong to one
// goroutine; Enqueue and Snapshot are safe from any goroutine.
type Session struct {
	cfg    Config
	driver radio.Driver
	clock  clock.Clock
	sink   Sink
	rnd    *rand.Rand

	engine *arq.Engine
	gate   *csma.Controller
	ctrl   *adapt.Controller

	// session goroutine state
	settings  radio.Settings
	stats     adapt.Stats
	messageID uint8
	counters  Counters
	backlog   []radio.Event
	running   bool

	queueMu sync.Mutex
	queue   [][]byte

	snapMu sync.RWMutex
	snap   Snapshot
}

// Option configures a Session
type Option func(*Session)

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithSink sets the journal sink
func WithSink(sink Sink) Option {
	return func(s *Session) { s.sink = sink }
}

// WithRand sets the source for send interval and backoff jitter
func WithRand(r *rand.Rand) Option {
	return func(s *Session) { s.rnd = r }
}

// NewSession wires a station to its driver
func NewSession(cfg Config, driver radio.Driver, opts ...Option) *Session {
	s := &Session{cfg: cfg, driver: driver, clock: clock.Real{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewSource(s.clock.Now().UnixNano()))
	}
	if s.cfg.Station == "" {
		s.cfg.Station = s.cfg.LocalAddress.String()
	}
	if s.cfg.SendIntervalMax < s.cfg.SendIntervalMin {
		s.cfg.SendIntervalMax = s.cfg.SendIntervalMin
	}
	if s.cfg.QueueSize <= 0 {
		s.cfg.QueueSize = DefaultQueueSize
	}
	if s.cfg.AckTimeout <= 0 {
		s.cfg.AckTimeout = arq.DefaultAckTimeout
	}
	if s.cfg.PayloadPrefix == "" {
		s.cfg.PayloadPrefix = DefaultPayloadPrefix
	}

	s.settings = s.cfg.Radio

	engineOpts := []arq.Option{arq.WithPollInterval(s.cfg.PollInterval)}
	if s.cfg.CSMAEnabled {
		s.gate = csma.New(s.cfg.CSMA, csma.ProberFunc(s.probe), s.clock,
			rand.New(rand.NewSource(s.rnd.Int63())))
		engineOpts = append(engineOpts, arq.WithGate(s.gate))
	}
	s.engine = arq.NewEngine(radioLink{s}, &s.stats, s.clock, engineOpts...)
	s.ctrl = adapt.NewController(s.cfg.Adaptation, s.clock, adapt.ApplierFunc(s.ApplyProfile))

	s.publishSnapshot()
	return s
}

// Config returns the effective station configuration
func (s *Session) Config() Config {
	return s.cfg
}

// Start configures the transceiver with the initial profile and enters
// receive mode. A configure failure wraps radio.ErrInit.
func (s *Session) Start(ctx context.Context) error {
	if err := s.settings.Profile.Validate(); err != nil {
		return fmt.Errorf("%w: %v", radio.ErrInit, err)
	}
	if err := s.driver.Configure(ctx, s.settings); err != nil {
		if errors.Is(err, radio.ErrInit) {
			return err
		}
		return fmt.Errorf("%w: %v", radio.ErrInit, err)
	}
	// the initial profile counts as an adaptation for the cooldown
	s.stats.MarkAdapted(s.clock.Now())

	if err := s.driver.Receive(); err != nil {
		return fmt.Errorf("%w: enter receive mode: %v", radio.ErrInit, err)
	}
	s.running = true

	p := s.settings.Profile
	log.Info().
		Str("station", s.cfg.Station).
		Str("local", s.cfg.LocalAddress.String()).
		Str("destination", s.cfg.DestinationAddress.String()).
		Int("frequency_hz", s.settings.FrequencyHz).
		Int("sf", p.SpreadingFactor).
		Int("bw_hz", p.BandwidthHz).
		Str("cr", p.CodingRate()).
		Int("tx_power_dbm", p.TxPowerDbm).
		Int("preamble", s.settings.PreambleLength).
		Str("sync_word", fmt.Sprintf("0x%02X", s.settings.SyncWord)).
		Bool("crc", s.settings.CRC).
		Int("adapt_threshold", s.ctrl.Config().Threshold).
		Dur("ack_timeout", s.cfg.AckTimeout).
		Dur("cooldown", s.ctrl.Config().Cooldown).
		Bool("csma", s.cfg.CSMAEnabled).
		Int("cad_attempts", s.cfg.CSMA.MaxAttempts).
		Msg("Link session started")

	s.publishSnapshot()
	return nil
}

// Run starts the session and serves radio events and the send timer until
// ctx is done.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer func() {
		s.running = false
		s.publishSnapshot()
		if err := s.driver.Idle(); err != nil {
			log.Warn().Err(err).Msg("Failed to idle radio on shutdown")
		}
	}()

	var timer <-chan time.Time
	resetTimer := func() {
		if s.cfg.SendEnabled {
			timer = s.clock.After(s.nextInterval())
		}
	}
	resetTimer()

	for {
		for len(s.backlog) > 0 {
			ev := s.backlog[0]
			s.backlog = s.backlog[1:]
			s.HandleEvent(ctx, ev)
		}

		select {
		case <-ctx.Done():
			log.Info().Str("station", s.cfg.Station).Msg("Link session stopping")
			return nil
		case ev, ok := <-s.driver.Events():
			if !ok {
				return radio.ErrClosed
			}
			s.HandleEvent(ctx, ev)
		case <-timer:
			if err := s.SendCycle(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error().Err(err).Str("station", s.cfg.Station).Msg("Send cycle failed")
			}
			resetTimer()
		}
	}
}

// nextInterval draws uniformly from [SendIntervalMin, SendIntervalMax]
func (s *Session) nextInterval() time.Duration {
	span := s.cfg.SendIntervalMax - s.cfg.SendIntervalMin
	if span <= 0 {
		return s.cfg.SendIntervalMin
	}
	return s.cfg.SendIntervalMin + time.Duration(s.rnd.Int63n(int64(span)+1))
}

// Enqueue queues an application payload for the next send cycles
func (s *Session) Enqueue(payload []byte) error {
	if len(payload) > frame.MaxPayloadSize {
		return fmt.Errorf("enqueue: %w (%d bytes)", frame.ErrPayloadTooLarge, len(payload))
	}
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) >= s.cfg.QueueSize {
		return ErrQueueFull
	}
	s.queue = append(s.queue, append([]byte(nil), payload...))
	return nil
}

// QueueDepth returns the number of queued payloads
func (s *Session) QueueDepth() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue)
}

func (s *Session) peek() ([]byte, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	return s.queue[0], true
}

func (s *Session) pop() {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) > 0 {
		s.queue[0] = nil
		s.queue = s.queue[1:]
	}
}

// SendCycle sends the next queued payload, or the counter payload, to the
// destination and feeds the outcome to the rate controller. The message id
// advances on every cycle that reaches the channel, busy or not. A queued
// payload stays at the head until it goes on air.
func (s *Session) SendCycle(ctx context.Context) error {
	if !s.cfg.SendEnabled {
		return nil
	}
	defer s.publishSnapshot()

	payload, queued := s.peek()
	if !queued {
		payload = []byte(fmt.Sprintf("%s #%d", s.cfg.PayloadPrefix, s.messageID))
	}

	id := s.messageID
	f := frame.New(s.cfg.DestinationAddress, s.cfg.LocalAddress, id, payload)
	var (
		res arq.Result
		err error
	)
	if s.cfg.AckEnabled {
		res, err = s.engine.SendReliable(ctx, f, s.cfg.AckTimeout)
	} else {
		res, err = s.engine.Send(ctx, f)
	}

	if errors.Is(err, csma.ErrChannelBusy) {
		s.messageID++
		s.counters.ChannelBusy++
		log.Warn().
			Str("station", s.cfg.Station).
			Uint8("msg_id", id).
			Int("attempts", res.Channel.Attempts).
			Msg("Channel busy, send deferred")
		s.emit(models.NewLinkEvent(s.clock.Now(), s.cfg.Station, models.EventTypeChannelBusy, models.EventLevelWarning,
			"channel busy after maximum CAD attempts").
			WithMessageID(id).
			With("attempts", res.Channel.Attempts).
			With("backoff_ms", res.Channel.Backoff.Milliseconds()))
		return nil
	}
	if errors.Is(err, frame.ErrPayloadTooLarge) {
		if queued {
			s.pop()
		}
		return err
	}

	if res.Transmitted() {
		if queued {
			s.pop()
		}
		s.messageID++
		s.counters.FramesSent++
		s.emit(models.NewLinkEvent(s.clock.Now(), s.cfg.Station, models.EventTypeTx, models.EventLevelInfo, "frame transmitted").
			WithMessageID(id).
			WithPeer(f.Destination.String()).
			With("payload", string(payload)).
			With("bytes", len(payload)).
			With("profile", s.settings.Profile.String()))
	}
	if err != nil {
		return err
	}

	switch res.Outcome {
	case arq.Acked:
		log.Info().
			Str("station", s.cfg.Station).
			Uint8("msg_id", id).
			Dur("rtt", res.RoundTrip).
			Int("successes", s.stats.ConsecutiveSuccesses).
			Msg("ACK received")
		s.emit(models.NewLinkEvent(s.clock.Now(), s.cfg.Station, models.EventTypeAck, models.EventLevelInfo, "acknowledged").
			WithMessageID(id).
			WithPeer(res.Peer.String()).
			With("rtt_ms", res.RoundTrip.Milliseconds()).
			With("rssi", s.stats.LastRSSI).
			With("snr", s.stats.LastSNR))
	case arq.TimedOut:
		log.Warn().
			Str("station", s.cfg.Station).
			Uint8("msg_id", id).
			Int("failures", s.stats.ConsecutiveFailures).
			Msg("ACK timeout")
		s.emit(models.NewLinkEvent(s.clock.Now(), s.cfg.Station, models.EventTypeAckTimeout, models.EventLevelWarning,
			res.Err().Error()).
			WithMessageID(id).
			WithPeer(res.Peer.String()).
			With("failures", s.stats.ConsecutiveFailures))
	case arq.Unacknowledged:
		return nil
	}

	if s.cfg.AdaptationEnabled {
		s.adapt(ctx)
	}
	return nil
}

func (s *Session) adapt(ctx context.Context) {
	d, err := s.ctrl.Evaluate(ctx, &s.stats, s.settings.Profile)
	if err != nil {
		log.Error().Err(err).Str("station", s.cfg.Station).Msg("Profile adaptation failed")
		return
	}
	if !d.Changed() {
		return
	}
	s.emit(models.NewLinkEvent(s.clock.Now(), s.cfg.Station, models.EventTypeAdaptation, models.EventLevelInfo,
		fmt.Sprintf("%s %s -> %s", d.Direction, d.From, d.To)).
		With("direction", d.Direction.String()).
		With("step", string(d.Step)).
		With("from", d.From).
		With("to", d.To))
}

// ApplyProfile pushes a new modem profile and returns to receive mode
func (s *Session) ApplyProfile(ctx context.Context, p radio.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	next := s.settings
	next.Profile = p
	if err := s.driver.Configure(ctx, next); err != nil {
		return err
	}
	s.settings = next
	return s.driver.Receive()
}

// HandleEvent dispatches one driver event
func (s *Session) HandleEvent(ctx context.Context, ev radio.Event) {
	switch ev.Kind {
	case radio.EventPacketReceived:
		s.handlePacket(ctx, ev.Packet)
		s.publishSnapshot()
	case radio.EventTxDone, radio.EventCadDone:
		log.Debug().Str("kind", ev.Kind.String()).Msg("Stray radio completion")
	}
	s.receive()
}

func (s *Session) handlePacket(ctx context.Context, p radio.Packet) {
	s.counters.FramesReceived++

	f, err := frame.Decode(p.Data)
	if err != nil {
		s.counters.DecodeErrors++
		log.Warn().Err(err).Int("bytes", len(p.Data)).Int("rssi", p.RSSI).Msg("Dropping malformed frame")
		ev := models.NewLinkEvent(s.clock.Now(), s.cfg.Station, models.EventTypeDecodeError, models.EventLevelWarning, err.Error()).
			With("bytes", len(p.Data)).
			With("rssi", p.RSSI)
		var de *frame.DecodeError
		if errors.As(err, &de) {
			ev.With("declared", de.Declared).With("actual", de.Actual)
		}
		s.emit(ev)
		return
	}

	s.stats.ObserveQuality(p.RSSI, p.SNR)

	switch {
	case f.IsAck() && f.AddressedTo(s.cfg.LocalAddress):
		if s.engine.HandleAck(f.Source, f.MessageID) {
			log.Debug().Uint8("msg_id", f.MessageID).Str("from", f.Source.String()).Msg("ACK matched")
		} else {
			log.Debug().Uint8("msg_id", f.MessageID).Str("from", f.Source.String()).Msg("Ignoring stale ACK")
		}
	case f.AddressedTo(s.cfg.LocalAddress):
		if s.cfg.AckEnabled {
			s.sendAck(ctx, f)
		}
		s.deliver(f, p)
	case f.IsBroadcast():
		s.deliver(f, p)
	default:
		log.Debug().
			Str("to", f.Destination.String()).
			Str("from", f.Source.String()).
			Msg("Frame for another station")
	}
}

func (s *Session) sendAck(ctx context.Context, f frame.Frame) {
	data, err := frame.NewAck(f.Source, s.cfg.LocalAddress, f.MessageID).Encode()
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode ACK")
		return
	}
	if err := s.transmit(ctx, data); err != nil {
		log.Error().Err(err).Uint8("msg_id", f.MessageID).Msg("Failed to send ACK")
		return
	}
	s.counters.AcksSent++
	log.Debug().Uint8("msg_id", f.MessageID).Str("to", f.Source.String()).Msg("ACK sent")
}

func (s *Session) deliver(f frame.Frame, p radio.Packet) {
	s.counters.Delivered++
	log.Info().
		Str("station", s.cfg.Station).
		Str("from", f.Source.String()).
		Uint8("msg_id", f.MessageID).
		Str("payload", string(f.Payload)).
		Int("rssi", p.RSSI).
		Float64("snr", p.SNR).
		Msg("Message received")
	s.emit(models.NewLinkEvent(s.clock.Now(), s.cfg.Station, models.EventTypeDelivery, models.EventLevelInfo, "message delivered").
		WithMessageID(f.MessageID).
		WithPeer(f.Source.String()).
		With("payload", string(f.Payload)).
		With("broadcast", f.IsBroadcast()).
		With("rssi", p.RSSI).
		With("snr", p.SNR).
		With("frequency_error", p.FrequencyError))
}

// receive returns the transceiver to receive mode
func (s *Session) receive() {
	if err := s.driver.Receive(); err != nil {
		log.Error().Err(err).Msg("Failed to enter receive mode")
	}
}

// transmit sends data and blocks until transmit completion, then returns to
// receive mode. Events other than the completion are backlogged.
func (s *Session) transmit(ctx context.Context, data []byte) error {
	if err := s.driver.Transmit(ctx, data); err != nil {
		s.receive()
		return err
	}
	limit := radio.TimeOnAir(s.settings, len(data)) + txDoneGrace
	_, err := s.await(ctx, radio.EventTxDone, limit)
	s.receive()
	if err != nil {
		return fmt.Errorf("transmit %d bytes: %w", len(data), err)
	}
	return nil
}

// probe runs one channel activity detection
func (s *Session) probe(ctx context.Context) (bool, error) {
	if err := s.driver.ChannelActivity(ctx); err != nil {
		return false, err
	}
	ev, err := s.await(ctx, radio.EventCadDone, DefaultCadTimeout)
	s.receive()
	if err != nil {
		return false, fmt.Errorf("cad: %w", err)
	}
	return ev.Busy, nil
}

// await blocks for the next event of kind, backlogging every other event
func (s *Session) await(ctx context.Context, kind radio.EventKind, limit time.Duration) (radio.Event, error) {
	events := s.driver.Events()
	var timer <-chan time.Time

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return radio.Event{}, radio.ErrClosed
			}
			if ev.Kind == kind {
				return ev, nil
			}
			s.backlog = append(s.backlog, ev)
			continue
		default:
		}

		if timer == nil {
			timer = s.clock.After(limit)
		}
		select {
		case <-ctx.Done():
			return radio.Event{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return radio.Event{}, radio.ErrClosed
			}
			if ev.Kind == kind {
				return ev, nil
			}
			s.backlog = append(s.backlog, ev)
		case <-timer:
			return radio.Event{}, fmt.Errorf("%w: %s after %v", ErrRadioTimeout, kind, limit)
		}
	}
}

// pump dispatches one backlogged or newly arrived event, waiting up to wait
func (s *Session) pump(ctx context.Context, wait time.Duration) error {
	if len(s.backlog) > 0 {
		ev := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.HandleEvent(ctx, ev)
		return nil
	}

	events := s.driver.Events()
	select {
	case ev, ok := <-events:
		if !ok {
			return radio.ErrClosed
		}
		s.HandleEvent(ctx, ev)
		return nil
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev, ok := <-events:
		if !ok {
			return radio.ErrClosed
		}
		s.HandleEvent(ctx, ev)
	case <-s.clock.After(wait):
	}
	return nil
}

func (s *Session) emit(ev *models.LinkEvent) {
	if s.sink != nil {
		s.sink.Emit(ev)
	}
}

func (s *Session) publishSnapshot() {
	_, pending := s.engine.Pending()
	snap := Snapshot{
		Station:     s.cfg.Station,
		Local:       s.cfg.LocalAddress,
		Destination: s.cfg.DestinationAddress,
		Settings:    s.settings,
		Stats:       s.stats,
		MessageID:   s.messageID,
		Pending:     pending,
		Counters:    s.counters,
		Running:     s.running,
		UpdatedAt:   s.clock.Now(),
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

// Snapshot returns the state as of the last processed event or send cycle
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	snap := s.snap
	s.snapMu.RUnlock()
	snap.QueueDepth = s.QueueDepth()
	return snap
}

// radioLink is the arq.Link view of a session
type radioLink struct{ s *Session }

func (l radioLink) Send(ctx context.Context, data []byte) error { return l.s.transmit(ctx, data) }

func (l radioLink) Pump(ctx context.Context, wait time.Duration) error { return l.s.pump(ctx, wait) }
