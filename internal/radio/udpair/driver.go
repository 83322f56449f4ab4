package udpair

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lora-linkctl/internal/radio"
)

const (
	eventBuffer = 32
	maxDatagram = 65507

	// tolerance when matching the rxpk frequency against our channel
	frequencyTolerance = 1000

	// PUSH_DATA tokens older than this are forgotten
	pushAckTimeout = 5 * time.Second
)

var ErrNotConfigured = errors.New("udp air not configured")

// Config describes the local socket and the stations that hear us
type Config struct {
	Listen    string   `yaml:"listen"`
	Peers     []string `yaml:"peers"`
	EUI       string   `yaml:"eui"`       // 16 hex digits, random when empty
	RSSIDbm   int      `yaml:"rssi_dbm"`  // quality stamped on every sent rxpk
	SNRDb     float64  `yaml:"snr_db"`
	TimeScale float64  `yaml:"time_scale"`
}

// DefaultConfig listens on the forwarder port
func DefaultConfig() Config {
	return Config{Listen: "0.0.0.0:1700", RSSIDbm: -70, SNRDb: 8, TimeScale: 1}
}

// Driver is a radio.Driver over UDP. A datagram is sent at transmit start;
// receivers treat the channel as busy for its airtime and deliver the frame
// when the airtime ends.
type Driver struct {
	cfg     Config
	conn    *net.UDPConn
	eui     [8]byte
	started time.Time

	mu         sync.Mutex
	peers      []*net.UDPAddr
	settings   radio.Settings
	configured bool
	mode       radio.Mode
	closed     bool
	busyUntil  time.Time
	tokens     map[uint16]time.Time
	rnd        *rand.Rand

	events chan radio.Event
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ radio.Driver = (*Driver)(nil)

// Listen opens the socket and starts the read loop
func Listen(cfg Config) (*Driver, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", radio.ErrInit, cfg.Listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", radio.ErrInit, cfg.Listen, err)
	}
	if cfg.TimeScale < 0 {
		cfg.TimeScale = 0
	}

	d := &Driver{
		cfg:     cfg,
		conn:    conn,
		started: time.Now(),
		tokens:  make(map[uint16]time.Time),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		events:  make(chan radio.Event, eventBuffer),
		done:    make(chan struct{}),
	}

	if cfg.EUI != "" {
		b, err := hex.DecodeString(cfg.EUI)
		if err != nil || len(b) != 8 {
			conn.Close()
			return nil, fmt.Errorf("%w: invalid eui %q", radio.ErrInit, cfg.EUI)
		}
		copy(d.eui[:], b)
	} else {
		d.rnd.Read(d.eui[:])
	}

	for _, p := range cfg.Peers {
		if err := d.AddPeer(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", radio.ErrInit, err)
		}
	}

	d.wg.Add(1)
	go d.readLoop()

	log.Info().
		Str("addr", conn.LocalAddr().String()).
		Str("eui", hex.EncodeToString(d.eui[:])).
		Int("peers", len(d.peers)).
		Msg("UDP air listening")
	return d, nil
}

// LocalAddr returns the bound socket address
func (d *Driver) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// AddPeer adds a station that receives our transmissions
func (d *Driver) AddPeer(addr string) error {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve peer %s: %w", addr, err)
	}
	d.mu.Lock()
	d.peers = append(d.peers, ua)
	d.mu.Unlock()
	return nil
}

// trackToken drops expired tokens and records a fresh one that is not in
// flight. d.mu must be held.
func (d *Driver) trackToken(now time.Time) uint16 {
	for tok, sent := range d.tokens {
		if now.Sub(sent) > pushAckTimeout {
			delete(d.tokens, tok)
		}
	}
	for {
		token := uint16(d.rnd.Intn(math.MaxUint16 + 1))
		if _, taken := d.tokens[token]; !taken {
			d.tokens[token] = now
			return token
		}
	}
}

// Unacked returns the number of PUSH_DATA datagrams without PUSH_ACK
func (d *Driver) Unacked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *Driver) Configure(ctx context.Context, s radio.Settings) error {
	if err := s.Profile.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return radio.ErrClosed
	}
	d.settings = s
	d.configured = true
	d.mode = radio.ModeIdle
	return nil
}

func (d *Driver) scaled(dur time.Duration) time.Duration {
	dur = time.Duration(float64(dur) * d.cfg.TimeScale)
	if dur < time.Millisecond {
		return time.Millisecond
	}
	return dur
}

func (d *Driver) Transmit(ctx context.Context, data []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return radio.ErrClosed
	}
	if !d.configured {
		d.mu.Unlock()
		return ErrNotConfigured
	}
	s := d.settings
	peers := append([]*net.UDPAddr(nil), d.peers...)
	var token uint16
	if len(peers) > 0 {
		token = d.trackToken(time.Now())
	} else {
		token = uint16(d.rnd.Intn(math.MaxUint16 + 1))
	}
	d.mode = radio.ModeTransmit
	d.mu.Unlock()

	pkt := RXPK{
		Tmst: uint32(time.Since(d.started) / time.Microsecond),
		Freq: float64(s.FrequencyHz) / 1e6,
		Stat: 1,
		Modu: "LORA",
		Datr: s.Profile.DataRate(),
		Codr: s.Profile.CodingRate(),
		RSSI: d.cfg.RSSIDbm,
		LSNR: d.cfg.SNRDb,
		Size: len(data),
		Data: base64.StdEncoding.EncodeToString(data),
	}
	datagram, err := EncodePushData(token, d.eui, pkt)
	if err != nil {
		d.mu.Lock()
		if len(peers) > 0 {
			delete(d.tokens, token)
		}
		d.mode = radio.ModeIdle
		d.mu.Unlock()
		return err
	}

	for _, p := range peers {
		if _, err := d.conn.WriteToUDP(datagram, p); err != nil {
			log.Error().Err(err).Str("peer", p.String()).Msg("Failed to send PUSH_DATA")
		}
	}

	airtime := d.scaled(radio.TimeOnAir(s, len(data)))
	time.AfterFunc(airtime, func() {
		d.mu.Lock()
		if d.mode == radio.ModeTransmit {
			d.mode = radio.ModeIdle
		}
		d.mu.Unlock()
		d.emit(radio.Event{Kind: radio.EventTxDone, At: time.Now()})
	})

	log.Debug().
		Uint16("token", token).
		Int("bytes", len(data)).
		Int("peers", len(peers)).
		Dur("airtime", airtime).
		Msg("PUSH_DATA sent")
	return nil
}

func (d *Driver) Receive() error { return d.setMode(radio.ModeReceive) }

func (d *Driver) Idle() error { return d.setMode(radio.ModeIdle) }

func (d *Driver) setMode(m radio.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return radio.ErrClosed
	}
	if d.mode == radio.ModeTransmit {
		return nil
	}
	d.mode = m
	return nil
}

// ChannelActivity reports busy while a heard packet is still on air
func (d *Driver) ChannelActivity(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return radio.ErrClosed
	}
	if !d.configured {
		d.mu.Unlock()
		return ErrNotConfigured
	}
	busy := time.Now().Before(d.busyUntil)
	p := d.settings.Profile
	d.mode = radio.ModeCad
	d.mu.Unlock()

	symbol := math.Pow(2, float64(p.SpreadingFactor)) / float64(p.BandwidthHz)
	time.AfterFunc(d.scaled(time.Duration(2*symbol*float64(time.Second))), func() {
		d.mu.Lock()
		if d.mode == radio.ModeCad {
			d.mode = radio.ModeIdle
		}
		d.mu.Unlock()
		d.emit(radio.Event{Kind: radio.EventCadDone, Busy: busy, At: time.Now()})
	})
	return nil
}

func (d *Driver) Events() <-chan radio.Event { return d.events }

// Close stops the read loop and closes the event channel
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	err := d.conn.Close()
	d.wg.Wait()

	d.mu.Lock()
	close(d.events)
	d.mu.Unlock()
	return err
}

func (d *Driver) readLoop() {
	defer d.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			log.Error().Err(err).Msg("Failed to read UDP datagram")
			continue
		}
		d.handleDatagram(append([]byte(nil), buf[:n]...), addr)
	}
}

func (d *Driver) handleDatagram(data []byte, addr *net.UDPAddr) {
	h, err := ParseHeader(data)
	if err != nil {
		log.Warn().Err(err).Str("addr", addr.String()).Msg("Dropping datagram")
		return
	}

	switch h.Identifier {
	case PushAck:
		d.mu.Lock()
		sent, ok := d.tokens[h.Token]
		delete(d.tokens, h.Token)
		d.mu.Unlock()
		if ok {
			log.Debug().Uint16("token", h.Token).Dur("rtt", time.Since(sent)).Msg("PUSH_ACK received")
		}
	case PushData:
		d.handlePushData(data, addr)
	default:
		log.Warn().Uint8("type", h.Identifier).Str("addr", addr.String()).Msg("Unknown packet type")
	}
}

func (d *Driver) handlePushData(data []byte, addr *net.UDPAddr) {
	h, eui, pkts, err := DecodePushData(data)
	if err != nil {
		log.Warn().Err(err).Str("addr", addr.String()).Msg("Invalid PUSH_DATA")
		return
	}
	if _, err := d.conn.WriteToUDP(EncodePushAck(h.Token), addr); err != nil {
		log.Error().Err(err).Str("addr", addr.String()).Msg("Failed to send PUSH_ACK")
	}

	for _, pkt := range pkts {
		d.hear(eui, pkt)
	}
}

// hear occupies the channel for the packet airtime and delivers it at the end
func (d *Driver) hear(eui [8]byte, pkt RXPK) {
	payload, err := pkt.Payload()
	if err != nil {
		log.Warn().Err(err).Msg("Dropping rxpk")
		return
	}
	if pkt.Stat != 1 {
		log.Debug().Int("stat", pkt.Stat).Msg("Dropping rxpk with bad CRC")
		return
	}
	sf, bw, err := radio.ParseDataRate(pkt.Datr)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping rxpk")
		return
	}

	d.mu.Lock()
	s := d.settings
	onChannel := math.Abs(pkt.Freq*1e6-float64(s.FrequencyHz)) <= frequencyTolerance
	heard := radio.Settings{
		Profile:        radio.Profile{SpreadingFactor: sf, BandwidthHz: bw, CodingRateDenom: s.Profile.CodingRateDenom},
		PreambleLength: s.PreambleLength,
		CRC:            s.CRC,
	}
	airtime := d.scaled(radio.TimeOnAir(heard, len(payload)))
	if onChannel {
		if until := time.Now().Add(airtime); until.After(d.busyUntil) {
			d.busyUntil = until
		}
	}
	d.mu.Unlock()

	if !onChannel {
		log.Debug().Float64("freq", pkt.Freq).Msg("rxpk on another channel")
		return
	}

	log.Debug().
		Str("from", hex.EncodeToString(eui[:])).
		Int("size", pkt.Size).
		Int("rssi", pkt.RSSI).
		Float64("snr", pkt.LSNR).
		Str("datr", pkt.Datr).
		Msg("rxpk heard")

	time.AfterFunc(airtime, func() {
		d.mu.Lock()
		listening := d.mode == radio.ModeReceive
		d.mu.Unlock()
		if !listening {
			log.Debug().Msg("Not in receive mode, rxpk missed")
			return
		}
		d.emit(radio.Event{
			Kind: radio.EventPacketReceived,
			Packet: radio.Packet{
				Data: payload,
				RSSI: pkt.RSSI,
				SNR:  pkt.LSNR,
			},
			At: time.Now(),
		})
	})
}

// emit never blocks; a full buffer drops the event
func (d *Driver) emit(ev radio.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	default:
		log.Warn().Str("kind", ev.Kind.String()).Msg("Event buffer full, dropping")
	}
}
