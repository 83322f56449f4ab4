// Package radio defines the boundary between the link layer and a LoRa
// transceiver driver: modem profiles, settings, airtime and the asynchronous
// event model.
package radio

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	// ErrInit is returned when a driver cannot be brought up. It is fatal.
	ErrInit = errors.New("radio init failed")

	ErrClosed = errors.New("radio closed")
)

// Reference firmware defaults
const (
	DefaultFrequencyHz    = 915000000
	DefaultPreambleLength = 8
	DefaultSyncWord       = 0x34
)

// Settings is everything pushed to the transceiver on configure
type Settings struct {
	Profile        Profile `yaml:"profile" json:"profile"`
	FrequencyHz    int     `yaml:"frequency_hz" json:"frequencyHz"`
	PreambleLength int     `yaml:"preamble_length" json:"preambleLength"`
	SyncWord       uint8   `yaml:"sync_word" json:"syncWord"`
	CRC            bool    `yaml:"crc" json:"crc"`
}

// Mode of the transceiver
type Mode int

const (
	ModeIdle Mode = iota
	ModeReceive
	ModeTransmit
	ModeCad
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeReceive:
		return "receive"
	case ModeTransmit:
		return "transmit"
	case ModeCad:
		return "cad"
	}
	return "unknown"
}

// EventKind identifies an asynchronous driver notification
type EventKind int

const (
	EventPacketReceived EventKind = iota + 1
	EventTxDone
	EventCadDone
)

func (k EventKind) String() string {
	switch k {
	case EventPacketReceived:
		return "packet_received"
	case EventTxDone:
		return "tx_done"
	case EventCadDone:
		return "cad_done"
	}
	return "unknown"
}

// Packet is a complete, CRC-valid reception
type Packet struct {
	Data           []byte
	RSSI           int
	SNR            float64
	FrequencyError int
}

// Event is delivered by a driver on its Events channel
type Event struct {
	Kind   EventKind
	Packet Packet // EventPacketReceived
	Busy   bool   // EventCadDone: activity detected
	At     time.Time
}

// Driver is the transceiver as seen by the link session. Transmit and
// ChannelActivity return immediately; their completion arrives as an Event.
// Implementations must never block on Events: drop and log instead.
type Driver interface {
	Configure(ctx context.Context, s Settings) error
	Transmit(ctx context.Context, data []byte) error
	Receive() error
	Idle() error
	ChannelActivity(ctx context.Context) error
	Events() <-chan Event
	Close() error
}

// TimeOnAir computes the SX127x packet airtime for payloadLen bytes in
// explicit header mode. Low data rate optimisation is assumed whenever the
// symbol time exceeds 16ms, as the driver libraries enable it.
func TimeOnAir(s Settings, payloadLen int) time.Duration {
	p := s.Profile
	if p.BandwidthHz <= 0 || p.SpreadingFactor <= 0 {
		return 0
	}

	symbol := math.Pow(2, float64(p.SpreadingFactor)) / float64(p.BandwidthHz)
	preamble := float64(s.PreambleLength)
	if preamble == 0 {
		preamble = DefaultPreambleLength
	}

	de := 0.0
	if symbol > 0.016 {
		de = 1
	}
	crc := 0.0
	if s.CRC {
		crc = 1
	}

	sf := float64(p.SpreadingFactor)
	num := 8*float64(payloadLen) - 4*sf + 28 + 16*crc
	payloadSymbols := 8 + math.Max(math.Ceil(num/(4*(sf-2*de)))*float64(p.CodingRateDenom), 0)

	seconds := (preamble+4.25)*symbol + payloadSymbols*symbol
	return time.Duration(seconds * float64(time.Second))
}
