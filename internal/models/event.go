package models

import (
	"time"

	"github.com/google/uuid"
)

// LinkEvent is one journal entry produced by a link session
type LinkEvent struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	Station   string `json:"station" db:"station"`
	Peer      string `json:"peer,omitempty" db:"peer"`
	MessageID *int   `json:"messageId,omitempty" db:"message_id"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents link event types
type EventType string

const (
	EventTypeDelivery    EventType = "DELIVERY"
	EventTypeAck         EventType = "ACK"
	EventTypeAckTimeout  EventType = "ACK_TIMEOUT"
	EventTypeChannelBusy EventType = "CHANNEL_BUSY"
	EventTypeDecodeError EventType = "DECODE_ERROR"
	EventTypeAdaptation  EventType = "ADAPTATION"
	EventTypeTx          EventType = "TX"
)

// EventTypes lists every known type
var EventTypes = []EventType{
	EventTypeDelivery,
	EventTypeAck,
	EventTypeAckTimeout,
	EventTypeChannelBusy,
	EventTypeDecodeError,
	EventTypeAdaptation,
	EventTypeTx,
}

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	for _, k := range EventTypes {
		if k == t {
			return true
		}
	}
	return false
}

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// NewLinkEvent stamps a new event with an id and the given time
func NewLinkEvent(at time.Time, station string, typ EventType, level EventLevel, description string) *LinkEvent {
	return &LinkEvent{
		ID:          uuid.New(),
		CreatedAt:   at,
		Station:     station,
		Type:        typ,
		Level:       level,
		Description: description,
		Details:     make(Variables),
	}
}

// WithMessageID sets the 8-bit message id the event refers to
func (e *LinkEvent) WithMessageID(id uint8) *LinkEvent {
	v := int(id)
	e.MessageID = &v
	return e
}

// WithPeer sets the remote station address
func (e *LinkEvent) WithPeer(peer string) *LinkEvent {
	e.Peer = peer
	return e
}

// With adds a detail value
func (e *LinkEvent) With(key string, value interface{}) *LinkEvent {
	if e.Details == nil {
		e.Details = make(Variables)
	}
	e.Details[key] = value
	return e
}
