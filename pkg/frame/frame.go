// Package frame implements the application-level link frame.
//
// Wire layout:
//
//	byte 0   destination address
//	byte 1   source address
//	byte 2   message id
//	byte 3   payload length
//	byte 4.. payload
//
// The declared payload length must match the number of bytes that follow the
// header, otherwise the frame is rejected.
package frame

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the number of bytes preceding the payload
	HeaderSize = 4

	// MaxPayloadSize is bounded by the one-byte length field
	MaxPayloadSize = 255
)

// AckPayload is carried by every acknowledgment frame
var AckPayload = []byte("ACK")

var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrShortHeader     = errors.New("short header")
	ErrLengthMismatch  = errors.New("length mismatch")
)

// DecodeError describes a rejected inbound buffer
type DecodeError struct {
	Err      error
	Declared int // payload length from the header, -1 when no header
	Actual   int // payload bytes present
}

func (e *DecodeError) Error() string {
	if e.Declared < 0 {
		return fmt.Sprintf("decode frame: %v (%d bytes)", e.Err, e.Actual)
	}
	return fmt.Sprintf("decode frame: %v (declared %d, got %d)", e.Err, e.Declared, e.Actual)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Frame is a decoded link frame
type Frame struct {
	Destination Address `json:"destination"`
	Source      Address `json:"source"`
	MessageID   uint8   `json:"messageId"`
	Payload     []byte  `json:"payload"`
}

// New builds a frame for encoding
func New(dst, src Address, id uint8, payload []byte) Frame {
	return Frame{Destination: dst, Source: src, MessageID: id, Payload: payload}
}

// NewAck builds the acknowledgment for message id, addressed to the original sender
func NewAck(to, from Address, id uint8) Frame {
	return Frame{Destination: to, Source: from, MessageID: id, Payload: AckPayload}
}

// IsAck reports whether the payload is the ACK sentinel
func (f Frame) IsAck() bool {
	return bytes.Equal(f.Payload, AckPayload)
}

// IsBroadcast reports whether the frame is addressed to every station
func (f Frame) IsBroadcast() bool {
	return f.Destination == Broadcast
}

// AddressedTo reports a unicast match with local
func (f Frame) AddressedTo(local Address) bool {
	return f.Destination == local
}

// PayloadLength returns the value written to the length byte
func (f Frame) PayloadLength() uint8 {
	return uint8(len(f.Payload))
}

// Encode serializes the frame
func (f Frame) Encode() ([]byte, error) {
	return Encode(f.Destination, f.Source, f.MessageID, f.Payload)
}

// Encode serializes header and payload
func Encode(dst, src Address, id uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("encode frame: %w (%d bytes)", ErrPayloadTooLarge, len(payload))
	}

	data := make([]byte, HeaderSize+len(payload))
	data[0] = byte(dst)
	data[1] = byte(src)
	data[2] = id
	data[3] = byte(len(payload))
	copy(data[HeaderSize:], payload)

	return data, nil
}

// Decode parses and validates a received buffer. The returned payload does
// not alias data.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, &DecodeError{Err: ErrShortHeader, Declared: -1, Actual: len(data)}
	}

	declared := int(data[3])
	actual := len(data) - HeaderSize
	if declared != actual {
		return Frame{}, &DecodeError{Err: ErrLengthMismatch, Declared: declared, Actual: actual}
	}

	payload := make([]byte, actual)
	copy(payload, data[HeaderSize:])

	return Frame{
		Destination: Address(data[0]),
		Source:      Address(data[1]),
		MessageID:   data[2],
		Payload:     payload,
	}, nil
}
