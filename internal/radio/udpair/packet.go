// Package udpair carries link frames between processes as Semtech UDP
// PUSH_DATA datagrams, standing in for the radio channel. Every station both
// sends and receives rxpk objects, so two linkd instances on different hosts
// can run the adaptive link without hardware.
package udpair

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Semtech UDP protocol constants
const (
	ProtocolVersion = 2

	PushData = 0x00
	PushAck  = 0x01

	headerSize   = 4
	pushDataHead = 12 // header + gateway EUI
)

var (
	ErrShortDatagram = errors.New("short datagram")
	ErrVersion       = errors.New("unsupported protocol version")
)

// RXPK is one received packet in the forwarder JSON format
type RXPK struct {
	Tmst uint32  `json:"tmst"`
	Freq float64 `json:"freq"` // MHz
	Chan int     `json:"chan"`
	Stat int     `json:"stat"` // 1 = CRC ok
	Modu string  `json:"modu"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	RSSI int     `json:"rssi"`
	LSNR float64 `json:"lsnr"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// Payload decodes the base64 data and checks it against size
func (p RXPK) Payload() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("rxpk data: %w", err)
	}
	if len(b) != p.Size {
		return nil, fmt.Errorf("rxpk size %d, data %d bytes", p.Size, len(b))
	}
	return b, nil
}

type pushDataBody struct {
	RXPK []RXPK `json:"rxpk"`
}

// Header is the common datagram prefix
type Header struct {
	Version    uint8
	Token      uint16
	Identifier uint8
}

// ParseHeader reads the first four bytes
func ParseHeader(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, ErrShortDatagram
	}
	h := Header{
		Version:    data[0],
		Token:      binary.BigEndian.Uint16(data[1:3]),
		Identifier: data[3],
	}
	if h.Version != ProtocolVersion {
		return h, fmt.Errorf("%w %d", ErrVersion, h.Version)
	}
	return h, nil
}

// EncodePushData builds a PUSH_DATA datagram
func EncodePushData(token uint16, eui [8]byte, pkts ...RXPK) ([]byte, error) {
	body, err := json.Marshal(pushDataBody{RXPK: pkts})
	if err != nil {
		return nil, err
	}
	out := make([]byte, pushDataHead, pushDataHead+len(body))
	out[0] = ProtocolVersion
	binary.BigEndian.PutUint16(out[1:3], token)
	out[3] = PushData
	copy(out[4:12], eui[:])
	return append(out, body...), nil
}

// DecodePushData parses a PUSH_DATA datagram
func DecodePushData(data []byte) (Header, [8]byte, []RXPK, error) {
	var eui [8]byte
	h, err := ParseHeader(data)
	if err != nil {
		return h, eui, nil, err
	}
	if h.Identifier != PushData {
		return h, eui, nil, fmt.Errorf("identifier 0x%02x is not PUSH_DATA", h.Identifier)
	}
	if len(data) < pushDataHead {
		return h, eui, nil, ErrShortDatagram
	}
	copy(eui[:], data[4:12])
	if len(data) == pushDataHead {
		return h, eui, nil, nil
	}

	var body pushDataBody
	if err := json.Unmarshal(data[pushDataHead:], &body); err != nil {
		return h, eui, nil, fmt.Errorf("push data json: %w", err)
	}
	return h, eui, body.RXPK, nil
}

// EncodePushAck builds the acknowledgement for token
func EncodePushAck(token uint16) []byte {
	ack := make([]byte, headerSize)
	ack[0] = ProtocolVersion
	binary.BigEndian.PutUint16(ack[1:3], token)
	ack[3] = PushAck
	return ack
}
