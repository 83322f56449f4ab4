package integration

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lorawan-server/lora-linkctl/internal/models"
)

// RxMessage is published for every delivered frame
type RxMessage struct {
	Station   string    `json:"station"`
	From      string    `json:"from"`
	MessageID *int      `json:"messageId,omitempty"`
	Payload   string    `json:"payload"`
	Broadcast bool      `json:"broadcast"`
	RSSI      int       `json:"rssi"`
	SNR       float64   `json:"snr"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRxMessage extracts the delivery fields of a DELIVERY event
func NewRxMessage(ev *models.LinkEvent) RxMessage {
	msg := RxMessage{
		Station:   ev.Station,
		From:      ev.Peer,
		MessageID: ev.MessageID,
		Timestamp: ev.CreatedAt,
	}
	if v, ok := ev.Details["payload"].(string); ok {
		msg.Payload = v
	}
	if v, ok := ev.Details["broadcast"].(bool); ok {
		msg.Broadcast = v
	}
	switch v := ev.Details["rssi"].(type) {
	case int:
		msg.RSSI = v
	case float64:
		msg.RSSI = int(v)
	}
	if v, ok := ev.Details["snr"].(float64); ok {
		msg.SNR = v
	}
	return msg
}

func eventSuffix(t models.EventType) string {
	return strings.ToLower(string(t))
}

func marshalEvent(ev *models.LinkEvent) ([]byte, error) {
	return json.Marshal(ev)
}
