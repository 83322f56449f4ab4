package models

import (
	"testing"
	"time"
)

func TestVariablesScan(t *testing.T) {
	var v Variables
	if err := v.Scan([]byte(`{"rssi":-72,"payload":"hello"}`)); err != nil {
		t.Fatalf("Scan bytes: %v", err)
	}
	if v["payload"] != "hello" || v["rssi"].(float64) != -72 {
		t.Errorf("scanned %v", v)
	}

	if err := v.Scan(nil); err != nil || v == nil || len(v) != 0 {
		t.Errorf("Scan nil = %v %v", v, err)
	}
	if err := v.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

func TestVariablesValue(t *testing.T) {
	var nilVars Variables
	if got, err := nilVars.Value(); got != nil || err != nil {
		t.Errorf("nil Value = %v %v", got, err)
	}
	got, err := Variables{"sf": 9}.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if string(got.([]byte)) != `{"sf":9}` {
		t.Errorf("Value = %s", got)
	}
}

func TestNewLinkEvent(t *testing.T) {
	at := time.Unix(1700000000, 0)
	ev := NewLinkEvent(at, "0xBB", EventTypeAck, EventLevelInfo, "ack received").
		WithMessageID(200).
		WithPeer("0xAA").
		With("rtt_ms", 120)

	if ev.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("event id not assigned")
	}
	if ev.MessageID == nil || *ev.MessageID != 200 {
		t.Errorf("MessageID = %v", ev.MessageID)
	}
	if ev.Peer != "0xAA" || ev.Details["rtt_ms"] != 120 || !ev.CreatedAt.Equal(at) {
		t.Errorf("event = %+v", ev)
	}
}

func TestEventTypeValid(t *testing.T) {
	for _, typ := range EventTypes {
		if !typ.Valid() {
			t.Errorf("%s not valid", typ)
		}
	}
	if EventType("UPLINK").Valid() {
		t.Error("UPLINK accepted")
	}
}
