package integration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lorawan-server/lora-linkctl/internal/models"
	"github.com/lorawan-server/lora-linkctl/internal/storage"
)

type published struct {
	subject string
	data    []byte
}

type fakeNATS struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeNATS) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject: subj, data: data})
	return nil
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

// fakeMQTT overrides the calls the publisher makes
type fakeMQTT struct {
	mqtt.Client
	mu     sync.Mutex
	topics []string
	qos    []byte
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.qos = append(f.qos, qos)
	return doneToken{}
}

func (f *fakeMQTT) IsConnected() bool { return false }

func delivery() *models.LinkEvent {
	return models.NewLinkEvent(time.Unix(1700000000, 0), "0xBB", models.EventTypeDelivery, models.EventLevelInfo, "message delivered").
		WithMessageID(12).
		WithPeer("0xAA").
		With("payload", "Hello #12").
		With("broadcast", false).
		With("rssi", -77).
		With("snr", 6.5)
}

func TestNATSPublisherSubjects(t *testing.T) {
	nc := &fakeNATS{}
	p := NewNATSPublisher(nc)

	if err := p.Publish(context.Background(), delivery()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(nc.msgs) != 2 {
		t.Fatalf("published %d messages", len(nc.msgs))
	}
	if nc.msgs[0].subject != "link.0xBB.rx" || nc.msgs[1].subject != "link.0xBB.event.delivery" {
		t.Errorf("subjects = %s, %s", nc.msgs[0].subject, nc.msgs[1].subject)
	}

	var rx RxMessage
	if err := json.Unmarshal(nc.msgs[0].data, &rx); err != nil {
		t.Fatalf("rx json: %v", err)
	}
	if rx.Payload != "Hello #12" || rx.From != "0xAA" || rx.RSSI != -77 || rx.SNR != 6.5 || *rx.MessageID != 12 {
		t.Errorf("rx = %+v", rx)
	}

	timeout := models.NewLinkEvent(time.Now(), "0xBB", models.EventTypeAckTimeout, models.EventLevelWarning, "ack timeout")
	if err := p.Publish(context.Background(), timeout); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := nc.msgs[2].subject; got != "link.0xBB.event.ack_timeout" {
		t.Errorf("timeout subject = %s", got)
	}
}

func TestMQTTPublisherTopics(t *testing.T) {
	client := &fakeMQTT{}
	p := NewMQTTPublisher(client, "lora/", 1)

	if err := p.Publish(context.Background(), delivery()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := []string{"lora/0xBB/rx", "lora/0xBB/event/delivery"}
	if len(client.topics) != 2 || client.topics[0] != want[0] || client.topics[1] != want[1] {
		t.Errorf("topics = %v, want %v", client.topics, want)
	}
	if client.qos[0] != 1 {
		t.Errorf("qos = %d", client.qos[0])
	}
	p.Close()
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Name() string { return "failing" }
func (f *failingPublisher) Publish(ctx context.Context, ev *models.LinkEvent) error {
	f.calls++
	return errors.New("broker down")
}

func TestDispatcherFansOut(t *testing.T) {
	store := storage.NewMemoryStore(16)
	nc := &fakeNATS{}
	failing := &failingPublisher{}
	d := NewDispatcher(store, 8, failing, NewNATSPublisher(nc))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- d.Run(ctx) }()

	d.Emit(delivery())
	d.Emit(models.NewLinkEvent(time.Now(), "0xBB", models.EventTypeTx, models.EventLevelInfo, "frame transmitted"))

	deadline := time.Now().Add(2 * time.Second)
	for d.Processed() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if store.Len() != 2 {
		t.Errorf("journalled %d events", store.Len())
	}
	if failing.calls != 2 {
		t.Errorf("failing publisher called %d times", failing.calls)
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if len(nc.msgs) != 3 {
		t.Errorf("nats messages = %d, a failing publisher must not stop the others", len(nc.msgs))
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(nil, 1)
	d.Emit(delivery())
	d.Emit(delivery())
	d.Emit(delivery())
	if d.Dropped() != 2 {
		t.Errorf("dropped = %d", d.Dropped())
	}
}

func TestDispatcherDrainsOnShutdown(t *testing.T) {
	store := storage.NewMemoryStore(16)
	d := NewDispatcher(store, 8)
	for i := 0; i < 5; i++ {
		d.Emit(delivery())
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	// Run may serve some events before it sees the cancellation; the rest drain
	if store.Len() != 5 {
		t.Errorf("journalled %d of 5 events", store.Len())
	}
}
