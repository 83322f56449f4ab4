package storage

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lorawan-server/lora-linkctl/internal/models"
)

func event(at time.Time, station string, typ models.EventType) *models.LinkEvent {
	return models.NewLinkEvent(at, station, typ, models.EventLevelInfo, strings.ToLower(string(typ)))
}

func TestMemoryStoreNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(10)
	base := time.Unix(1000, 0)

	for i := 0; i < 5; i++ {
		if err := m.CreateLinkEvent(ctx, event(base.Add(time.Duration(i)*time.Second), "0xBB", models.EventTypeTx).WithMessageID(uint8(i))); err != nil {
			t.Fatalf("CreateLinkEvent: %v", err)
		}
	}

	events, total, err := m.ListLinkEvents(ctx, LinkEventFilters{}, 2, 1)
	if err != nil {
		t.Fatalf("ListLinkEvents: %v", err)
	}
	if total != 5 || len(events) != 2 {
		t.Fatalf("total = %d len = %d", total, len(events))
	}
	if *events[0].MessageID != 3 || *events[1].MessageID != 2 {
		t.Errorf("order = %d, %d", *events[0].MessageID, *events[1].MessageID)
	}
}

func TestMemoryStoreEvictsOldest(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(3)
	for i := 0; i < 5; i++ {
		m.CreateLinkEvent(ctx, event(time.Unix(int64(i), 0), "0xBB", models.EventTypeTx).WithMessageID(uint8(i)))
	}
	if m.Len() != 3 {
		t.Fatalf("Len = %d", m.Len())
	}
	events, total, _ := m.ListLinkEvents(ctx, LinkEventFilters{}, 0, 0)
	if total != 3 || *events[0].MessageID != 4 || *events[2].MessageID != 2 {
		t.Errorf("events after eviction: total=%d first=%d last=%d", total, *events[0].MessageID, *events[2].MessageID)
	}
}

func TestMemoryStoreFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(0)
	base := time.Unix(5000, 0)
	m.CreateLinkEvent(ctx, event(base, "0xBB", models.EventTypeAck))
	m.CreateLinkEvent(ctx, event(base.Add(time.Second), "0xBB", models.EventTypeAckTimeout))
	m.CreateLinkEvent(ctx, event(base.Add(2*time.Second), "0xAA", models.EventTypeAck))

	typ := models.EventTypeAck
	station := "0xBB"
	events, total, _ := m.ListLinkEvents(ctx, LinkEventFilters{Type: &typ, Station: &station}, 10, 0)
	if total != 1 || events[0].Station != "0xBB" || events[0].Type != models.EventTypeAck {
		t.Errorf("type+station filter = %d %+v", total, events)
	}

	start := base.Add(500 * time.Millisecond)
	_, total, _ = m.ListLinkEvents(ctx, LinkEventFilters{StartTime: &start}, 10, 0)
	if total != 2 {
		t.Errorf("start filter total = %d", total)
	}

	events, total, _ = m.ListLinkEvents(ctx, LinkEventFilters{}, 10, 10)
	if total != 3 || len(events) != 0 {
		t.Errorf("offset past end = %d %d", total, len(events))
	}
}

func TestMemoryStoreCopiesEvent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(4)
	ev := event(time.Unix(1, 0), "0xBB", models.EventTypeDelivery).With("payload", "a")
	m.CreateLinkEvent(ctx, ev)
	ev.Details["payload"] = "mutated"

	events, _, _ := m.ListLinkEvents(ctx, LinkEventFilters{}, 1, 0)
	if events[0].Details["payload"] != "a" {
		t.Error("stored event aliases caller details")
	}
}

func TestInvalidEventRejected(t *testing.T) {
	m := NewMemoryStore(4)
	bad := []*models.LinkEvent{
		nil,
		{Type: models.EventTypeTx},
		{Station: "0xBB", Type: "BOGUS"},
	}
	for _, ev := range bad {
		if err := m.CreateLinkEvent(context.Background(), ev); !errors.Is(err, ErrInvalidData) {
			t.Errorf("CreateLinkEvent(%+v) = %v", ev, err)
		}
	}
}

func TestBuildEventQuery(t *testing.T) {
	station := "0xBB"
	typ := models.EventTypeAdaptation
	start := time.Unix(0, 0)

	count, sel, args := buildEventQuery(LinkEventFilters{Station: &station, Type: &typ, StartTime: &start})

	wantWhere := " WHERE 1=1 AND station = $1 AND type = $2 AND created_at >= $3"
	if count != "SELECT COUNT(*) FROM link_events"+wantWhere {
		t.Errorf("count query = %q", count)
	}
	if !strings.HasSuffix(sel, wantWhere+" ORDER BY created_at DESC LIMIT $4 OFFSET $5") {
		t.Errorf("select query = %q", sel)
	}
	if len(args) != 3 || args[0] != "0xBB" || args[1] != "ADAPTATION" {
		t.Errorf("args = %v", args)
	}
}

// Runs against a real database when LINK_TEST_DATABASE_URL is set
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("LINK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LINK_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	s, err := NewPostgresStore(dsn, PostgresOptions{MaxOpenConns: 2})
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	defer s.Close()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	station := "test-" + time.Now().Format("150405.000000")
	ev := event(time.Now().UTC(), station, models.EventTypeAck).WithMessageID(17).With("rssi", -70)
	if err := s.CreateLinkEvent(ctx, ev); err != nil {
		t.Fatalf("CreateLinkEvent: %v", err)
	}

	events, total, err := s.ListLinkEvents(ctx, LinkEventFilters{Station: &station}, 10, 0)
	if err != nil {
		t.Fatalf("ListLinkEvents: %v", err)
	}
	if total != 1 || events[0].ID != ev.ID || *events[0].MessageID != 17 {
		t.Errorf("listed %d %+v", total, events)
	}
	if events[0].Details["rssi"].(float64) != -70 {
		t.Errorf("details = %v", events[0].Details)
	}
}
