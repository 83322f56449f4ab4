package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lora-linkctl/internal/models"
)

// DefaultMemoryCapacity bounds the in-memory journal
const DefaultMemoryCapacity = 1000

// MemoryStore keeps the most recent events in a ring. Used when no
// database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*models.LinkEvent
	next   int
	full   bool
}

// NewMemoryStore creates a ring of the given capacity
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{events: make([]*models.LinkEvent, capacity)}
}

// CreateLinkEvent stores a copy of event, evicting the oldest when full
func (m *MemoryStore) CreateLinkEvent(ctx context.Context, event *models.LinkEvent) error {
	if err := validate(event); err != nil {
		return err
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	cp := *event
	if event.Details != nil {
		cp.Details = make(models.Variables, len(event.Details))
		for k, v := range event.Details {
			cp.Details[k] = v
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[m.next] = &cp
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// ListLinkEvents returns matching events newest first
func (m *MemoryStore) ListLinkEvents(ctx context.Context, filters LinkEventFilters, limit, offset int) ([]*models.LinkEvent, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	size := m.next
	if m.full {
		size = len(m.events)
	}

	var matched []*models.LinkEvent
	for i := 0; i < size; i++ {
		idx := (m.next - 1 - i + len(m.events)) % len(m.events)
		ev := m.events[idx]
		if filters.match(ev) {
			matched = append(matched, ev)
		}
	}

	total := int64(len(matched))
	if offset >= len(matched) {
		return []*models.LinkEvent{}, total, nil
	}
	if offset < 0 {
		offset = 0
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// Len returns the number of stored events
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.full {
		return len(m.events)
	}
	return m.next
}

func (m *MemoryStore) Close() error { return nil }
