package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lorawan-server/lora-linkctl/internal/models"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
)

// Store is the link event journal. It is write-mostly: sessions append,
// the API lists. Session state is never restored from it.
type Store interface {
	CreateLinkEvent(ctx context.Context, event *models.LinkEvent) error
	ListLinkEvents(ctx context.Context, filters LinkEventFilters, limit, offset int) ([]*models.LinkEvent, int64, error)
	Close() error
}

// LinkEventFilters narrows ListLinkEvents. Nil fields match everything.
type LinkEventFilters struct {
	Station   *string
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}

func (f LinkEventFilters) match(ev *models.LinkEvent) bool {
	if f.Station != nil && ev.Station != *f.Station {
		return false
	}
	if f.Type != nil && ev.Type != *f.Type {
		return false
	}
	if f.Level != nil && ev.Level != *f.Level {
		return false
	}
	if f.StartTime != nil && ev.CreatedAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && ev.CreatedAt.After(*f.EndTime) {
		return false
	}
	return true
}

func validate(event *models.LinkEvent) error {
	if event == nil || event.Station == "" || !event.Type.Valid() {
		return ErrInvalidData
	}
	return nil
}
