package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lora-linkctl/internal/models"
)

// CreateLinkEvent appends a journal entry
func (s *PostgresStore) CreateLinkEvent(ctx context.Context, event *models.LinkEvent) error {
	if err := validate(event); err != nil {
		return err
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO link_events (
            id, created_at, station, peer, message_id,
            type, level, description, details
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	var messageID sql.NullInt32
	if event.MessageID != nil {
		messageID = sql.NullInt32{Int32: int32(*event.MessageID), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.Station, event.Peer, messageID,
		event.Type, event.Level, event.Description, event.Details,
	)
	if err != nil {
		return fmt.Errorf("insert link event: %w", err)
	}
	return nil
}

// buildEventQuery returns the count query, the select query and the filter
// args. The select query takes limit and offset as its last two args.
func buildEventQuery(filters LinkEventFilters) (string, string, []interface{}) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.Station != nil {
		argCount++
		where += fmt.Sprintf(" AND station = $%d", argCount)
		args = append(args, *filters.Station)
	}
	if filters.Type != nil {
		argCount++
		where += fmt.Sprintf(" AND type = $%d", argCount)
		args = append(args, string(*filters.Type))
	}
	if filters.Level != nil {
		argCount++
		where += fmt.Sprintf(" AND level = $%d", argCount)
		args = append(args, string(*filters.Level))
	}
	if filters.StartTime != nil {
		argCount++
		where += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filters.StartTime)
	}
	if filters.EndTime != nil {
		argCount++
		where += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filters.EndTime)
	}

	countQuery := "SELECT COUNT(*) FROM link_events" + where

	var b strings.Builder
	b.WriteString("SELECT id, created_at, station, peer, message_id, type, level, description, details FROM link_events")
	b.WriteString(where)
	b.WriteString(fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argCount+1, argCount+2))

	return countQuery, b.String(), args
}

// ListLinkEvents lists journal entries with filters, newest first
func (s *PostgresStore) ListLinkEvents(ctx context.Context, filters LinkEventFilters, limit, offset int) ([]*models.LinkEvent, int64, error) {
	countQuery, selectQuery, args := buildEventQuery(filters)

	var count int64
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("count link events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, selectQuery, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list link events: %w", err)
	}
	defer rows.Close()

	var events []*models.LinkEvent
	for rows.Next() {
		event := &models.LinkEvent{}
		var messageID sql.NullInt32

		err := rows.Scan(
			&event.ID, &event.CreatedAt, &event.Station, &event.Peer, &messageID,
			&event.Type, &event.Level, &event.Description, &event.Details,
		)
		if err != nil {
			return nil, 0, err
		}
		if messageID.Valid {
			id := int(messageID.Int32)
			event.MessageID = &id
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return events, count, nil
}
