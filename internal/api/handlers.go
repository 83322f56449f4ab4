package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lora-linkctl/internal/link"
	"github.com/lorawan-server/lora-linkctl/internal/models"
	"github.com/lorawan-server/lora-linkctl/internal/storage"
)

const (
	defaultEventLimit = 20
	maxEventLimit     = 500
	maxBodyBytes      = 4096
)

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": s.config.Server.Name,
		"version": s.config.Server.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"time":    time.Now(),
	})
}

// HandleGetLink returns the current profile, statistics and queue of the station
func (s *RESTServer) HandleGetLink(w http.ResponseWriter, r *http.Request) {
	snap := s.station.Snapshot()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"link":    snap,
		"profile": snap.Settings.Profile.String(),
	})
}

// HandleListEvents lists journalled link events, newest first
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	var filters storage.LinkEventFilters
	if v := q.Get("type"); v != "" {
		t := models.EventType(v)
		if !t.Valid() {
			s.respondError(w, http.StatusBadRequest, "unknown event type "+v)
			return
		}
		filters.Type = &t
	}
	if v := q.Get("level"); v != "" {
		l := models.EventLevel(v)
		filters.Level = &l
	}
	if v := q.Get("station"); v != "" {
		filters.Station = &v
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filters.StartTime = &since
	}

	events, total, err := s.store.ListLinkEvents(ctx, filters, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list link events")
		s.respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// HandleSendMessage queues an application payload for transmission
func (s *RESTServer) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req models.SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	payload, err := s.validator.ValidateMessage(&req)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.station.Enqueue(payload); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, link.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		s.respondJSON(w, status, models.SendMessageResponse{
			Bytes:      len(payload),
			QueueDepth: s.station.QueueDepth(),
			Error:      err.Error(),
		})
		return
	}

	operator := ""
	if claims := claimsFrom(r.Context()); claims != nil {
		operator = claims.Subject
	}
	log.Info().
		Str("operator", operator).
		Int("bytes", len(payload)).
		Msg("Payload queued via API")

	s.respondJSON(w, http.StatusAccepted, models.SendMessageResponse{
		Queued:     true,
		Bytes:      len(payload),
		QueueDepth: s.station.QueueDepth(),
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
