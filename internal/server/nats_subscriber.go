package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lora-linkctl/internal/models"
	"github.com/lorawan-server/lora-linkctl/internal/validation"
)

// Conn is the part of *nats.Conn the subscriber uses
type Conn interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subj string, data []byte) error
}

// Enqueuer accepts application payloads for transmission
type Enqueuer interface {
	Enqueue(payload []byte) error
	QueueDepth() int
}

// TxSubject returns the subject a station takes outbound payloads from
func TxSubject(station string) string {
	return fmt.Sprintf("link.%s.tx", station)
}

// NATSSubscriber feeds payloads published on link.<station>.tx into a
// station's outbound queue
type NATSSubscriber struct {
	nc        Conn
	station   string
	queue     Enqueuer
	validator *validation.Validator
	subs      []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber
func NewNATSSubscriber(nc Conn, station string, queue Enqueuer) *NATSSubscriber {
	return &NATSSubscriber{
		nc:        nc,
		station:   station,
		queue:     queue,
		validator: validation.NewValidator(),
		subs:      make([]*nats.Subscription, 0),
	}
}

// Start subscribes and blocks until ctx is done
func (s *NATSSubscriber) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe(TxSubject(s.station), s.handleTx)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TxSubject(s.station), err)
	}
	s.subs = append(s.subs, sub)

	log.Info().
		Str("subject", TxSubject(s.station)).
		Msg("NATS subscriber started")

	<-ctx.Done()

	for _, sub := range s.subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}

	return ctx.Err()
}

// handleTx handles outbound payload requests
func (s *NATSSubscriber) handleTx(msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received outbound payload")

	resp := s.enqueue(msg.Data)
	if resp.Error != "" {
		log.Warn().Str("subject", msg.Subject).Str("error", resp.Error).Msg("Rejected outbound payload")
	} else {
		log.Info().
			Str("station", s.station).
			Int("bytes", resp.Bytes).
			Int("queue_depth", resp.QueueDepth).
			Msg("Outbound payload queued")
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal reply")
		return
	}
	if err := s.nc.Publish(msg.Reply, data); err != nil {
		log.Error().Err(err).Str("reply", msg.Reply).Msg("Failed to send reply")
	}
}

func (s *NATSSubscriber) enqueue(data []byte) models.SendMessageResponse {
	var req models.SendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return models.SendMessageResponse{Error: fmt.Sprintf("invalid request: %v", err)}
	}
	payload, err := s.validator.ValidateMessage(&req)
	if err != nil {
		return models.SendMessageResponse{Error: err.Error()}
	}
	if err := s.queue.Enqueue(payload); err != nil {
		return models.SendMessageResponse{Bytes: len(payload), QueueDepth: s.queue.QueueDepth(), Error: err.Error()}
	}
	return models.SendMessageResponse{Queued: true, Bytes: len(payload), QueueDepth: s.queue.QueueDepth()}
}
