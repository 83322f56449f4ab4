package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lora-linkctl/internal/models"
)

// NATSConnector is the part of *nats.Conn the publisher uses
type NATSConnector interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher publishes deliveries on link.<station>.rx and every event
// on link.<station>.event.<type>
type NATSPublisher struct {
	nc NATSConnector
}

// NewNATSPublisher wraps a connection
func NewNATSPublisher(nc NATSConnector) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

// ConnectNATS dials the bus with the reconnect behaviour used by linkd
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// RxSubject returns the delivery subject of a station
func RxSubject(station string) string {
	return fmt.Sprintf("link.%s.rx", station)
}

// EventSubject returns the event subject of a station
func EventSubject(station string, t models.EventType) string {
	return fmt.Sprintf("link.%s.event.%s", station, eventSuffix(t))
}

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) Publish(ctx context.Context, ev *models.LinkEvent) error {
	if ev.Type == models.EventTypeDelivery {
		data, err := json.Marshal(NewRxMessage(ev))
		if err != nil {
			return err
		}
		if err := p.nc.Publish(RxSubject(ev.Station), data); err != nil {
			return fmt.Errorf("publish %s: %w", RxSubject(ev.Station), err)
		}
	}

	data, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	subject := EventSubject(ev.Station, ev.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
