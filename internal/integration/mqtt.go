package integration

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lora-linkctl/internal/models"
)

var ErrMQTTTimeout = errors.New("mqtt publish timeout")

// MQTTConfig describes the broker connection
type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	TLS         bool
}

// MQTTPublisher publishes deliveries on <prefix>/<station>/rx and every
// event on <prefix>/<station>/event/<type>
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// NewMQTTPublisher wraps a connected client
func NewMQTTPublisher(client mqtt.Client, prefix string, qos byte) *MQTTPublisher {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "link"
	}
	return &MQTTPublisher{client: client, prefix: prefix, qos: qos}
}

// ConnectMQTT creates and connects a client
func ConnectMQTT(cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.BrokerURL).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect mqtt %s: timeout", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", cfg.BrokerURL, err)
	}
	return client, nil
}

// RxTopic returns the delivery topic of a station
func (p *MQTTPublisher) RxTopic(station string) string {
	return fmt.Sprintf("%s/%s/rx", p.prefix, station)
}

// EventTopic returns the event topic of a station
func (p *MQTTPublisher) EventTopic(station string, t models.EventType) string {
	return fmt.Sprintf("%s/%s/event/%s", p.prefix, station, eventSuffix(t))
}

func (p *MQTTPublisher) Name() string { return "mqtt" }

func (p *MQTTPublisher) Publish(ctx context.Context, ev *models.LinkEvent) error {
	if ev.Type == models.EventTypeDelivery {
		data, err := json.Marshal(NewRxMessage(ev))
		if err != nil {
			return err
		}
		if err := p.publish(ctx, p.RxTopic(ev.Station), data); err != nil {
			return err
		}
	}

	data, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.EventTopic(ev.Station, ev.Type), data)
}

func (p *MQTTPublisher) publish(ctx context.Context, topic string, data []byte) error {
	token := p.client.Publish(topic, p.qos, false, data)

	timeout := publishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: %s", ErrMQTTTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	log.Debug().Str("topic", topic).Int("bytes", len(data)).Msg("Published to MQTT")
	return nil
}

// Close disconnects the client
func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
