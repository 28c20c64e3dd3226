package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/loykin/craftvisor/internal/history"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultQoS            = 1
)

// Options configures the broker connection.
type Options struct {
	Broker   string // tcp://host:1883 or ssl://host:8883
	Topic    string // events are published to Topic/<event type>
	ClientID string
	Username string
	Password string
}

// Sink publishes each event as JSON to an MQTT topic.
type Sink struct {
	client pahomqtt.Client
	topic  string
}

func New(opts Options) (*Sink, error) {
	if opts.Broker == "" {
		return nil, errors.New("empty MQTT broker")
	}
	if opts.Topic == "" {
		opts.Topic = "craftvisor/history"
	}
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("craftvisor-%d", time.Now().UnixNano())
	}
	co := pahomqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectTimeout(defaultConnectTimeout)

	c := pahomqtt.NewClient(co)
	tok := c.Connect()
	if !tok.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", opts.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &Sink{client: c, topic: strings.TrimRight(opts.Topic, "/")}, nil
}

// Topic returns the topic used for events of type t.
func (s *Sink) Topic(t history.EventType) string { return s.topic + "/" + string(t) }

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	tok := s.client.Publish(s.Topic(e.Type), defaultQoS, false, b)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) Close() error {
	s.client.Disconnect(250)
	return nil
}
