// Package mqttbroker is a transport adapter for MQTT brokers built on the
// Eclipse Paho client. Sessions reconnect on their own and resubscribe
// every time the broker connection comes back.
package mqttbroker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/c360/topicmodel/connection"
	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/transport"
)

const (
	// ReconnectDelay is the fixed delay between reconnect attempts.
	ReconnectDelay = 5 * time.Second
	// QoS used for every subscription.
	QoS byte = 0

	subscribeTimeout = 10 * time.Second
	quiesce          = 250 // ms
)

// ClientFactory builds a Paho client; tests replace it.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Connector implements transport.Connector for one MQTT broker.
type Connector struct {
	id        uuid.UUID
	events    transport.Events
	logger    *slog.Logger
	newClient ClientFactory

	mu     sync.Mutex
	client mqtt.Client
	closed bool
}

// Option configures the factory.
type Option func(*factoryConfig)

type factoryConfig struct {
	logger    *slog.Logger
	newClient ClientFactory
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *factoryConfig) { c.logger = logger }
}

// WithClientFactory replaces mqtt.NewClient.
func WithClientFactory(f ClientFactory) Option {
	return func(c *factoryConfig) { c.newClient = f }
}

// NewFactory returns a transport.Factory producing MQTT connectors.
func NewFactory(opts ...Option) transport.Factory {
	cfg := &factoryConfig{logger: slog.Default(), newClient: mqtt.NewClient}
	for _, opt := range opts {
		opt(cfg)
	}
	return func(id uuid.UUID, events transport.Events) (transport.Connector, error) {
		return &Connector{
			id:        id,
			events:    events,
			logger:    cfg.logger.With("component", "mqttbroker", "connection_id", id),
			newClient: cfg.newClient,
		}, nil
	}
}

// ID implements transport.Connector.
func (c *Connector) ID() uuid.UUID { return c.id }

// ClientOptions builds the Paho options for one session.
func (c *Connector) ClientOptions(s connection.Settings, filters []string) *mqtt.ClientOptions {
	subscriptions := make(map[string]byte)
	for _, f := range transport.Collapse(filters) {
		subscriptions[f] = QoS
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", s.Address())).
		SetClientID(s.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(ReconnectDelay).
		SetMaxReconnectInterval(ReconnectDelay).
		SetOnConnectHandler(func(client mqtt.Client) {
			c.subscribe(client, subscriptions)
			c.events.Connected(c.id)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn("Connection to broker lost", "error", err)
			c.events.Disconnected(c.id, err)
		})
	if s.Credentials.Username != "" {
		opts.SetUsername(s.Credentials.Username)
		opts.SetPassword(s.Credentials.Password)
	}
	return opts
}

func (c *Connector) subscribe(client mqtt.Client, subscriptions map[string]byte) {
	if len(subscriptions) == 0 {
		return
	}
	token := client.SubscribeMultiple(subscriptions, c.deliver)
	if !token.WaitTimeout(subscribeTimeout) {
		c.logger.Warn("Subscribe timed out", "filters", len(subscriptions))
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Error("Subscribe failed", "error", err)
		return
	}
	c.logger.Debug("Subscribed", "filters", len(subscriptions))
}

func (c *Connector) deliver(_ mqtt.Client, msg mqtt.Message) {
	c.events.Message(c.id, msg.Topic(), msg.Payload())
}

// Start implements transport.Connector. It does not wait for the broker:
// the session keeps retrying in the background and reports through Events.
func (c *Connector) Start(_ context.Context, s connection.Settings, filters []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.WrapInvalid(errors.ErrConnectorClosed, "Connector", "Start", "start closed connector")
	}
	c.stopLocked()

	client := c.newClient(c.ClientOptions(s, filters))
	token := client.Connect()
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			c.logger.Error("Connect failed", "address", s.Address(), "error", err)
		}
	}()
	c.client = client
	c.logger.Debug("Connector started", "address", s.Address(), "filters", len(filters))
	return nil
}

// Stop implements transport.Connector.
func (c *Connector) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	return nil
}

func (c *Connector) stopLocked() {
	if c.client == nil {
		return
	}
	c.client.Disconnect(quiesce)
	c.client = nil
}

// Close implements transport.Connector.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopLocked()
	return nil
}
