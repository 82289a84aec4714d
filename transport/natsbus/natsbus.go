// Package natsbus is a transport adapter that receives updates from a NATS
// server. Keys map to subjects by replacing '/' with '.', so the MQTT
// gateway of a NATS server and native NATS publishers feed the same model.
package natsbus

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/topicmodel/connection"
	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/natsclient"
	"github.com/c360/topicmodel/transport"
)

// ReconnectWait is the delay between reconnect attempts.
const ReconnectWait = 5 * time.Second

// KeyToSubject converts a key or filter to a NATS subject.
func KeyToSubject(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		switch s {
		case "+":
			segs[i] = "*"
		case "#":
			segs[i] = ">"
		}
	}
	return strings.Join(segs, ".")
}

// SubjectToKey converts a received subject back to a key.
func SubjectToKey(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// Connector implements transport.Connector on a NATS connection.
type Connector struct {
	id     uuid.UUID
	events transport.Events
	logger *slog.Logger

	mu     sync.Mutex
	client *natsclient.Client
	closed bool
}

// NewFactory returns a transport.Factory producing NATS connectors.
func NewFactory(logger *slog.Logger) transport.Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(id uuid.UUID, events transport.Events) (transport.Connector, error) {
		return &Connector{
			id:     id,
			events: events,
			logger: logger.With("component", "natsbus", "connection_id", id),
		}, nil
	}
}

// ID implements transport.Connector.
func (c *Connector) ID() uuid.UUID { return c.id }

// Start implements transport.Connector.
func (c *Connector) Start(ctx context.Context, s connection.Settings, filters []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.WrapInvalid(errors.ErrConnectorClosed, "Connector", "Start", "start closed connector")
	}
	_ = c.stopLocked(ctx)

	opts := []natsclient.ClientOption{
		natsclient.WithName(s.ClientID),
		natsclient.WithLogger(c.logger),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(ReconnectWait),
		natsclient.WithRetryOnFailedConnect(true),
		natsclient.WithConnectCallback(func() { c.events.Connected(c.id) }),
		natsclient.WithReconnectCallback(func() { c.events.Connected(c.id) }),
		natsclient.WithDisconnectCallback(func(err error) { c.events.Disconnected(c.id, err) }),
	}
	if s.Credentials.Username != "" {
		opts = append(opts, natsclient.WithCredentials(s.Credentials.Username, s.Credentials.Password))
	}

	client, err := natsclient.NewClient(fmt.Sprintf("nats://%s", s.Address()), opts...)
	if err != nil {
		return errors.Wrap(err, "Connector", "Start", "create client")
	}
	if err := client.Connect(ctx); err != nil {
		_ = client.Close(context.Background())
		return errors.Wrap(err, "Connector", "Start", "connect")
	}

	var errs []error
	for _, filter := range transport.Collapse(filters) {
		subject := KeyToSubject(filter)
		if err := client.Subscribe(subject, c.deliver); err != nil {
			c.logger.Warn("Subscribe failed", "subject", subject, "error", err)
			errs = append(errs, err)
		}
	}
	c.client = client
	c.logger.Debug("Connector started", "address", s.Address(), "filters", len(filters))

	if len(errs) > 0 {
		return errors.WrapTransient(stderrors.Join(errs...), "Connector", "Start", "subscribe")
	}
	return nil
}

func (c *Connector) deliver(subject string, data []byte) {
	c.events.Message(c.id, SubjectToKey(subject), data)
}

// Stop implements transport.Connector.
func (c *Connector) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(ctx)
}

func (c *Connector) stopLocked(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	client := c.client
	c.client = nil
	return client.Close(ctx)
}

// Close implements transport.Connector.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.stopLocked(ctx)
}
