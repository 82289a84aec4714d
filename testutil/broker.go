// Package testutil provides in-memory doubles for the transport and
// settings store so components can be tested without a broker.
package testutil

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/topicmodel/connection"
	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/transport"
)

// Broker is an in-memory transport. Every connector it creates is tracked by
// connection id; Publish delivers to the running connector of that id when
// one of its filters matches.
type Broker struct {
	mu          sync.Mutex
	connectors  map[uuid.UUID]*FakeConnector
	created     []uuid.UUID
	startErr    map[uuid.UUID]error
	autoConnect bool
}

// NewBroker creates a broker whose connectors report Connected on Start.
func NewBroker() *Broker {
	return &Broker{
		connectors:  make(map[uuid.UUID]*FakeConnector),
		startErr:    make(map[uuid.UUID]error),
		autoConnect: true,
	}
}

// SetAutoConnect controls whether Start fires the connect event.
func (b *Broker) SetAutoConnect(enabled bool) {
	b.mu.Lock()
	b.autoConnect = enabled
	b.mu.Unlock()
}

// FailStart makes every Start of the connector for id return err.
func (b *Broker) FailStart(id uuid.UUID, err error) {
	b.mu.Lock()
	b.startErr[id] = err
	b.mu.Unlock()
}

// Factory returns the transport.Factory backed by this broker.
func (b *Broker) Factory() transport.Factory {
	return func(id uuid.UUID, events transport.Events) (transport.Connector, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		c := &FakeConnector{id: id, events: events, broker: b}
		b.connectors[id] = c
		b.created = append(b.created, id)
		return c, nil
	}
}

// Connector returns the latest connector created for id.
func (b *Broker) Connector(id uuid.UUID) *FakeConnector {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectors[id]
}

// Created returns the ids of every connector created so far, in order.
func (b *Broker) Created() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uuid.UUID, len(b.created))
	copy(out, b.created)
	return out
}

// Publish delivers payload as an update on key from connection id. It
// reports whether a running connector accepted it.
func (b *Broker) Publish(id uuid.UUID, key string, payload []byte) bool {
	c := b.Connector(id)
	if c == nil {
		return false
	}
	return c.receive(key, payload)
}

// Drop simulates the connection to id being lost.
func (b *Broker) Drop(id uuid.UUID) {
	if c := b.Connector(id); c != nil {
		c.events.Disconnected(id, errors.ErrConnectionLost)
	}
}

// Restore simulates the connection to id coming back.
func (b *Broker) Restore(id uuid.UUID) {
	if c := b.Connector(id); c != nil {
		c.events.Connected(id)
	}
}

// FakeConnector records what the reconciler asks of it.
type FakeConnector struct {
	id     uuid.UUID
	events transport.Events
	broker *Broker

	mu       sync.Mutex
	running  bool
	closed   bool
	settings connection.Settings
	filters  []string
	starts   int
	stops    int
}

// ID implements transport.Connector.
func (c *FakeConnector) ID() uuid.UUID { return c.id }

// Start implements transport.Connector.
func (c *FakeConnector) Start(_ context.Context, s connection.Settings, filters []string) error {
	c.broker.mu.Lock()
	err := c.broker.startErr[c.id]
	auto := c.broker.autoConnect
	c.broker.mu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrConnectorClosed
	}
	c.starts++
	c.settings = s
	c.filters = append([]string(nil), filters...)
	c.running = err == nil
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if auto {
		c.events.Connected(c.id)
	}
	return nil
}

// Stop implements transport.Connector.
func (c *FakeConnector) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.running = false
	return nil
}

// Close implements transport.Connector.
func (c *FakeConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.running = false
	return nil
}

func (c *FakeConnector) receive(key string, payload []byte) bool {
	c.mu.Lock()
	running := c.running
	filters := c.filters
	c.mu.Unlock()

	if !running {
		return false
	}
	for _, f := range filters {
		if transport.Match(f, key) {
			c.events.Message(c.id, key, payload)
			return true
		}
	}
	return false
}

// Filters returns the filters of the latest Start.
func (c *FakeConnector) Filters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.filters...)
}

// Settings returns the settings of the latest Start.
func (c *FakeConnector) Settings() connection.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Starts returns how many times Start was called.
func (c *FakeConnector) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

// Stops returns how many times Stop was called.
func (c *FakeConnector) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

// Running reports whether the connector has a live session.
func (c *FakeConnector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Closed reports whether Close was called.
func (c *FakeConnector) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
