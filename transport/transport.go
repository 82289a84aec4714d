// Package transport defines the narrow interface the core uses to talk to a
// pub/sub connection. Adapters own wire protocol, retry and backoff.
package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/c360/topicmodel/connection"
)

// CatchAll is the filter that matches every key. Every connector is
// subscribed to it so the raw tree sees all traffic.
const CatchAll = "#"

// Events are the callbacks a connector reports through. Any of them may be
// nil. They are invoked from transport goroutines.
type Events struct {
	OnMessage    func(connectionID uuid.UUID, key string, payload []byte)
	OnConnect    func(connectionID uuid.UUID)
	OnDisconnect func(connectionID uuid.UUID, err error)
}

func (e Events) Message(id uuid.UUID, key string, payload []byte) {
	if e.OnMessage != nil {
		e.OnMessage(id, key, payload)
	}
}

func (e Events) Connected(id uuid.UUID) {
	if e.OnConnect != nil {
		e.OnConnect(id)
	}
}

func (e Events) Disconnected(id uuid.UUID, err error) {
	if e.OnDisconnect != nil {
		e.OnDisconnect(id, err)
	}
}

// Connector is one managed connection. Start replaces any running session:
// it connects with settings and subscribes to filters. Stop ends the
// session but the connector may be started again; Close releases it for
// good. Stop and Close must tolerate being called repeatedly.
type Connector interface {
	ID() uuid.UUID
	Start(ctx context.Context, settings connection.Settings, filters []string) error
	Stop(ctx context.Context) error
	Close() error
}

// Factory creates a connector for a connection id.
type Factory func(connectionID uuid.UUID, events Events) (Connector, error)
