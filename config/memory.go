package config

import (
	"context"

	"github.com/c360/topicmodel/connection"
	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/schema"
)

// MemoryStore keeps settings in process. Nothing survives a restart.
type MemoryStore struct {
	*state
}

// NewMemoryStore returns a store seeded with initial. A zero Settings seeds
// the defaults.
func NewMemoryStore(initial Settings) (*MemoryStore, error) {
	st := newState()
	if initial.Schema != nil {
		if err := ValidateSchema(initial.Schema); err != nil {
			return nil, errors.WrapInvalid(err, "MemoryStore", "New", "validate schema")
		}
		st.current.Schema = initial.Schema.Clone()
	}
	if initial.Connections != nil {
		if err := initial.Connections.Validate(); err != nil {
			return nil, errors.WrapInvalid(err, "MemoryStore", "New", "validate connections")
		}
		st.current.Connections = append(connection.List{}, initial.Connections...)
	}
	return &MemoryStore{state: st}, nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context) (Settings, error) {
	if m.isClosed() {
		return Settings{}, errors.ErrShuttingDown
	}
	return m.snapshot(), nil
}

// SaveSchema implements Store.
func (m *MemoryStore) SaveSchema(_ context.Context, root *schema.Node) error {
	if m.isClosed() {
		return errors.ErrShuttingDown
	}
	if err := ValidateSchema(root); err != nil {
		return errors.WrapInvalid(err, "MemoryStore", "SaveSchema", "validate schema")
	}
	m.commitSchema(root)
	return nil
}

// SaveConnections implements Store.
func (m *MemoryStore) SaveConnections(_ context.Context, list connection.List) error {
	if m.isClosed() {
		return errors.ErrShuttingDown
	}
	if err := list.Validate(); err != nil {
		return errors.WrapInvalid(err, "MemoryStore", "SaveConnections", "validate connections")
	}
	m.commitConnections(list)
	return nil
}

// Watch implements Store.
func (m *MemoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	return m.watch(ctx)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.close()
	return nil
}
