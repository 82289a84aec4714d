package connection

import (
	"sync"

	"github.com/google/uuid"
)

// Status is the observable connection state of one settings entry.
type Status struct {
	ConnectionID uuid.UUID `json:"connectionId"`
	DisplayName  string    `json:"displayName"`
	IsConnected  bool      `json:"isConnected"`
}

// Statuses holds one Status per configured connection.
type Statuses struct {
	mu    sync.RWMutex
	order []uuid.UUID
	byID  map[uuid.UUID]*Status
}

// NewStatuses creates an empty collection.
func NewStatuses() *Statuses {
	return &Statuses{byID: make(map[uuid.UUID]*Status)}
}

// Rebuild replaces the collection with one disconnected entry per settings
// entry. Connectors are restarted after a settings change and report their
// state again.
func (s *Statuses) Rebuild(list List) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[uuid.UUID]*Status, len(list))
	order := make([]uuid.UUID, 0, len(list))
	for _, cfg := range list {
		next[cfg.ID] = &Status{ConnectionID: cfg.ID, DisplayName: cfg.DisplayName}
		order = append(order, cfg.ID)
	}
	s.byID = next
	s.order = order
}

// SetConnected flips the flag of one entry. It reports false when the id is
// not configured, which happens for events racing a settings change.
func (s *Statuses) SetConnected(id uuid.UUID, connected bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.byID[id]
	if !ok {
		return false
	}
	st.IsConnected = connected
	return true
}

// Get returns the status of one connection.
func (s *Statuses) Get(id uuid.UUID) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.byID[id]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// All returns copies of every status in settings order.
func (s *Statuses) All() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Status, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byID[id])
	}
	return out
}

// ConnectedCount returns how many entries are connected.
func (s *Statuses) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, st := range s.byID {
		if st.IsConnected {
			n++
		}
	}
	return n
}
