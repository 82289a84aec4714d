package model

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/schema"
)

// Change is delivered to change sinks after a field took a new value.
type Change struct {
	Path  string
	Key   string
	Value any
}

// ChangeFunc receives field changes. It runs synchronously on the routing
// goroutine while the field's writer lock is held, so it must not write to
// the same field. Reading the field is safe.
type ChangeFunc func(Change)

// SetResult reports what a write did to a field.
type SetResult int

const (
	// SetChanged means the value differed and sinks were notified.
	SetChanged SetResult = iota
	// SetUnchanged means the coerced value equalled the current one.
	SetUnchanged
	// SetRejected means the payload could not be coerced.
	SetRejected
)

func (r SetResult) String() string {
	switch r {
	case SetChanged:
		return "changed"
	case SetUnchanged:
		return "unchanged"
	case SetRejected:
		return "rejected"
	}
	return "unknown"
}

// Member is an element of the compiled model: a *Group or a Field.
type Member interface {
	Label() string
	Path() string
}

// Field is a typed leaf of the compiled model.
type Field interface {
	Member
	Type() schema.ValueType
	Key() string
	ConnectionID() uuid.UUID
	EventsEnabled() bool

	// Value returns the current value as bool, int64, float64 or string.
	Value() any
	// LastKey is the key of the update that produced the current value.
	LastKey() string

	// Set coerces raw and stores it if it differs from the current value.
	Set(key string, raw any) SetResult
	// OnChange registers fn and returns a function that removes it.
	OnChange(fn ChangeFunc) (cancel func(), err error)
}

// Scalar is the set of Go types a field can hold.
type Scalar interface {
	bool | int64 | float64 | string
}

type cellState[T Scalar] struct {
	value   T
	lastKey string
}

type sinkEntry struct {
	id uint64
	fn ChangeFunc
}

// Cell is the storage of one leaf. Reads are lock free; writers for the
// same cell are serialized, and notification happens inside that section
// so sinks see changes in write order.
type Cell[T Scalar] struct {
	label  string
	path   string
	decl   *schema.Node
	coerce func(any) (T, bool)

	mu    sync.Mutex
	state atomic.Pointer[cellState[T]]

	sinkMu sync.Mutex
	sinks  atomic.Pointer[[]sinkEntry]
	nextID uint64
}

func newCell[T Scalar](path string, decl *schema.Node, coerce func(any) (T, bool)) *Cell[T] {
	c := &Cell[T]{
		label:  decl.Label,
		path:   path,
		decl:   decl,
		coerce: coerce,
	}
	c.state.Store(&cellState[T]{})
	if decl.GenerateEvent {
		empty := []sinkEntry{}
		c.sinks.Store(&empty)
	}
	return c
}

func (c *Cell[T]) Label() string { return c.label }
func (c *Cell[T]) Path() string { return c.path }
func (c *Cell[T]) Type() schema.ValueType { return c.decl.ValueType }
func (c *Cell[T]) Key() string { return c.decl.Key }
func (c *Cell[T]) ConnectionID() uuid.UUID { return c.decl.ConnectionID }
func (c *Cell[T]) EventsEnabled() bool { return c.decl.GenerateEvent }
func (c *Cell[T]) Value() any { return c.state.Load().value }
func (c *Cell[T]) LastKey() string { return c.state.Load().lastKey }

// Get returns the typed current value.
func (c *Cell[T]) Get() T {
	return c.state.Load().value
}

// Set implements Field.
func (c *Cell[T]) Set(key string, raw any) SetResult {
	v, ok := c.coerce(raw)
	if !ok {
		return SetRejected
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if equal(c.state.Load().value, v) {
		return SetUnchanged
	}
	c.state.Store(&cellState[T]{value: v, lastKey: key})

	if sinks := c.sinks.Load(); sinks != nil {
		change := Change{Path: c.path, Key: key, Value: v}
		for _, s := range *sinks {
			s.fn(change)
		}
	}
	return SetChanged
}

// OnChange implements Field.
func (c *Cell[T]) OnChange(fn ChangeFunc) (func(), error) {
	if !c.decl.GenerateEvent {
		return nil, errors.ErrEventsDisabled
	}

	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	c.nextID++
	id := c.nextID
	current := *c.sinks.Load()
	next := make([]sinkEntry, len(current), len(current)+1)
	copy(next, current)
	next = append(next, sinkEntry{id: id, fn: fn})
	c.sinks.Store(&next)

	var once sync.Once
	return func() {
		once.Do(func() { c.removeSink(id) })
	}, nil
}

func (c *Cell[T]) removeSink(id uint64) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	current := *c.sinks.Load()
	next := make([]sinkEntry, 0, len(current))
	for _, s := range current {
		if s.id != id {
			next = append(next, s)
		}
	}
	c.sinks.Store(&next)
}

// SinkCount returns the number of registered change sinks.
func (c *Cell[T]) SinkCount() int {
	if sinks := c.sinks.Load(); sinks != nil {
		return len(*sinks)
	}
	return 0
}

func equal[T Scalar](a, b T) bool {
	if a == b {
		return true
	}
	// NaN never equals itself; treat repeated NaN as no change.
	if fa, ok := any(a).(float64); ok {
		fb := any(b).(float64)
		return math.IsNaN(fa) && math.IsNaN(fb)
	}
	return false
}
