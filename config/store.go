package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/c360/topicmodel/connection"
	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/model"
	"github.com/c360/topicmodel/schema"
)

// Settings is everything a Store persists.
type Settings struct {
	Schema      *schema.Node
	Connections connection.List
}

// DefaultSettings is what a fresh store holds: an empty root group and no
// connections.
func DefaultSettings() Settings {
	return Settings{Schema: schema.RootDefault(), Connections: connection.List{}}
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	out := Settings{Schema: s.Schema.Clone()}
	if s.Connections != nil {
		out.Connections = make(connection.List, len(s.Connections))
		copy(out.Connections, s.Connections)
	}
	return out
}

// ChangeKind says which part of the settings changed. Kinds combine when
// changes are coalesced.
type ChangeKind uint8

const (
	SchemaChanged ChangeKind = 1 << iota
	ConnectionsChanged
)

// Has reports whether k includes other.
func (k ChangeKind) Has(other ChangeKind) bool { return k&other != 0 }

func (k ChangeKind) String() string {
	switch k {
	case SchemaChanged:
		return "schema"
	case ConnectionsChanged:
		return "connections"
	case SchemaChanged | ConnectionsChanged:
		return "schema+connections"
	default:
		return "none"
	}
}

// Change is delivered on a Watch channel. Settings is the full latest valid
// state. Err is set when the stored document that triggered the change
// could not be used; Settings then still holds the previous value.
type Change struct {
	Kind     ChangeKind
	Settings Settings
	Err      error
}

// Store persists the schema and the connection list.
type Store interface {
	// Load returns the current settings. Missing documents yield defaults. An
	// invalid document yields defaults for that part together with an error
	// classified as invalid. Anything Load finds that differs from the
	// last known state is also delivered to watchers.
	Load(ctx context.Context) (Settings, error)
	SaveSchema(ctx context.Context, root *schema.Node) error
	SaveConnections(ctx context.Context, list connection.List) error
	// Watch delivers every change until ctx is done or the store is closed.
	// Bursts coalesce: a slow reader sees the latest state with the kinds
	// merged.
	Watch(ctx context.Context) (<-chan Change, error)
	Close() error
}

// ValidateSchema checks that root is structurally valid and compiles.
func ValidateSchema(root *schema.Node) error {
	if err := schema.Validate(root); err != nil {
		return err
	}
	_, _, err := model.Compile(root)
	return err
}

func encodeSchema(root *schema.Node) ([]byte, error) {
	if err := ValidateSchema(root); err != nil {
		return nil, err
	}
	return schema.EncodeJSON(root)
}

func decodeSchema(data []byte) (*schema.Node, error) {
	root, err := schema.DecodeJSON(data)
	if err != nil {
		return nil, err
	}
	if _, _, err := model.Compile(root); err != nil {
		return nil, err
	}
	return root, nil
}

func encodeConnections(list connection.List) ([]byte, error) {
	if err := list.Validate(); err != nil {
		return nil, err
	}
	if list == nil {
		list = connection.List{}
	}
	return json.MarshalIndent(list, "", "  ")
}

func decodeConnections(data []byte) (connection.List, error) {
	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidSettings, err)
	}
	var list connection.List
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidSettings, err)
	}
	if err := list.Validate(); err != nil {
		return nil, err
	}
	if list == nil {
		list = connection.List{}
	}
	return list, nil
}

// state is the current settings plus the watchers that follow them. Every
// store implementation embeds one.
type state struct {
	mu      sync.Mutex
	current Settings
	subs    map[chan Change]struct{}
	closed  bool
	done    chan struct{}
}

func newState() *state {
	return &state{current: DefaultSettings(), subs: make(map[chan Change]struct{}), done: make(chan struct{})}
}

func (s *state) snapshot() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// update applies fn to the current settings and tells watchers.
func (s *state) update(kind ChangeKind, fn func(cur *Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.current)
	s.publishLocked(Change{Kind: kind, Settings: s.current.Clone()})
}

func (s *state) commitSchema(root *schema.Node) {
	s.update(SchemaChanged, func(cur *Settings) { cur.Schema = root.Clone() })
}

func (s *state) commitConnections(list connection.List) {
	s.update(ConnectionsChanged, func(cur *Settings) {
		cur.Connections = append(connection.List{}, list...)
	})
}

// reject tells watchers that a stored document of kind could not be used.
func (s *state) reject(kind ChangeKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(Change{Kind: kind, Settings: s.current.Clone(), Err: err})
}

func (s *state) watch(ctx context.Context) (<-chan Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.ErrShuttingDown
	}

	ch := make(chan Change, 1)
	s.subs[ch] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			s.unsubscribe(ch)
		case <-s.done:
		}
	}()
	return ch, nil
}

func (s *state) unsubscribe(ch chan Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

// publishLocked hands c to every watcher. A watcher that has not consumed
// its previous change gets one merged change instead of two.
func (s *state) publishLocked(c Change) {
	for ch := range s.subs {
		select {
		case ch <- c:
			continue
		default:
		}

		// Only publishLocked sends, and it holds s.mu, so after taking the pending
		// change out there is room again.
		select {
		case old := <-ch:
			merged := c
			merged.Kind |= old.Kind
			if merged.Err == nil && old.Err != nil && old.Kind&^c.Kind != 0 {
				merged.Err = old.Err
			}
			ch <- merged
		default:
			ch <- c
		}
	}
}

func (s *state) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}

func (s *state) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// invalidPart wraps a decode failure of one stored document.
func invalidPart(err error, method, what string) error {
	if err == nil {
		return nil
	}
	return errors.WrapInvalid(err, "Store", method, "decode "+what)
}
