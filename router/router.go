// Package router routes (connection, key, raw) updates into the installed
// model generation and swaps generations atomically when the schema changes.
package router

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/metric"
	"github.com/c360/topicmodel/model"
	"github.com/c360/topicmodel/schema"
)

// Result is the outcome of routing one update.
type Result int

const (
	// Updated means a field took a new value and its sinks ran.
	Updated Result = iota
	// Unchanged means the field already held the coerced value.
	Unchanged
	// Unroutable means no field is bound to the (connection, key) pair.
	Unroutable
	// CoercionFailed means the payload did not fit the field type.
	CoercionFailed
)

func (r Result) String() string {
	switch r {
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	case Unroutable:
		return "unroutable"
	case CoercionFailed:
		return "coercion_failed"
	}
	return "unknown"
}

// Generation is one installed (model, index) pair. It is immutable once
// published; only field values inside it change.
type Generation struct {
	ID          uint64
	Model       *model.Model
	Index       *model.Index
	Schema      *schema.Node
	InstalledAt time.Time
}

// FeedChange is a field change annotated with the generation it came from.
type FeedChange struct {
	model.Change
	Generation uint64
}

// Option configures a Router.
type Option func(*Router) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) error {
		r.logger = logger
		return nil
	}
}

// WithMetrics registers router metrics in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Router) error {
		m, err := newRouterMetrics(registry)
		if err != nil {
			return err
		}
		r.metrics = m
		return nil
	}
}

// WithDropLogRate limits how often coercion failures are logged to burst
// lines, then one per every.
func WithDropLogRate(every time.Duration, burst int) Option {
	return func(r *Router) error {
		if every <= 0 || burst < 1 {
			return fmt.Errorf("drop log rate needs every > 0 and burst >= 1, got %s and %d", every, burst)
		}
		r.dropLog = rate.NewLimiter(rate.Every(every), burst)
		return nil
	}
}

// Router owns the current generation. Route and Install are safe for
// concurrent use.
type Router struct {
	current atomic.Pointer[Generation]
	lastID  atomic.Uint64

	installMu sync.Mutex

	watchMu  sync.Mutex
	watchers atomic.Pointer[[]watcher]
	watchSeq uint64

	logger  *slog.Logger
	metrics *routerMetrics
	dropLog *rate.Limiter
}

type watcher struct {
	id uint64
	fn func(FeedChange)
}

// New creates a router with the default empty schema installed.
func New(opts ...Option) (*Router, error) {
	r := &Router{
		logger:  slog.Default(),
		dropLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	empty := []watcher{}
	r.watchers.Store(&empty)

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, errors.Wrap(err, "Router", "New", "apply option")
		}
	}
	r.logger = r.logger.With("component", "router")

	if err := r.Install(schema.RootDefault()); err != nil {
		return nil, err
	}
	return r, nil
}

// Current returns the installed generation.
func (r *Router) Current() *Generation {
	return r.current.Load()
}

// Model returns the installed model.
func (r *Router) Model() *model.Model {
	return r.current.Load().Model
}

// Schema returns a copy of the schema of the installed generation.
func (r *Router) Schema() *schema.Node {
	return r.current.Load().Schema.Clone()
}

// Install compiles root and publishes the result as the new generation.
// When compilation fails the previous generation stays active. Values are
// not carried over: every field of the new generation starts at its zero
// value.
func (r *Router) Install(root *schema.Node) error {
	r.installMu.Lock()
	defer r.installMu.Unlock()

	m, ix, err := model.Compile(root)
	if err != nil {
		r.metrics.recordCompileFailure()
		r.logger.Error("Schema rejected, keeping previous model", "error", err)
		return errors.Wrap(err, "Router", "Install", "compile schema")
	}

	gen := &Generation{
		ID:          r.lastID.Add(1),
		Model:       m,
		Index:       ix,
		Schema:      root.Clone(),
		InstalledAt: time.Now(),
	}
	r.attachFeed(gen)

	prev := r.current.Swap(gen)
	r.metrics.recordInstall(gen.ID, ix.Len())

	attrs := []any{"generation", gen.ID, "fields", ix.Len()}
	if prev != nil {
		attrs = append(attrs, "previous", prev.ID)
	}
	r.logger.Info("Installed model", attrs...)
	return nil
}

// Route resolves (connectionID, key) against the current generation and
// applies raw to exactly one field. Misses and coercion failures are
// dropped without error.
func (r *Router) Route(connectionID uuid.UUID, key string, raw any) Result {
	gen := r.current.Load()

	field, ok := gen.Index.Lookup(connectionID, key)
	if !ok {
		r.metrics.recordResult(Unroutable)
		return Unroutable
	}

	var result Result
	switch field.Set(key, raw) {
	case model.SetChanged:
		result = Updated
	case model.SetUnchanged:
		result = Unchanged
	default:
		result = CoercionFailed
		if r.dropLog.Allow() {
			r.logger.Debug("Dropped update that does not fit field type",
				"connection_id", connectionID, "key", key,
				"field", field.Path(), "type", field.Type().String())
		}
	}
	r.metrics.recordResult(result)
	return result
}

// Watch registers fn for changes of every event-enabled field, across
// generations. The returned function removes it.
func (r *Router) Watch(fn func(FeedChange)) func() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	r.watchSeq++
	id := r.watchSeq
	current := *r.watchers.Load()
	next := make([]watcher, len(current), len(current)+1)
	copy(next, current)
	next = append(next, watcher{id: id, fn: fn})
	r.watchers.Store(&next)

	var once sync.Once
	return func() {
		once.Do(func() { r.unwatch(id) })
	}
}

func (r *Router) unwatch(id uint64) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	current := *r.watchers.Load()
	next := make([]watcher, 0, len(current))
	for _, w := range current {
		if w.id != id {
			next = append(next, w)
		}
	}
	r.watchers.Store(&next)
}

// attachFeed hooks one relay sink on each event-enabled field of gen.
func (r *Router) attachFeed(gen *Generation) {
	id := gen.ID
	relay := func(c model.Change) {
		for _, w := range *r.watchers.Load() {
			w.fn(FeedChange{Change: c, Generation: id})
		}
	}
	for _, f := range gen.Model.Fields() {
		if !f.EventsEnabled() {
			continue
		}
		if _, err := f.OnChange(relay); err != nil {
			r.logger.Warn("Failed to attach change feed", "field", f.Path(), "error", err)
		}
	}
}
