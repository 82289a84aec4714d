// Package engine wires the settings store, the router, the raw tree and the
// reconciliation loop into one running service.
package engine

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/topicmodel/config"
	"github.com/c360/topicmodel/connection"
	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/gateway"
	"github.com/c360/topicmodel/health"
	"github.com/c360/topicmodel/metric"
	"github.com/c360/topicmodel/rawtree"
	"github.com/c360/topicmodel/reconcile"
	"github.com/c360/topicmodel/router"
	"github.com/c360/topicmodel/schema"
	"github.com/c360/topicmodel/transport"
)

// SystemName names the aggregated health status.
const SystemName = "topicmodel"

// Health components tracked by the engine besides the connections.
const (
	componentSettings = "settings"
	componentModel    = "model"
)

// Option configures an Engine.
type Option func(*Engine) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			return stderrors.New("logger cannot be nil")
		}
		e.logger = logger
		return nil
	}
}

// WithMetrics registers engine, router and reconcile metrics in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) error {
		e.registry = registry
		return nil
	}
}

// WithOperationTimeout bounds each connector stop and start.
func WithOperationTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("operation timeout must be > 0, got %s", d)
		}
		e.opTimeout = d
		return nil
	}
}

// WithDropLogRate limits how often the router logs updates it drops
// because they do not coerce to the leaf type.
func WithDropLogRate(every time.Duration, burst int) Option {
	return func(e *Engine) error {
		e.routerOpts = append(e.routerOpts, router.WithDropLogRate(every, burst))
		return nil
	}
}

// Engine follows the settings store. A schema change installs a new model
// generation; any change to the schema or the connection list triggers a
// reconciliation run. Updates delivered by connectors feed both the raw
// tree and the router.
type Engine struct {
	store     config.Store
	router    *router.Router
	raw       *rawtree.Tree
	statuses  *connection.Statuses
	loop      *reconcile.Loop
	monitor   *health.Monitor
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	core      *metric.Metrics
	metrics   *engineMetrics
	opTimeout time.Duration

	routerOpts []router.Option

	requests     chan reconcile.Request
	lastActivity atomic.Int64
	startedAt    atomic.Int64

	// applyMu serializes settings changes; connections is what was last
	// handed to the loop.
	applyMu     sync.Mutex
	connections connection.List

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine over store that creates connectors with factory.
// Nothing runs until Start.
func New(store config.Store, factory transport.Factory, opts ...Option) (*Engine, error) {
	if store == nil || factory == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Engine", "New", "store and transport factory are required")
	}

	e := &Engine{
		store:       store,
		raw:         rawtree.New(),
		statuses:    connection.NewStatuses(),
		monitor:     health.NewMonitor(),
		logger:      slog.Default(),
		opTimeout:   30 * time.Second,
		requests:    make(chan reconcile.Request, 1),
		connections: connection.List{},
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, errors.WrapInvalid(err, "Engine", "New", "apply option")
		}
	}
	base := e.logger
	e.logger = e.logger.With("component", "engine")

	metrics, err := newEngineMetrics(e.registry)
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "New", "register metrics")
	}
	e.metrics = metrics
	if e.registry != nil {
		e.core = e.registry.CoreMetrics()
	}

	routerOpts := append([]router.Option{router.WithLogger(base), router.WithMetrics(e.registry)}, e.routerOpts...)
	e.router, err = router.New(routerOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "New", "create router")
	}
	e.loop, err = reconcile.New(factory, reconcile.SinkFunc(e.deliver), e.statuses,
		reconcile.WithLogger(base),
		reconcile.WithMetrics(e.registry),
		reconcile.WithOperationTimeout(e.opTimeout),
		reconcile.WithRemovedHook(e.dropRaw),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "New", "create reconcile loop")
	}
	return e, nil
}

// Router returns the router holding the live model.
func (e *Engine) Router() *router.Router { return e.router }

// Raw returns the raw passthrough tree.
func (e *Engine) Raw() *rawtree.Tree { return e.raw }

// Statuses returns the connection statuses.
func (e *Engine) Statuses() *connection.Statuses { return e.statuses }

// Loop returns the reconciliation loop.
func (e *Engine) Loop() *reconcile.Loop { return e.loop }

// Monitor returns the health monitor the engine reports into.
func (e *Engine) Monitor() *health.Monitor { return e.monitor }

// Dependencies returns what the HTTP gateway needs from the engine.
func (e *Engine) Dependencies() gateway.Dependencies {
	return gateway.Dependencies{
		Router:   e.router,
		Raw:      e.raw,
		Statuses: e.statuses,
		Store:    e.store,
		Health:   e.Health,
	}
}

// Start loads the current settings, applies them and follows the store
// until Stop. An invalid stored document is logged and replaced by its
// default; it does not fail Start. A stopped engine cannot be started
// again.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Engine", "Start", "engine already running")
	}
	if e.stopped {
		return errors.ErrShuttingDown
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	changes, err := e.store.Watch(runCtx)
	if err != nil {
		cancel()
		return errors.Wrap(err, "Engine", "Start", "watch settings")
	}

	settings, err := e.store.Load(ctx)
	switch {
	case err == nil:
		e.monitor.UpdateHealthy(componentSettings, "Settings loaded")
	case errors.IsInvalid(err):
		e.logger.Warn("Stored settings partly invalid, using defaults for the invalid part", "error", err)
		e.monitor.UpdateDegraded(componentSettings, health.SanitizeError(err))
	default:
		cancel()
		return errors.Wrap(err, "Engine", "Start", "load settings")
	}

	e.startedAt.Store(time.Now().UnixNano())
	e.apply(settings, config.SchemaChanged|config.ConnectionsChanged)

	e.cancel = cancel
	e.running = true
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.loop.Run(runCtx, e.requests)
	}()
	go func() {
		defer e.wg.Done()
		e.follow(runCtx, changes)
	}()

	e.logger.Info("Engine started",
		"connections", len(settings.Connections),
		"generation", e.router.Current().ID)
	return nil
}

// Stop stops following the store and shuts every connector down, waiting
// up to timeout.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	e.stopped = true
	e.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("Engine goroutines did not stop in time")
	}

	if err := e.loop.Shutdown(ctx); err != nil {
		e.logger.Error("Connector shutdown finished with errors", "error", err)
		return errors.Wrap(err, "Engine", "Stop", "shutdown connectors")
	}
	e.logger.Info("Engine stopped")
	return nil
}

// IsRunning reports whether the engine is started.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) follow(ctx context.Context, changes <-chan config.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				e.logger.Warn("Settings store closed its watch channel")
				e.monitor.UpdateUnhealthy(componentSettings, "Settings store stopped delivering changes")
				return
			}
			e.handleChange(c)
		}
	}
}

func (e *Engine) handleChange(c config.Change) {
	if c.Err != nil {
		e.metrics.recordChange(c.Kind, false)
		e.logger.Warn("Ignoring invalid stored settings", "kind", c.Kind.String(), "error", c.Err)
		e.monitor.UpdateDegraded(componentSettings, health.SanitizeError(c.Err))
	} else {
		e.metrics.recordChange(c.Kind, true)
		e.monitor.UpdateHealthy(componentSettings, "Settings loaded")
	}
	e.apply(c.Settings, c.Kind)
}

// apply installs what changed and queues a reconciliation run when the
// installed schema or the connection list is different afterwards.
func (e *Engine) apply(s config.Settings, kind config.ChangeKind) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	schemaChanged := kind.Has(config.SchemaChanged) && e.installSchema(s.Schema)

	connsChanged := false
	if kind.Has(config.ConnectionsChanged) && !slices.Equal(e.connections, s.Connections) {
		e.connections = append(connection.List{}, s.Connections...)
		e.applyConnections(e.connections)
		connsChanged = true
	}

	if schemaChanged || connsChanged {
		e.enqueue(reconcile.Request{Connections: e.connections, Schema: e.router.Schema()})
	}
}

// installSchema reports whether a new generation was installed. A schema
// equal to the installed one is skipped so field values survive rewrites
// of an unchanged document.
func (e *Engine) installSchema(root *schema.Node) bool {
	if root == nil || sameSchema(root, e.router.Current().Schema) {
		return false
	}
	if err := e.router.Install(root); err != nil {
		e.metrics.recordInstall(false)
		e.logger.Error("Schema rejected, keeping previous model", "error", err)
		e.monitor.UpdateDegraded(componentModel, health.SanitizeError(err))
		return false
	}

	gen := e.router.Current()
	e.metrics.recordInstall(true)
	e.monitor.UpdateHealthy(componentModel, fmt.Sprintf("Generation %d installed", gen.ID))
	e.logger.Info("Model installed",
		"generation", gen.ID,
		"fields", len(gen.Model.Fields()),
		"addresses", gen.Index.Len())
	return true
}

func (e *Engine) applyConnections(list connection.List) {
	for _, id := range e.raw.Retain(list.IDs()) {
		e.logger.Debug("Dropped raw tree of removed connection", "connection_id", id)
	}
	for _, c := range list {
		e.raw.SetLabel(c.ID, c.DisplayName)
	}
}

// dropRaw runs once the connector of a removed connection is torn down.
// Updates it delivered between apply and the teardown may have brought the
// subtree back, so it is dropped again unless the id was configured anew.
func (e *Engine) dropRaw(id uuid.UUID) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	if _, ok := e.connections.Find(id); ok {
		return
	}
	if e.raw.Remove(id) {
		e.logger.Debug("Dropped raw tree of removed connection", "connection_id", id)
	}
}

// enqueue hands req to the loop, replacing a request it has not picked up
// yet. Only apply sends, under applyMu.
func (e *Engine) enqueue(req reconcile.Request) {
	for {
		select {
		case e.requests <- req:
			return
		default:
		}
		select {
		case <-e.requests:
		default:
		}
	}
}

// deliver is the reconcile sink: every update lands in the raw tree and is
// offered to the router.
func (e *Engine) deliver(id uuid.UUID, key string, payload []byte) {
	e.lastActivity.Store(time.Now().UnixNano())
	e.raw.Ingest(id, key, payload)
	e.router.Route(id, key, payload)
	if e.core != nil {
		e.core.RecordRawTreeSize(id.String(), e.raw.Len(id))
	}
}

// Health aggregates the engine components and the connection statuses.
func (e *Engine) Health() health.Status {
	connStatus := health.Connections(e.statuses.All())
	st := e.monitor.AggregateHealth(SystemName, connStatus)

	gen := e.router.Current()
	m := &health.Metrics{
		Generation: gen.ID,
		Fields:     len(gen.Model.Fields()),
		Connected:  e.statuses.ConnectedCount(),
		Configured: len(e.statuses.All()),
	}
	if started := e.startedAt.Load(); started != 0 {
		m.Uptime = time.Since(time.Unix(0, started))
	}
	if last := e.lastActivity.Load(); last != 0 {
		m.LastActivity = time.Unix(0, last)
	}
	return st.WithMetrics(m)
}

func sameSchema(a, b *schema.Node) bool {
	ja, errA := schema.EncodeJSON(a)
	jb, errB := schema.EncodeJSON(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
