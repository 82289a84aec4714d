// Package reconcile keeps one transport connector per configured connection
// and subscribes each to the keys the current schema needs from it.
package reconcile

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360/topicmodel/connection"
	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/metric"
	"github.com/c360/topicmodel/schema"
	"github.com/c360/topicmodel/transport"
)

// State is the lifecycle state of one connector.
type State int32

const (
	StateAbsent State = iota
	StateStarting
	StateConnected
	StateDisconnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sink receives every update a connector delivers.
type Sink interface {
	Deliver(connectionID uuid.UUID, key string, payload []byte)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(connectionID uuid.UUID, key string, payload []byte)

// Deliver implements Sink.
func (f SinkFunc) Deliver(connectionID uuid.UUID, key string, payload []byte) {
	f(connectionID, key, payload)
}

// Request is what one reconciliation run works towards.
type Request struct {
	Connections connection.List
	Schema      *schema.Node
}

// ConnectorInfo describes a live connector.
type ConnectorInfo struct {
	ID      uuid.UUID
	State   State
	Filters []string
}

type liveConnector struct {
	conn     transport.Connector
	settings connection.Settings
	filters  []string

	// detached is set before a connector is torn down; events arriving
	// after that are dropped. gate is held shared while a message is
	// delivered, so once detach returns no delivery is in flight.
	gate     sync.RWMutex
	detached atomic.Bool
	state    atomic.Int32
}

func (lc *liveConnector) detach() {
	lc.gate.Lock()
	lc.detached.Store(true)
	lc.gate.Unlock()
}

func (lc *liveConnector) setState(s State) { lc.state.Store(int32(s)) }

// Option configures a Loop.
type Option func(*Loop) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) error {
		if logger == nil {
			return stderrors.New("logger cannot be nil")
		}
		l.logger = logger
		return nil
	}
}

// WithMetrics registers the loop metrics and records connection events on
// the registry's core metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(l *Loop) error {
		m, err := newLoopMetrics(registry)
		if err != nil {
			return err
		}
		l.metrics = m
		if registry != nil {
			l.core = registry.CoreMetrics()
		}
		return nil
	}
}

// WithStatusListener calls fn whenever a connection's connected flag flips.
// fn runs on transport goroutines and must not block.
func WithStatusListener(fn func(connection.Status)) Option {
	return func(l *Loop) error {
		l.onStatus = fn
		return nil
	}
}

// WithRemovedHook calls fn with the id of every connector removed by a
// reconciliation, after the connector is torn down and no more updates from
// it reach the sink.
func WithRemovedHook(fn func(uuid.UUID)) Option {
	return func(l *Loop) error {
		l.onRemoved = fn
		return nil
	}
}

// WithOperationTimeout bounds each connector Stop and Start.
func WithOperationTimeout(d time.Duration) Option {
	return func(l *Loop) error {
		if d <= 0 {
			return fmt.Errorf("operation timeout must be > 0, got %s", d)
		}
		l.opTimeout = d
		return nil
	}
}

// Loop owns the connectors. Runs are serialized; events from connectors
// arrive concurrently with them.
type Loop struct {
	factory   transport.Factory
	sink      Sink
	statuses  *connection.Statuses
	logger    *slog.Logger
	metrics   *loopMetrics
	core      *metric.Metrics
	onStatus  func(connection.Status)
	onRemoved func(uuid.UUID)
	opTimeout time.Duration

	mu     sync.Mutex
	live   map[uuid.UUID]*liveConnector
	order  []uuid.UUID
	closed bool
}

// New creates a loop. statuses is rebuilt on every run and updated by
// connect and disconnect events.
func New(factory transport.Factory, sink Sink, statuses *connection.Statuses, opts ...Option) (*Loop, error) {
	if factory == nil || sink == nil || statuses == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Loop", "New", "check dependencies")
	}
	l := &Loop{
		factory:   factory,
		sink:      sink,
		statuses:  statuses,
		logger:    slog.Default(),
		opTimeout: 30 * time.Second,
		live:      make(map[uuid.UUID]*liveConnector),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, errors.WrapInvalid(err, "Loop", "New", "apply option")
		}
	}
	l.logger = l.logger.With("component", "reconcile")
	return l, nil
}

// Reconcile brings the connectors in line with list and root. Connectors
// whose settings entry disappeared are destroyed, new entries get a
// connector, and every connector is stopped and restarted with its key set
// plus the catch-all. Failures of single connectors are joined into the
// returned error; they never stop the others.
func (l *Loop) Reconcile(ctx context.Context, list connection.List, root *schema.Node) (err error) {
	started := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.ErrShuttingDown
	}
	if err := list.Validate(); err != nil {
		return errors.WrapInvalid(err, "Loop", "Reconcile", "validate connections")
	}

	plan := Plan(root, list)
	defer func() {
		l.metrics.recordRun(started, err, len(l.live), len(plan.Orphans))
	}()
	for _, o := range plan.Orphans {
		l.logger.Warn("Leaf is bound to an undeclared connection",
			"path", o.Path,
			"connection_id", o.Node.ConnectionID,
			"key", o.Node.Key)
	}

	desired := make(map[uuid.UUID]struct{}, len(list))
	for _, s := range list {
		desired[s.ID] = struct{}{}
	}

	var errs []error
	for _, id := range l.order {
		if _, keep := desired[id]; keep {
			continue
		}
		if err := l.destroy(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	l.statuses.Rebuild(list)
	l.recordConnections()

	l.order = l.order[:0]
	for _, s := range list {
		l.order = append(l.order, s.ID)
		lc, ok := l.live[s.ID]
		if !ok {
			lc, err = l.create(s.ID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			l.live[s.ID] = lc
		}
		lc.settings = s
		lc.filters = plan.Filters(s.ID)
	}

	var (
		g     errgroup.Group
		errMu sync.Mutex
	)
	for _, id := range l.order {
		lc, ok := l.live[id]
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := l.restart(ctx, lc); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	l.logger.Info("Reconciled connections",
		"connections", len(list),
		"orphans", len(plan.Orphans),
		"failures", len(errs),
		"duration", time.Since(started))
	return stderrors.Join(errs...)
}

func (l *Loop) create(id uuid.UUID) (*liveConnector, error) {
	lc := &liveConnector{}
	conn, err := l.factory(id, l.events(id, lc))
	if err != nil {
		return nil, errors.WrapTransient(err, "Loop", "Reconcile", "create connector "+id.String())
	}
	lc.conn = conn
	lc.setState(StateStopped)
	l.logger.Debug("Created connector", "connection_id", id)
	return lc, nil
}

func (l *Loop) restart(ctx context.Context, lc *liveConnector) error {
	id := lc.settings.ID

	stopCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
	stopErr := lc.conn.Stop(stopCtx)
	cancel()
	if stopErr != nil {
		l.logger.Warn("Connector stop failed", "connection_id", id, "error", stopErr)
	}
	l.setConnected(id, false)

	lc.setState(StateStarting)
	startCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()
	if err := lc.conn.Start(startCtx, lc.settings, lc.filters); err != nil {
		lc.setState(StateDisconnected)
		l.metrics.recordStartFailure()
		l.logger.Warn("Connector start failed",
			"connection_id", id,
			"display_name", lc.settings.DisplayName,
			"address", lc.settings.Address(),
			"error", err)
		return errors.Wrap(err, "Loop", "Reconcile", fmt.Sprintf("start connector %q", lc.settings.DisplayName))
	}

	l.logger.Debug("Connector started", "connection_id", id, "filters", len(lc.filters))
	return nil
}

// destroy removes a connector and tears it down. Callers hold l.mu.
func (l *Loop) destroy(ctx context.Context, id uuid.UUID) error {
	lc, ok := l.live[id]
	if !ok {
		return nil
	}
	delete(l.live, id)
	if l.core != nil {
		l.core.ForgetConnection(id.String())
	}
	l.logger.Info("Removed connector", "connection_id", id)
	err := l.teardown(ctx, id, lc)
	if l.onRemoved != nil {
		l.onRemoved(id)
	}
	return err
}

// teardown detaches the connector's events first so nothing it reports
// afterwards reaches the sink or the statuses.
func (l *Loop) teardown(ctx context.Context, id uuid.UUID, lc *liveConnector) error {
	lc.detach()

	stopCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()
	err := stderrors.Join(lc.conn.Stop(stopCtx), lc.conn.Close())
	lc.setState(StateStopped)
	return errors.Wrap(err, "Loop", "teardown", "tear down connector "+id.String())
}

func (l *Loop) events(id uuid.UUID, lc *liveConnector) transport.Events {
	return transport.Events{
		OnMessage: func(connectionID uuid.UUID, key string, payload []byte) {
			lc.gate.RLock()
			defer lc.gate.RUnlock()
			if lc.detached.Load() {
				return
			}
			if l.core != nil {
				l.core.RecordMessage(connectionID.String())
			}
			l.sink.Deliver(connectionID, key, payload)
		},
		OnConnect: func(uuid.UUID) {
			if lc.detached.Load() {
				return
			}
			lc.setState(StateConnected)
			if l.core != nil {
				l.core.RecordConnectionEvent(id.String(), true)
			}
			l.logger.Info("Connection established", "connection_id", id)
			l.setConnected(id, true)
		},
		OnDisconnect: func(_ uuid.UUID, err error) {
			if lc.detached.Load() {
				return
			}
			lc.setState(StateDisconnected)
			if l.core != nil {
				l.core.RecordConnectionEvent(id.String(), false)
			}
			l.logger.Warn("Connection lost", "connection_id", id, "error", err)
			l.setConnected(id, false)
		},
	}
}

func (l *Loop) setConnected(id uuid.UUID, connected bool) {
	if !l.statuses.SetConnected(id, connected) {
		return
	}
	l.recordConnections()
	if l.onStatus != nil {
		if st, ok := l.statuses.Get(id); ok {
			l.onStatus(st)
		}
	}
}

func (l *Loop) recordConnections() {
	if l.core == nil {
		return
	}
	all := l.statuses.All()
	l.core.RecordConnections(len(all), l.statuses.ConnectedCount())
}

// Run reconciles every request received on requests until ctx is done or
// the channel closes. Requests that queue up while a run is in progress
// collapse into the newest one.
func (l *Loop) Run(ctx context.Context, requests <-chan Request) {
	for {
		var req Request
		select {
		case <-ctx.Done():
			return
		case r, ok := <-requests:
			if !ok {
				return
			}
			req = r
		}

	drain:
		for {
			select {
			case r, ok := <-requests:
				if !ok {
					break drain
				}
				req = r
			default:
				break drain
			}
		}

		if err := l.Reconcile(ctx, req.Connections, req.Schema); err != nil {
			if stderrors.Is(err, errors.ErrShuttingDown) {
				return
			}
			l.logger.Error("Reconciliation finished with errors", "error", err)
		}
	}
}

// Shutdown stops and closes every connector. Later runs fail with
// ErrShuttingDown.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var (
		g     errgroup.Group
		errMu sync.Mutex
		errs  []error
	)
	for id, lc := range l.live {
		g.Go(func() error {
			if err := l.teardown(ctx, id, lc); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	l.live = make(map[uuid.UUID]*liveConnector)
	l.order = nil

	for _, st := range l.statuses.All() {
		l.setConnected(st.ConnectionID, false)
	}
	l.metrics.recordLive(0)
	return stderrors.Join(errs...)
}

// State returns the state of the connector for id.
func (l *Loop) State(id uuid.UUID) State {
	l.mu.Lock()
	lc, ok := l.live[id]
	l.mu.Unlock()
	if !ok {
		return StateAbsent
	}
	return State(lc.state.Load())
}

// Connectors describes the live connectors in settings order.
func (l *Loop) Connectors() []ConnectorInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ConnectorInfo, 0, len(l.order))
	for _, id := range l.order {
		lc, ok := l.live[id]
		if !ok {
			continue
		}
		out = append(out, ConnectorInfo{
			ID:      id,
			State:   State(lc.state.Load()),
			Filters: append([]string(nil), lc.filters...),
		})
	}
	return out
}
