package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/topicmodel/config"
	"github.com/c360/topicmodel/connection"
	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/health"
	"github.com/c360/topicmodel/metric"
	"github.com/c360/topicmodel/rawtree"
	"github.com/c360/topicmodel/router"
)

// Dependencies are the parts of the running service the gateway reads from
// and writes through.
type Dependencies struct {
	Router   *router.Router
	Raw      *rawtree.Tree
	Statuses *connection.Statuses
	Store    config.Store
	// Health reports overall service health for GET /health. When nil the
	// connection statuses alone decide.
	Health func() health.Status
}

// Option configures a Server.
type Option func(*Server) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithMetrics registers gateway metrics in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Server) error {
		m, err := newGatewayMetrics(registry)
		if err != nil {
			return err
		}
		s.metrics = m
		return nil
	}
}

// Server serves the read API, the settings write API and the change event
// stream over HTTP.
type Server struct {
	config   Config
	deps     Dependencies
	logger   *slog.Logger
	metrics  *gatewayMetrics
	upgrader websocket.Upgrader
	handler  http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener

	clientsMu sync.Mutex
	clients   map[*eventClient]struct{}
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewServer validates cfg and builds the routes. It does not listen until
// Start.
func NewServer(cfg Config, deps Dependencies, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Server", "NewServer", "config validation")
	}
	if deps.Router == nil || deps.Raw == nil || deps.Statuses == nil || deps.Store == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "NewServer",
			"router, raw tree, statuses and store are required")
	}

	s := &Server{
		config:   cfg,
		deps:     deps,
		logger:   slog.Default(),
		clients:  make(map[*eventClient]struct{}),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.WrapInvalid(err, "Server", "NewServer", "apply option")
		}
	}
	s.logger = s.logger.With("component", "gateway")
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.originAllowed,
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/model", s.instrument("model", s.handleModel))
	mux.HandleFunc("GET /api/model/{path...}", s.instrument("model_path", s.handleModelPath))
	mux.HandleFunc("GET /api/schema", s.instrument("schema_get", s.handleGetSchema))
	mux.HandleFunc("PUT /api/schema", s.instrument("schema_put", s.handlePutSchema))
	mux.HandleFunc("GET /api/connections", s.instrument("connections_get", s.handleGetConnections))
	mux.HandleFunc("PUT /api/connections", s.instrument("connections_put", s.handlePutConnections))
	mux.HandleFunc("GET /api/status", s.instrument("status", s.handleStatus))
	mux.HandleFunc("GET /api/raw", s.instrument("raw", s.handleRawAll))
	mux.HandleFunc("GET /api/raw/{connectionId}", s.instrument("raw_connection", s.handleRaw))
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /health", s.instrument("health", s.handleHealth))

	var handler http.Handler = mux
	if s.config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	return requestID(handler)
}

// Handler returns the HTTP handler with every route and middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "server already running")
	}

	ln, err := net.Listen("tcp", s.config.BindAddress)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.config.BindAddress))
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.Timeout,
		IdleTimeout:       60 * time.Second,
	}

	srv := s.httpServer
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()
	s.logger.Info("Gateway listening", "address", ln.Addr().String())
	return nil
}

// Stop shuts the server down, closes every event stream and waits up to
// timeout for both.
func (s *Server) Stop(timeout time.Duration) error {
	s.stopOnce.Do(func() { close(s.shutdown) })
	s.closeClients()

	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if srv != nil {
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			s.logger.Error("Failed to shutdown server gracefully", "error", shutdownErr)
			err = errors.WrapTransient(shutdownErr, "Server", "Stop", "graceful shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Event clients did not stop in time")
	}
	return err
}

// Address returns the bound listen address, or the configured one before
// Start.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.BindAddress
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)
		s.metrics.recordRequest(route, rec.code)
		if rec.code >= http.StatusInternalServerError {
			s.logger.Warn("Request failed",
				"route", route,
				"status", rec.code,
				"request_id", w.Header().Get("X-Request-ID"))
		}
	}
}

// requestID echoes X-Request-ID or assigns a new one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || !s.config.EnableCORS {
		return true
	}
	for _, allowed := range s.config.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.originAllowed(r) {
			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			} else {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
