package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/topicmodel/router"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxReadSize  = 512
)

// Event is one field change on the event stream.
type Event struct {
	Type       string    `json:"type"`
	Generation uint64    `json:"generation"`
	Path       string    `json:"path"`
	Key        string    `json:"key"`
	Value      any       `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

type eventClient struct {
	conn    *websocket.Conn
	send    chan Event
	done    chan struct{}
	once    sync.Once
	unwatch func()
}

// offer queues ev without blocking the routing goroutine. It reports false
// when the client is behind and the event was dropped.
func (c *eventClient) offer(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// handleEvents upgrades to a WebSocket and streams one JSON message per
// field change of every event-enabled field.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		s.metrics.recordRequest("events", http.StatusServiceUnavailable)
		return
	default:
	}

	client := &eventClient{
		send: make(chan Event, s.config.EventBuffer),
		done: make(chan struct{}),
	}
	// Watch before the handshake completes so no change after it is lost.
	client.unwatch = s.deps.Router.Watch(func(c router.FeedChange) {
		sent := client.offer(Event{
			Type:       "change",
			Generation: c.Generation,
			Path:       c.Path,
			Key:        c.Key,
			Value:      jsonSafe(c.Value),
			Timestamp:  time.Now(),
		})
		s.metrics.recordEvent(sent)
	})

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		client.unwatch()
		s.metrics.recordRequest("events", http.StatusBadRequest)
		s.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	client.conn = conn
	s.metrics.recordRequest("events", http.StatusSwitchingProtocols)

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.metrics.recordClients(count)
	s.logger.Debug("Event client connected", "remote", r.RemoteAddr, "clients", count)

	s.wg.Add(2)
	go s.writeEvents(client)
	go s.readControl(client)
}

func (s *Server) writeEvents(c *eventClient) {
	defer s.wg.Done()
	defer s.removeClient(c)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("Failed to encode change event", "path", ev.Path, "error", err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readControl drains client frames so pongs and close frames are handled.
// The stream is one way; anything else the client sends is ignored.
func (s *Server) readControl(c *eventClient) {
	defer s.wg.Done()
	defer s.removeClient(c)

	c.conn.SetReadLimit(maxReadSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(c *eventClient) {
	c.once.Do(func() {
		close(c.done)
		c.unwatch()
		_ = c.conn.Close()

		s.clientsMu.Lock()
		delete(s.clients, c)
		count := len(s.clients)
		s.clientsMu.Unlock()
		s.metrics.recordClients(count)
	})
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	clients := make([]*eventClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.removeClient(c)
	}
}
