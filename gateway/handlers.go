package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/topicmodel/connection"
	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/health"
	"github.com/c360/topicmodel/model"
	"github.com/c360/topicmodel/schema"
)

// maskedPassword replaces stored passwords in responses. A PUT that sends
// it back keeps the stored password.
const maskedPassword = "********"

type modelResponse struct {
	Generation  uint64         `json:"generation"`
	InstalledAt time.Time      `json:"installedAt"`
	Path        string         `json:"path"`
	Values      map[string]any `json:"values"`
}

type fieldResponse struct {
	Generation   uint64     `json:"generation"`
	Path         string     `json:"path"`
	Type         string     `json:"valueType"`
	Key          string     `json:"key"`
	ConnectionID *uuid.UUID `json:"connectionId,omitempty"`
	Events       bool       `json:"generateEvent"`
	Value        any        `json:"value"`
	LastKey      string     `json:"lastKey,omitempty"`
}

type connectionResponse struct {
	connection.Settings
	IsConnected bool `json:"isConnected"`
}

func (s *Server) handleModel(w http.ResponseWriter, _ *http.Request) {
	gen := s.deps.Router.Current()
	root := gen.Model.Root()
	writeJSON(w, http.StatusOK, modelResponse{
		Generation:  gen.ID,
		InstalledAt: gen.InstalledAt,
		Path:        root.Path(),
		Values:      jsonSafeMap(root.Snapshot()),
	})
}

func (s *Server) handleModelPath(w http.ResponseWriter, r *http.Request) {
	gen := s.deps.Router.Current()
	path := r.PathValue("path")
	member, ok := gen.Model.Find(path)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no group or field at %q", path))
		return
	}

	switch m := member.(type) {
	case *model.Group:
		writeJSON(w, http.StatusOK, modelResponse{
			Generation:  gen.ID,
			InstalledAt: gen.InstalledAt,
			Path:        m.Path(),
			Values:      jsonSafeMap(m.Snapshot()),
		})
	case model.Field:
		resp := fieldResponse{
			Generation: gen.ID,
			Path:       m.Path(),
			Type:       m.Type().String(),
			Key:        m.Key(),
			Events:     m.EventsEnabled(),
			Value:      jsonSafe(m.Value()),
			LastKey:    m.LastKey(),
		}
		if id := m.ConnectionID(); id != uuid.Nil {
			resp.ConnectionID = &id
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	root := s.deps.Router.Schema()
	if wantsYAML(r) {
		data, err := schema.EncodeYAML(root)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

func (s *Server) handlePutSchema(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var (
		root *schema.Node
		err  error
	)
	if isYAML(r.Header.Get("Content-Type")) {
		root, err = schema.DecodeYAML(body)
	} else {
		root, err = schema.DecodeJSON(body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.Timeout)
	defer cancel()
	if err := s.deps.Store.SaveSchema(ctx, root); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("Schema saved", "label", root.Label, "leaves", len(schema.Leaves(root)))
	writeJSON(w, http.StatusOK, root)
}

func (s *Server) handleGetConnections(w http.ResponseWriter, r *http.Request) {
	list, ok := s.loadConnections(w, r)
	if !ok {
		return
	}
	out := make([]connectionResponse, 0, len(list))
	for _, c := range list {
		st, _ := s.deps.Statuses.Get(c.ID)
		out = append(out, connectionResponse{Settings: maskCredentials(c), IsConnected: st.IsConnected})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutConnections(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var list connection.List
	if err := json.Unmarshal(body, &list); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: %v", errors.ErrInvalidSettings, err))
		return
	}

	current, ok := s.loadConnections(w, r)
	if !ok {
		return
	}
	for i := range list {
		list[i] = fillDefaults(list[i], current)
	}
	if list == nil {
		list = connection.List{}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.Timeout)
	defer cancel()
	if err := s.deps.Store.SaveConnections(ctx, list); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("Connections saved", "count", len(list))

	out := make([]connection.Settings, 0, len(list))
	for _, c := range list {
		out = append(out, maskCredentials(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) loadConnections(w http.ResponseWriter, r *http.Request) (connection.List, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.Timeout)
	defer cancel()

	settings, err := s.deps.Store.Load(ctx)
	if err != nil && !errors.IsInvalid(err) {
		s.writeStoreError(w, err)
		return nil, false
	}
	if err != nil {
		s.logger.Warn("Stored settings partly invalid", "error", err)
	}
	return settings.Connections, true
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Statuses.All())
}

func (s *Server) handleRawAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Raw.SnapshotAll())
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("connectionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "connection id must be a UUID")
		return
	}
	tree, ok := s.deps.Raw.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no raw data for connection %s", id))
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var st health.Status
	if s.deps.Health != nil {
		st = s.deps.Health()
	} else {
		st = health.Connections(s.deps.Statuses.All())
	}
	code := http.StatusOK
	if st.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

// readBody reads at most MaxRequestSize bytes. It writes the error response
// itself and reports false when the body cannot be used.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if int64(len(body)) > s.config.MaxRequestSize {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", s.config.MaxRequestSize))
		return nil, false
	}
	return body, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Store operation failed", "error", err)
	}
	writeError(w, code, errorMessage(err))
}

// errorStatus maps classified errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case stderrors.Is(err, errors.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.IsFatal(err):
		return http.StatusInternalServerError
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorMessage returns what a client may see. Validation failures are
// shown in full; anything else is reduced so hosts and paths do not leak.
func errorMessage(err error) string {
	if err == nil {
		return "internal server error"
	}
	if errors.IsInvalid(err) {
		return err.Error()
	}
	switch errorStatus(err) {
	case http.StatusGatewayTimeout:
		return "request timeout"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable: " + health.SanitizeError(err)
	}
	return "internal server error"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	data, _ := json.Marshal(map[string]any{
		"error":  message,
		"status": code,
	})
	_, _ = w.Write(data)
}

func isYAML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasSuffix(mediaType, "yaml")
}

func wantsYAML(r *http.Request) bool {
	if f := r.URL.Query().Get("format"); f != "" {
		return f == "yaml" || f == "yml"
	}
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		if isYAML(strings.TrimSpace(part)) {
			return true
		}
	}
	return false
}

func maskCredentials(c connection.Settings) connection.Settings {
	if c.Credentials.Password != "" {
		c.Credentials.Password = maskedPassword
	}
	return c
}

// fillDefaults gives a new entry an id and the default port and client id,
// and restores a masked password from the stored entry with the same id.
func fillDefaults(c connection.Settings, current connection.List) connection.Settings {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Port == 0 {
		c.Port = connection.DefaultPort
	}
	if strings.TrimSpace(c.ClientID) == "" {
		c.ClientID = connection.DefaultClientID(c.ID)
	}
	if c.Credentials.Password == maskedPassword {
		c.Credentials.Password = ""
		if stored, ok := current.Find(c.ID); ok {
			c.Credentials.Password = stored.Credentials.Password
		}
	}
	return c
}

// jsonSafe turns non-finite floats into strings; encoding/json rejects
// them.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return model.Text(x)
		}
	case map[string]any:
		return jsonSafeMap(x)
	}
	return v
}

func jsonSafeMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = jsonSafe(v)
	}
	return m
}
