package config

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/c360/topicmodel/connection"
	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/schema"
)

// FileStore keeps settings in one JSON or YAML document:
//
//	{"schema": {...}, "connections": [...]}
//
// Edits made to the file by hand are picked up and delivered on Watch.
type FileStore struct {
	*state
	path     string
	yaml     bool
	debounce time.Duration
	logger   *slog.Logger

	writeMu sync.Mutex

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup

	timerMu sync.Mutex
	timer   *time.Timer
}

type jsonDocument struct {
	Schema      json.RawMessage `json:"schema,omitempty"`
	Connections json.RawMessage `json:"connections,omitempty"`
}

type yamlDocument struct {
	Schema      *schema.Node    `yaml:"schema,omitempty"`
	Connections connection.List `yaml:"connections"`
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore) error

// WithDebounce sets how long the store waits after the last file event
// before reloading.
func WithDebounce(d time.Duration) FileStoreOption {
	return func(s *FileStore) error {
		if d < 0 {
			return fmt.Errorf("debounce must be >= 0, got %s", d)
		}
		s.debounce = d
		return nil
	}
}

// WithFileLogger sets the logger.
func WithFileLogger(logger *slog.Logger) FileStoreOption {
	return func(s *FileStore) error {
		if logger == nil {
			return stderrors.New("logger cannot be nil")
		}
		s.logger = logger
		return nil
	}
}

// NewFileStore returns a store backed by path and starts watching its
// directory. The file does not need to exist yet.
func NewFileStore(path string, opts ...FileStoreOption) (*FileStore, error) {
	if err := validatePath(path, documentExts...); err != nil {
		return nil, errors.WrapInvalid(err, "FileStore", "New", "validate path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "FileStore", "New", "resolve path")
	}

	s := &FileStore{
		state:    newState(),
		path:     abs,
		yaml:     hasExt(abs, ".yaml", ".yml"),
		debounce: 250 * time.Millisecond,
		logger:   slog.Default(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.WrapInvalid(err, "FileStore", "New", "apply option")
		}
	}
	s.logger = s.logger.With("component", "file-store", "path", abs)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WrapFatal(err, "FileStore", "New", "create watcher")
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, errors.WrapFatal(err, "FileStore", "New", "watch directory")
	}
	s.watcher = w

	s.wg.Add(1)
	go s.processEvents()
	return s, nil
}

// Path returns the absolute path of the document.
func (s *FileStore) Path() string { return s.path }

// Load implements Store.
func (s *FileStore) Load(_ context.Context) (Settings, error) {
	if s.isClosed() {
		return Settings{}, errors.ErrShuttingDown
	}
	err := s.reload()
	return s.snapshot(), err
}

// SaveSchema implements Store.
func (s *FileStore) SaveSchema(_ context.Context, root *schema.Node) error {
	if err := ValidateSchema(root); err != nil {
		return errors.WrapInvalid(err, "FileStore", "SaveSchema", "validate schema")
	}
	return s.write(func(cur *Settings) { cur.Schema = root.Clone() }, SchemaChanged)
}

// SaveConnections implements Store.
func (s *FileStore) SaveConnections(_ context.Context, list connection.List) error {
	if err := list.Validate(); err != nil {
		return errors.WrapInvalid(err, "FileStore", "SaveConnections", "validate connections")
	}
	return s.write(func(cur *Settings) { cur.Connections = append(connection.List{}, list...) }, ConnectionsChanged)
}

func (s *FileStore) write(fn func(cur *Settings), kind ChangeKind) error {
	if s.isClosed() {
		return errors.ErrShuttingDown
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.snapshot()
	fn(&next)
	data, err := s.encode(next)
	if err != nil {
		return errors.WrapInvalid(err, "FileStore", "write", "encode document")
	}
	if err := safeWriteFile(s.path, data, documentExts...); err != nil {
		return errors.WrapTransient(err, "FileStore", "write", "write document")
	}
	s.update(kind, fn)
	return nil
}

// Watch implements Store.
func (s *FileStore) Watch(ctx context.Context) (<-chan Change, error) {
	return s.watch(ctx)
}

// Close stops watching the file and closes every Watch channel.
func (s *FileStore) Close() error {
	if s.isClosed() {
		return nil
	}
	close(s.stop)
	err := s.watcher.Close()
	s.wg.Wait()

	s.timerMu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerMu.Unlock()

	s.close()
	return err
}

func (s *FileStore) processEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				s.schedule()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("File watcher error", "error", err)
		}
	}
}

// schedule coalesces bursts of file events into one reload.
func (s *FileStore) schedule() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if s.isClosed() {
			return
		}
		if err := s.reload(); err != nil {
			s.logger.Warn("Ignoring invalid settings document", "error", err)
		}
	})
}

// reload reads the document and installs whatever parts of it are valid
// and different from the current state.
func (s *FileStore) reload() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := safeReadFile(s.path, documentExts...)
	if stderrors.Is(err, fs.ErrNotExist) {
		defaults := DefaultSettings()
		s.install(defaults.Schema, defaults.Connections)
		return nil
	}
	if err != nil {
		return errors.WrapTransient(err, "FileStore", "reload", "read document")
	}

	root, list, schemaErr, connErr := s.decode(data)
	s.install(root, list)

	if schemaErr != nil {
		s.reject(SchemaChanged, schemaErr)
	}
	if connErr != nil {
		s.reject(ConnectionsChanged, connErr)
	}
	return stderrors.Join(schemaErr, connErr)
}

// install replaces the non-nil parts that differ from the current state.
func (s *FileStore) install(root *schema.Node, list connection.List) {
	cur := s.snapshot()
	if root != nil && !sameJSON(cur.Schema, root) {
		s.update(SchemaChanged, func(c *Settings) { c.Schema = root })
	}
	if list != nil && !sameJSON(cur.Connections, list) {
		s.update(ConnectionsChanged, func(c *Settings) { c.Connections = list })
	}
}

// decode splits the document into its parts. A missing part decodes to
// its default; a broken part decodes to nil with an error.
func (s *FileStore) decode(data []byte) (*schema.Node, connection.List, error, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		d := DefaultSettings()
		return d.Schema, d.Connections, nil, nil
	}
	if s.yaml {
		return decodeYAMLDocument(data)
	}
	return decodeJSONDocument(data)
}

func decodeJSONDocument(data []byte) (*schema.Node, connection.List, error, error) {
	if err := validateJSONDepth(data); err != nil {
		err = invalidPart(fmt.Errorf("%w: %v", errors.ErrInvalidSettings, err), "decode", "document")
		return nil, nil, err, err
	}
	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		err = invalidPart(fmt.Errorf("%w: %v", errors.ErrInvalidSettings, err), "decode", "document")
		return nil, nil, err, err
	}

	root := schema.RootDefault()
	var schemaErr error
	if len(doc.Schema) > 0 && string(doc.Schema) != "null" {
		decoded, err := decodeSchema(doc.Schema)
		root, schemaErr = decoded, invalidPart(err, "decode", KeySchema)
	}

	list := connection.List{}
	var connErr error
	if len(doc.Connections) > 0 && string(doc.Connections) != "null" {
		decoded, err := decodeConnections(doc.Connections)
		list, connErr = decoded, invalidPart(err, "decode", KeyConnections)
	}
	return root, list, schemaErr, connErr
}

func decodeYAMLDocument(data []byte) (*schema.Node, connection.List, error, error) {
	var raw struct {
		Schema      yaml.Node `yaml:"schema"`
		Connections yaml.Node `yaml:"connections"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		err = invalidPart(fmt.Errorf("%w: %v", errors.ErrInvalidSettings, err), "decode", "document")
		return nil, nil, err, err
	}

	root := schema.RootDefault()
	var schemaErr error
	if raw.Schema.Kind != 0 {
		var n schema.Node
		err := raw.Schema.Decode(&n)
		if err == nil {
			err = ValidateSchema(&n)
		}
		if err != nil {
			root, schemaErr = nil, invalidPart(err, "decode", KeySchema)
		} else {
			root = &n
		}
	}

	list := connection.List{}
	var connErr error
	if raw.Connections.Kind != 0 {
		var decoded connection.List
		err := raw.Connections.Decode(&decoded)
		if err != nil {
			err = fmt.Errorf("%w: %v", errors.ErrInvalidSettings, err)
		} else {
			err = decoded.Validate()
		}
		if err != nil {
			list, connErr = nil, invalidPart(err, "decode", KeyConnections)
		} else if decoded != nil {
			list = decoded
		}
	}
	return root, list, schemaErr, connErr
}

func (s *FileStore) encode(st Settings) ([]byte, error) {
	if s.yaml {
		return yaml.Marshal(yamlDocument{Schema: st.Schema, Connections: st.Connections})
	}

	schemaJSON, err := encodeSchema(st.Schema)
	if err != nil {
		return nil, err
	}
	connJSON, err := encodeConnections(st.Connections)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString("{\n  \"schema\": ")
	buf.WriteString(strings.ReplaceAll(string(schemaJSON), "\n", "\n  "))
	buf.WriteString(",\n  \"connections\": ")
	buf.WriteString(strings.ReplaceAll(string(connJSON), "\n", "\n  "))
	buf.WriteString("\n}\n")
	return buf.Bytes(), nil
}

func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// Exists reports whether the document is on disk.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}
