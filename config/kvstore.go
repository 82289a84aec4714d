package config

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/topicmodel/connection"
	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/natsclient"
	"github.com/c360/topicmodel/schema"
)

const (
	// DefaultBucket is the KV bucket holding the settings documents.
	DefaultBucket = "topicmodel_settings"

	// KeySchema holds the schema tree as JSON.
	KeySchema = "schema"
	// KeyConnections holds the connection list as JSON.
	KeyConnections = "connections"
)

// KVStore keeps settings in a NATS KV bucket. Writes from any process show
// up on Watch.
type KVStore struct {
	*state
	kv     jetstream.KeyValue
	logger *slog.Logger

	// applyMu orders local writes against watcher deliveries so an echo of
	// our own revision is recognised and skipped.
	applyMu   sync.Mutex
	revisions map[string]uint64

	watcher jetstream.KeyWatcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// OpenKVStore creates or opens bucket on client and returns a store over it.
func OpenKVStore(ctx context.Context, client *natsclient.Client, bucket string, logger *slog.Logger) (*KVStore, error) {
	if client == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "KVStore", "Open", "nats client check")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}

	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "topicmodel schema and connection settings",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "Open", "create/get KV bucket")
	}
	return NewKVStore(ctx, kv, logger)
}

// NewKVStore returns a store over an existing bucket and starts watching it.
func NewKVStore(ctx context.Context, kv jetstream.KeyValue, logger *slog.Logger) (*KVStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	watcher, err := kv.WatchAll(watchCtx, jetstream.UpdatesOnly())
	if err != nil {
		cancel()
		return nil, errors.WrapTransient(err, "KVStore", "New", "watch bucket")
	}

	s := &KVStore{
		state:     newState(),
		kv:        kv,
		logger:    logger.With("component", "kv-store", "bucket", kv.Bucket()),
		revisions: make(map[string]uint64),
		watcher:   watcher,
		cancel:    cancel,
	}

	s.wg.Add(1)
	go s.processWatcher(watchCtx)
	return s, nil
}

// Load implements Store.
func (s *KVStore) Load(ctx context.Context) (Settings, error) {
	if s.isClosed() {
		return Settings{}, errors.ErrShuttingDown
	}

	var problems []error
	for _, key := range []string{KeySchema, KeyConnections} {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return Settings{}, errors.WrapTransient(err, "KVStore", "Load", "get "+key)
		}
		if err := s.apply(entry); err != nil {
			problems = append(problems, invalidPart(err, "Load", key))
		}
	}
	return s.snapshot(), stderrors.Join(problems...)
}

// SaveSchema implements Store.
func (s *KVStore) SaveSchema(ctx context.Context, root *schema.Node) error {
	data, err := encodeSchema(root)
	if err != nil {
		return errors.WrapInvalid(err, "KVStore", "SaveSchema", "validate schema")
	}
	return s.put(ctx, KeySchema, data, func() { s.commitSchema(root) })
}

// SaveConnections implements Store.
func (s *KVStore) SaveConnections(ctx context.Context, list connection.List) error {
	data, err := encodeConnections(list)
	if err != nil {
		return errors.WrapInvalid(err, "KVStore", "SaveConnections", "validate connections")
	}
	return s.put(ctx, KeyConnections, data, func() { s.commitConnections(list) })
}

func (s *KVStore) put(ctx context.Context, key string, data []byte, commit func()) error {
	if s.isClosed() {
		return errors.ErrShuttingDown
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	rev, err := s.kv.Put(ctx, key, data)
	if err != nil {
		return errors.WrapTransient(err, "KVStore", "put", "put "+key)
	}
	s.advance(key, rev)
	commit()
	return nil
}

// advance records rev for key and reports whether it is newer than what
// was already applied. Callers hold applyMu.
func (s *KVStore) advance(key string, rev uint64) bool {
	if rev <= s.revisions[key] {
		return false
	}
	s.revisions[key] = rev
	return true
}

// Watch implements Store.
func (s *KVStore) Watch(ctx context.Context) (<-chan Change, error) {
	return s.watch(ctx)
}

// Close stops the bucket watcher and closes every Watch channel.
func (s *KVStore) Close() error {
	if s.isClosed() {
		return nil
	}
	s.cancel()
	_ = s.watcher.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("KV watcher did not stop in time")
	}

	s.close()
	return nil
}

func (s *KVStore) processWatcher(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-s.watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			if err := s.apply(entry); err != nil {
				s.logger.Warn("Ignoring invalid settings document",
					"key", entry.Key(),
					"revision", entry.Revision(),
					"error", err)
			}
		}
	}
}

// apply installs one bucket entry into the current state and tells
// watchers, including about a rejected document.
func (s *KVStore) apply(entry jetstream.KeyValueEntry) error {
	var kind ChangeKind
	switch entry.Key() {
	case KeySchema:
		kind = SchemaChanged
	case KeyConnections:
		kind = ConnectionsChanged
	default:
		return nil
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if !s.advance(entry.Key(), entry.Revision()) {
		return nil
	}

	deleted := entry.Operation() == jetstream.KeyValueDelete || entry.Operation() == jetstream.KeyValuePurge

	var err error
	switch {
	case kind == SchemaChanged && deleted:
		s.update(kind, func(cur *Settings) { cur.Schema = schema.RootDefault() })
	case kind == SchemaChanged:
		var root *schema.Node
		if root, err = decodeSchema(entry.Value()); err == nil {
			s.update(kind, func(cur *Settings) { cur.Schema = root })
		}
	case deleted:
		s.update(kind, func(cur *Settings) { cur.Connections = connection.List{} })
	default:
		var list connection.List
		if list, err = decodeConnections(entry.Value()); err == nil {
			s.update(kind, func(cur *Settings) { cur.Connections = list })
		}
	}

	if err != nil {
		s.reject(kind, invalidPart(err, "watch", entry.Key()))
	}
	return err
}
