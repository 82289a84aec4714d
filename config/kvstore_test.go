package config

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicmodel/errors"
)

// fakeEntry implements the parts of jetstream.KeyValueEntry the store uses.
type fakeEntry struct {
	jetstream.KeyValueEntry
	key   string
	value []byte
	rev   uint64
	op    jetstream.KeyValueOp
}

func (e *fakeEntry) Key() string                     { return e.key }
func (e *fakeEntry) Value() []byte                   { return e.value }
func (e *fakeEntry) Revision() uint64                { return e.rev }
func (e *fakeEntry) Operation() jetstream.KeyValueOp { return e.op }

type fakeWatcher struct {
	jetstream.KeyWatcher
	updates chan jetstream.KeyValueEntry
	once    sync.Once
}

func (w *fakeWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.updates }
func (w *fakeWatcher) Stop() error {
	w.once.Do(func() { close(w.updates) })
	return nil
}

// fakeKV is an in-memory bucket. External writes go through write so the
// watcher sees them.
type fakeKV struct {
	jetstream.KeyValue
	mu      sync.Mutex
	rev     uint64
	entries map[string]*fakeEntry
	watcher *fakeWatcher
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		entries: make(map[string]*fakeEntry),
		watcher: &fakeWatcher{updates: make(chan jetstream.KeyValueEntry, 16)},
	}
}

func (kv *fakeKV) Bucket() string { return DefaultBucket }

func (kv *fakeKV) WatchAll(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	return kv.watcher, nil
}

func (kv *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.entries[key]
	if !ok || e.op != jetstream.KeyValuePut {
		return nil, jetstream.ErrKeyNotFound
	}
	return e, nil
}

func (kv *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	e := kv.store(key, value, jetstream.KeyValuePut)
	kv.watcher.updates <- e
	return e.rev, nil
}

func (kv *fakeKV) store(key string, value []byte, op jetstream.KeyValueOp) *fakeEntry {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.rev++
	e := &fakeEntry{key: key, value: append([]byte(nil), value...), rev: kv.rev, op: op}
	kv.entries[key] = e
	return e
}

// write simulates another process changing the bucket.
func (kv *fakeKV) write(key, value string, op jetstream.KeyValueOp) {
	kv.watcher.updates <- kv.store(key, []byte(value), op)
}

func newKVStore(t *testing.T) (*KVStore, *fakeKV) {
	t.Helper()
	kv := newFakeKV()
	s, err := NewKVStore(context.Background(), kv, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, kv
}

func TestKVStore_LoadEmptyBucket(t *testing.T) {
	s, _ := newKVStore(t)
	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got.Schema.Children)
	assert.Empty(t, got.Connections)
}

func TestKVStore_SaveThenLoadFromAnotherStore(t *testing.T) {
	ctx := context.Background()
	s, kv := newKVStore(t)

	require.NoError(t, s.SaveSchema(ctx, sampleSchema()))
	require.NoError(t, s.SaveConnections(ctx, sampleConnections()))

	other, err := NewKVStore(ctx, &fakeKV{
		entries: kv.entries,
		watcher: &fakeWatcher{updates: make(chan jetstream.KeyValueEntry)},
	}, nil)
	require.NoError(t, err)
	defer other.Close()

	got, err := other.Load(ctx)
	require.NoError(t, err)
	assert.True(t, sameJSON(sampleSchema(), got.Schema))
	assert.Equal(t, sampleConnections(), got.Connections)
}

func TestKVStore_OwnWritesNotifyOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newKVStore(t)

	ch, err := s.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, s.SaveSchema(ctx, sampleSchema()))
	c := receive(t, ch)
	assert.Equal(t, SchemaChanged, c.Kind)

	// the watcher echo carries the revision already applied
	assert.Never(t, func() bool {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestKVStore_ExternalWrites(t *testing.T) {
	ctx := context.Background()
	s, kv := newKVStore(t)
	_, err := s.Load(ctx)
	require.NoError(t, err)

	ch, err := s.Watch(ctx)
	require.NoError(t, err)

	kv.write(KeyConnections, `[{"id": "`+connA.String()+`", "displayName": "Broker A",
		"host": "broker-a.local", "port": 1883, "clientId": "topicmodel", "credentials": {}}]`, jetstream.KeyValuePut)
	c := receive(t, ch)
	require.NoError(t, c.Err)
	assert.Equal(t, ConnectionsChanged, c.Kind)
	assert.Equal(t, sampleConnections(), c.Settings.Connections)

	kv.write(KeyConnections, `[{"id": "not-a-uuid"}]`, jetstream.KeyValuePut)
	c = receive(t, ch)
	require.Error(t, c.Err)
	assert.True(t, errors.IsInvalid(c.Err))
	assert.Equal(t, sampleConnections(), c.Settings.Connections, "previous list kept")

	kv.write(KeyConnections, "", jetstream.KeyValueDelete)
	c = receive(t, ch)
	require.NoError(t, c.Err)
	assert.Empty(t, c.Settings.Connections)

	kv.write("unrelated", "x", jetstream.KeyValuePut)
	kv.write(KeySchema, `{"label": "Root", "children": []}`, jetstream.KeyValuePut)
	c = receive(t, ch)
	assert.Equal(t, SchemaChanged, c.Kind)
}

func TestKVStore_LoadReportsInvalidDocument(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	kv.store(KeySchema, []byte(`{"label": "Root", "key": "oops"}`), jetstream.KeyValuePut)
	kv.store(KeyConnections, []byte(`[]`), jetstream.KeyValuePut)

	s, err := NewKVStore(ctx, kv, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, "Root", got.Schema.Label)
	assert.Empty(t, got.Schema.Children)
}

func TestKVStore_CloseEndsWatch(t *testing.T) {
	s, _ := newKVStore(t)
	ch, err := s.Watch(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, s.SaveSchema(context.Background(), sampleSchema()), errors.ErrShuttingDown)
}
