package config

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicmodel/connection"
	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/schema"
)

var connA = uuid.MustParse("0d6f7a51-3c1b-4b8e-9a3e-5f1f0d2c7b11")

func sampleSchema() *schema.Node {
	return schema.Group("Root",
		schema.Group("Plant",
			schema.BoundLeaf("count", connA, "plant/count", schema.TypeInt),
			schema.Leaf("temp", "plant/temp", schema.TypeFloat).WithEvents(),
		),
	)
}

func sampleConnections() connection.List {
	s := connection.New("Broker A", "broker-a.local")
	s.ID = connA
	return connection.List{s}
}

func receive(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no change delivered")
		return Change{}
	}
}

func TestChangeKind(t *testing.T) {
	k := SchemaChanged | ConnectionsChanged
	assert.True(t, k.Has(SchemaChanged))
	assert.True(t, k.Has(ConnectionsChanged))
	assert.False(t, SchemaChanged.Has(ConnectionsChanged))
	assert.Equal(t, "schema+connections", k.String())
	assert.Equal(t, "none", ChangeKind(0).String())
}

func TestValidateSchema_RejectsDuplicateAddress(t *testing.T) {
	root := schema.Group("Root",
		schema.Leaf("a", "x/y", schema.TypeInt),
		schema.Leaf("b", "x/y", schema.TypeInt),
	)
	require.NoError(t, schema.Validate(root))
	err := ValidateSchema(root)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidSchema)
}

func TestMemoryStore_LoadDefaults(t *testing.T) {
	s, err := NewMemoryStore(Settings{})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.RootLabel, got.Schema.Label)
	assert.Empty(t, got.Schema.Children)
	assert.Empty(t, got.Connections)
}

func TestMemoryStore_SeedValidation(t *testing.T) {
	bad := connection.List{{ID: connA}}
	_, err := NewMemoryStore(Settings{Connections: bad})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMemoryStore_SaveAndWatch(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore(Settings{})
	require.NoError(t, err)
	defer s.Close()

	ch, err := s.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, s.SaveSchema(ctx, sampleSchema()))
	c := receive(t, ch)
	assert.Equal(t, SchemaChanged, c.Kind)
	assert.NoError(t, c.Err)
	require.NotNil(t, c.Settings.Schema.Child("Plant"))

	require.NoError(t, s.SaveConnections(ctx, sampleConnections()))
	c = receive(t, ch)
	assert.Equal(t, ConnectionsChanged, c.Kind)
	assert.Equal(t, sampleConnections(), c.Settings.Connections)
	// the latest state carries both parts
	assert.NotNil(t, c.Settings.Schema.Child("Plant"))
}

func TestMemoryStore_RejectsInvalid(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore(Settings{Schema: sampleSchema()})
	require.NoError(t, err)
	defer s.Close()

	err = s.SaveSchema(ctx, schema.Group("Root", schema.Leaf("", "k", schema.TypeInt)))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = s.SaveConnections(ctx, connection.List{{ID: connA, DisplayName: "x", Host: "h", Port: 0, ClientID: "c"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidSettings)

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.NotNil(t, got.Schema.Child("Plant"), "previous schema kept")
}

func TestMemoryStore_WatchCoalesces(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore(Settings{})
	require.NoError(t, err)
	defer s.Close()

	ch, err := s.Watch(ctx)
	require.NoError(t, err)

	// nobody reads while three saves land
	require.NoError(t, s.SaveSchema(ctx, schema.RootDefault()))
	require.NoError(t, s.SaveConnections(ctx, sampleConnections()))
	require.NoError(t, s.SaveSchema(ctx, sampleSchema()))

	c := receive(t, ch)
	assert.True(t, c.Kind.Has(SchemaChanged))
	assert.True(t, c.Kind.Has(ConnectionsChanged))
	assert.NotNil(t, c.Settings.Schema.Child("Plant"))
	assert.Len(t, c.Settings.Connections, 1)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected second change %v", extra.Kind)
	default:
	}
}

func TestMemoryStore_WatchEndsWithContextAndClose(t *testing.T) {
	s, err := NewMemoryStore(Settings{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Watch(ctx)
	require.NoError(t, err)
	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	other, err := s.Watch(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, ok := <-other
	assert.False(t, ok)

	_, err = s.Watch(context.Background())
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	assert.ErrorIs(t, s.SaveSchema(context.Background(), sampleSchema()), errors.ErrShuttingDown)
	assert.NoError(t, s.Close(), "close is idempotent")
}

func TestSettings_CloneIsDeep(t *testing.T) {
	orig := Settings{Schema: sampleSchema(), Connections: sampleConnections()}
	c := orig.Clone()
	c.Schema.Children[0].Label = "Changed"
	c.Connections[0].DisplayName = "Changed"
	assert.Equal(t, "Plant", orig.Schema.Children[0].Label)
	assert.Equal(t, "Broker A", orig.Connections[0].DisplayName)
}
