//go:build integration

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicmodel/config"
	"github.com/c360/topicmodel/connection"
	"github.com/c360/topicmodel/natsclient"
	"github.com/c360/topicmodel/schema"
	"github.com/c360/topicmodel/transport/natsbus"
)

func TestEngine_Integration_NATS(t *testing.T) {
	srv := natsclient.StartTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store, err := config.OpenKVStore(ctx, srv.Client, "", nil)
	require.NoError(t, err)
	defer store.Close()

	a := connection.New("a", srv.Host)
	a.ID = connA
	a.Port = srv.Port
	require.NoError(t, store.SaveConnections(ctx, connection.List{a}))
	require.NoError(t, store.SaveSchema(ctx, plantSchema()))

	e, err := New(store, natsbus.NewFactory(nil), WithOperationTimeout(10*time.Second))
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	defer e.Stop(5 * time.Second)

	require.Eventually(t, func() bool { return e.Statuses().ConnectedCount() == 1 }, 15*time.Second, 100*time.Millisecond)

	conn := srv.Client.Conn()
	require.Eventually(t, func() bool {
		_ = conn.Publish("plant.line1.count", []byte("42"))
		_ = conn.Flush()
		return fieldValue(e, "Line1/count") == int64(42)
	}, 10*time.Second, 200*time.Millisecond)

	v, ok := e.Raw().Lookup(connA, "plant/line1/count")
	require.True(t, ok)
	assert.Equal(t, "42", v)

	// a schema written by another process reaches the engine through the bucket
	other, err := config.OpenKVStore(ctx, srv.Client, config.DefaultBucket, nil)
	require.NoError(t, err)
	defer other.Close()

	gen := e.Router().Current().ID
	next := plantSchema()
	next.Children = append(next.Children, schema.Group("Spare"))
	require.NoError(t, other.SaveSchema(ctx, next))
	require.Eventually(t, func() bool { return e.Router().Current().ID > gen }, 10*time.Second, 50*time.Millisecond)
	assert.NotNil(t, e.Router().Model().Root().Group("Spare"))
}
