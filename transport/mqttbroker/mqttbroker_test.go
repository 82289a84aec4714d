package mqttbroker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicmodel/connection"
	topicerrors "github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/transport"
)

type doneToken struct{ err error }

func (t *doneToken) Wait() bool { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool { return false }
func (m fakeMessage) Qos() byte { return 0 }
func (m fakeMessage) Retained() bool { return false }
func (m fakeMessage) Topic() string { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte { return m.payload }
func (m fakeMessage) Ack() {}

type fakeClient struct {
	mu            sync.Mutex
	opts          *mqtt.ClientOptions
	subscriptions map[string]byte
	handler       mqtt.MessageHandler
	disconnected  bool
}

func (f *fakeClient) IsConnected() bool { return !f.disconnected }
func (f *fakeClient) IsConnectionOpen() bool { return !f.disconnected }
func (f *fakeClient) Connect() mqtt.Token {
	f.opts.OnConnect(f)
	return &doneToken{}
}
func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}
func (f *fakeClient) Publish(string, byte, bool, interface{}) mqtt.Token { return &doneToken{} }
func (f *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	return f.SubscribeMultiple(map[string]byte{topic: qos}, cb)
}
func (f *fakeClient) SubscribeMultiple(filters map[string]byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = filters
	f.handler = cb
	return &doneToken{}
}
func (f *fakeClient) Unsubscribe(...string) mqtt.Token { return &doneToken{} }
func (f *fakeClient) AddRoute(string, mqtt.MessageHandler) {}
func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.NewOptionsReader(f.opts) }

func newTestConnector(t *testing.T, events transport.Events) (transport.Connector, *[]*fakeClient) {
	t.Helper()
	var clients []*fakeClient
	factory := NewFactory(WithClientFactory(func(opts *mqtt.ClientOptions) mqtt.Client {
		c := &fakeClient{opts: opts}
		clients = append(clients, c)
		return c
	}))
	conn, err := factory(uuid.New(), events)
	require.NoError(t, err)
	return conn, &clients
}

func TestConnector_StartSubscribesAndDelivers(t *testing.T) {
	var (
		connected []uuid.UUID
		keys      []string
	)
	events := transport.Events{
		OnConnect: func(id uuid.UUID) { connected = append(connected, id) },
		OnMessage: func(_ uuid.UUID, key string, payload []byte) { keys = append(keys, key+"="+string(payload)) },
	}
	conn, clients := newTestConnector(t, events)

	s := connection.New("Plant", "broker.local")
	s.Credentials = connection.Credentials{Username: "ops", Password: "secret"}
	require.NoError(t, conn.Start(context.Background(), s, []string{"plant/temp", transport.CatchAll}))

	require.Len(t, *clients, 1)
	client := (*clients)[0]
	assert.Equal(t, []uuid.UUID{conn.ID()}, connected)
	assert.Equal(t, map[string]byte{"#": QoS}, client.subscriptions)
	assert.Equal(t, "ops", client.opts.Username)
	assert.Equal(t, "topicmodel", client.opts.ClientID)
	require.Len(t, client.opts.Servers, 1)
	assert.Equal(t, "tcp://broker.local:1883", client.opts.Servers[0].String())
	assert.True(t, client.opts.AutoReconnect)
	assert.Equal(t, ReconnectDelay, client.opts.ConnectRetryInterval)

	client.handler(client, fakeMessage{topic: "plant/temp", payload: []byte("21.5")})
	assert.Equal(t, []string{"plant/temp=21.5"}, keys)
}

func TestConnector_RestartReplacesSession(t *testing.T) {
	conn, clients := newTestConnector(t, transport.Events{})
	s := connection.New("Plant", "broker.local")

	require.NoError(t, conn.Start(context.Background(), s, []string{"a", "b"}))
	require.NoError(t, conn.Start(context.Background(), s, []string{"c"}))

	require.Len(t, *clients, 2)
	assert.True(t, (*clients)[0].disconnected)
	assert.False(t, (*clients)[1].disconnected)
	assert.Equal(t, map[string]byte{"c": QoS}, (*clients)[1].subscriptions)

	require.NoError(t, conn.Stop(context.Background()))
	require.NoError(t, conn.Stop(context.Background()))
	assert.True(t, (*clients)[1].disconnected)
}

func TestConnector_ConnectionLostReportsDisconnect(t *testing.T) {
	var lost error
	conn, clients := newTestConnector(t, transport.Events{
		OnDisconnect: func(_ uuid.UUID, err error) { lost = err },
	})
	require.NoError(t, conn.Start(context.Background(), connection.New("P", "h"), nil))

	client := (*clients)[0]
	assert.Nil(t, client.subscriptions, "no filters means no subscribe call")
	client.opts.OnConnectionLost(client, errors.New("eof"))
	assert.EqualError(t, lost, "eof")
}

func TestConnector_ClosedRejectsStart(t *testing.T) {
	conn, _ := newTestConnector(t, transport.Events{})
	require.NoError(t, conn.Close())
	err := conn.Start(context.Background(), connection.New("P", "h"), nil)
	assert.ErrorIs(t, err, topicerrors.ErrConnectorClosed)
}
