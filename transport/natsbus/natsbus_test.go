package natsbus

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicmodel/connection"
	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/transport"
)

func TestSubjectMapping(t *testing.T) {
	assert.Equal(t, "plant.line1.temp", KeyToSubject("plant/line1/temp"))
	assert.Equal(t, ">", KeyToSubject(transport.CatchAll))
	assert.Equal(t, "plant.*.temp", KeyToSubject("plant/+/temp"))
	assert.Equal(t, "plant.>", KeyToSubject("plant/#"))
	assert.Equal(t, "plant/line1/temp", SubjectToKey("plant.line1.temp"))
	assert.Equal(t, "count", SubjectToKey(KeyToSubject("count")))
}

func TestConnector_LifecycleWithoutServer(t *testing.T) {
	factory := NewFactory(nil)
	id := uuid.New()
	conn, err := factory(id, transport.Events{})
	require.NoError(t, err)
	assert.Equal(t, id, conn.ID())

	require.NoError(t, conn.Stop(context.Background()))
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	err = conn.Start(context.Background(), connection.New("x", "127.0.0.1"), []string{"#"})
	assert.ErrorIs(t, err, errors.ErrConnectorClosed)
}
