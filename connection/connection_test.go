package connection

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicmodel/errors"
)

func TestNew_Defaults(t *testing.T) {
	s := New("Plant", "broker.local")
	assert.NotEqual(t, uuid.Nil, s.ID)
	assert.Equal(t, DefaultPort, s.Port)
	assert.Equal(t, DefaultClientID(s.ID), s.ClientID)
	assert.Equal(t, "broker.local:1883", s.Address())
	assert.NoError(t, s.Validate())

	other := New("Plant", "broker.local")
	assert.NotEqual(t, s.ID, other.ID)
	assert.NotEqual(t, s.ClientID, other.ClientID, "connections to one broker need distinct client ids")
}

func TestDefaultClientID(t *testing.T) {
	id := uuid.MustParse("6f1c2a8e-0c55-4c1e-9d35-0b7f7c1d9a01")
	assert.Equal(t, "topicmodel-6f1c2a8e", DefaultClientID(id))
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"nil id", func(s *Settings) { s.ID = uuid.Nil }, "connection id must be set"},
		{"blank name", func(s *Settings) { s.DisplayName = "  " }, "DisplayName must not be blank"},
		{"blank host", func(s *Settings) { s.Host = "" }, "Host must not be blank"},
		{"port zero", func(s *Settings) { s.Port = 0 }, "Port must be within 1..65535"},
		{"port too high", func(s *Settings) { s.Port = 70000 }, "Port must be within 1..65535"},
		{"blank client id", func(s *Settings) { s.ClientID = "\t" }, "ClientID must not be blank"},
		{"password without user", func(s *Settings) { s.Credentials.Password = "secret" }, "Username is required when a password is set"},
		{"full credentials", func(s *Settings) { s.Credentials = Credentials{Username: "u", Password: "p"} }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New("Plant", "broker.local")
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidSettings)
			assert.True(t, errors.IsInvalid(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestList_Validate(t *testing.T) {
	a := New("A", "a")
	b := New("B", "b")
	assert.NoError(t, List{a, b}.Validate())
	assert.NoError(t, List{}.Validate())

	dup := b
	dup.ID = a.ID
	err := List{a, dup}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share id")

	found, ok := List{a, b}.Find(b.ID)
	require.True(t, ok)
	assert.Equal(t, "B", found.DisplayName)
	_, ok = List{a}.Find(b.ID)
	assert.False(t, ok)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, List{a, b}.IDs())
}

func TestSettings_JSON(t *testing.T) {
	s := New("Plant", "broker.local")
	s.Credentials.Username = "ops"

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"displayName":"Plant"`)

	var back Settings
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, back)
}

func TestStatuses(t *testing.T) {
	a := New("A", "a")
	b := New("B", "b")
	st := NewStatuses()

	assert.False(t, st.SetConnected(a.ID, true), "unknown until rebuilt")

	st.Rebuild(List{a, b})
	require.Len(t, st.All(), 2)
	assert.Equal(t, "A", st.All()[0].DisplayName)
	assert.True(t, st.SetConnected(a.ID, true))
	assert.Equal(t, 1, st.ConnectedCount())

	got, ok := st.Get(a.ID)
	require.True(t, ok)
	assert.True(t, got.IsConnected)

	renamed := a
	renamed.DisplayName = "A2"
	st.Rebuild(List{renamed})
	all := st.All()
	require.Len(t, all, 1)
	assert.Equal(t, "A2", all[0].DisplayName)
	assert.False(t, all[0].IsConnected)
	_, ok = st.Get(b.ID)
	assert.False(t, ok)
}
