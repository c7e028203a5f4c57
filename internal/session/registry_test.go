package session

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/battleshipd/battleshipd/internal/conn"
)

func newEndpoint(t *testing.T) *conn.Endpoint {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { _ = clientSide.Close() })
	ep := conn.New(serverSide, nil, nil, 0, 2*time.Second, 16)
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

type stubMatch struct {
	id        uuid.UUID
	reconnect bool
	gotName   string
	gotEP     *conn.Endpoint
}

func (m *stubMatch) ID() uuid.UUID { return m.id }

func (m *stubMatch) TryReconnect(name string, ep *conn.Endpoint) bool {
	m.gotName = name
	m.gotEP = ep
	return m.reconnect
}

func TestRegistry_RegisterFreshName(t *testing.T) {
	r := New()
	ep := newEndpoint(t)

	reconnect, err := r.Register("alice", ep)
	require.NoError(t, err)
	assert.False(t, reconnect)
	assert.Equal(t, 1, r.Count())

	got, ok := r.Endpoint("alice")
	assert.True(t, ok)
	assert.Same(t, ep, got)
}

func TestRegistry_RegisterDuplicateNameNoMatch(t *testing.T) {
	r := New()
	first := newEndpoint(t)
	second := newEndpoint(t)

	_, err := r.Register("alice", first)
	require.NoError(t, err)

	_, err = r.Register("alice", second)
	assert.ErrorIs(t, err, ErrNameInUse)
}

func TestRegistry_ReconnectRebindsWhenMatchAccepts(t *testing.T) {
	r := New()
	first := newEndpoint(t)
	second := newEndpoint(t)

	_, err := r.Register("alice", first)
	require.NoError(t, err)

	m := &stubMatch{id: uuid.New(), reconnect: true}
	r.SetMatch("alice", m)

	reconnect, err := r.Register("alice", second)
	require.NoError(t, err)
	assert.True(t, reconnect)
	assert.Equal(t, "alice", m.gotName)
	assert.Same(t, second, m.gotEP)

	got, _ := r.Endpoint("alice")
	assert.Same(t, second, got)
}

func TestRegistry_ReconnectRejectedWhenMatchDeclines(t *testing.T) {
	r := New()
	first := newEndpoint(t)
	second := newEndpoint(t)

	_, err := r.Register("alice", first)
	require.NoError(t, err)

	m := &stubMatch{id: uuid.New(), reconnect: false}
	r.SetMatch("alice", m)

	_, err = r.Register("alice", second)
	assert.ErrorIs(t, err, ErrNameInUse)
}

func TestRegistry_DeregisterOnlyRemovesMatchingEndpoint(t *testing.T) {
	r := New()
	first := newEndpoint(t)
	second := newEndpoint(t)

	_, err := r.Register("alice", first)
	require.NoError(t, err)

	r.Deregister("alice", second)
	_, ok := r.Endpoint("alice")
	assert.True(t, ok, "deregister with a mismatched endpoint must be a no-op")

	r.Deregister("alice", first)
	_, ok = r.Endpoint("alice")
	assert.False(t, ok)
}

func TestRegistry_ClearMatchAllowsFreshRegistrationAfterDeregister(t *testing.T) {
	r := New()
	first := newEndpoint(t)

	_, err := r.Register("alice", first)
	require.NoError(t, err)

	m := &stubMatch{id: uuid.New(), reconnect: false}
	r.SetMatch("alice", m)
	r.ClearMatch("alice")
	r.Deregister("alice", first)

	second := newEndpoint(t)
	reconnect, err := r.Register("alice", second)
	require.NoError(t, err)
	assert.False(t, reconnect)
}
