package chatbus

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/battleshipd/battleshipd/internal/conn"
	"github.com/battleshipd/battleshipd/internal/protocol"
)

func newMemberPair(t *testing.T, name string) (*conn.Endpoint, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { _ = clientSide.Close() })

	ep := conn.New(serverSide, nil, nil, 0, 2*time.Second, 16)
	ep.SetName(name)
	t.Cleanup(func() { _ = ep.Close() })
	return ep, clientSide
}

func TestSink_BroadcastReachesAllMembers(t *testing.T) {
	sink := New()

	a, aClient := newMemberPair(t, "a")
	b, bClient := newMemberPair(t, "b")
	sink.Register(a)
	sink.Register(b)

	sink.Broadcast("c", "hello")

	for _, client := range []net.Conn{aClient, bClient} {
		_, typ, payload, err := protocol.ReadFrame(client, nil)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeChat, typ)
		assert.Equal(t, "c: hello", string(payload))
	}
}

func TestSink_UnregisterStopsDelivery(t *testing.T) {
	sink := New()
	a, aClient := newMemberPair(t, "a")
	sink.Register(a)
	sink.Unregister(a)

	sink.Broadcast("b", "hi")

	require.NoError(t, aClient.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	buf := make([]byte, 64)
	_, err := aClient.Read(buf)
	assert.Error(t, err, "unregistered endpoint must not receive the broadcast")
}

func TestSink_FailedSendEvictsEndpoint(t *testing.T) {
	sink := New()
	a, aClient := newMemberPair(t, "a")
	sink.Register(a)
	assert.Equal(t, 1, sink.Count())

	require.NoError(t, aClient.Close())
	require.NoError(t, a.Close())

	sink.Broadcast("b", "hi")

	assert.Equal(t, 0, sink.Count())
}
