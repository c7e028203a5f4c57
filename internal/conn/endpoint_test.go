package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/battleshipd/battleshipd/internal/protocol"
)

type fakeBus struct {
	msgs chan [2]string
}

func newFakeBus() *fakeBus {
	return &fakeBus{msgs: make(chan [2]string, 16)}
}

func (f *fakeBus) Broadcast(sender, text string) {
	f.msgs <- [2]string{sender, text}
}

func newTestEndpoint(t *testing.T, bus ChatBroadcaster) (*Endpoint, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { _ = clientSide.Close() })

	ep := New(serverSide, nil, bus, 0, 2*time.Second, 16)
	ep.SetName("alice")
	t.Cleanup(func() { _ = ep.Close() })
	return ep, clientSide
}

func TestEndpoint_SendGame_DeliversFrame(t *testing.T) {
	ep, client := newTestEndpoint(t, nil)

	require.NoError(t, ep.SendGame("WELCOME PLAYER 1"))

	_, typ, payload, err := protocol.ReadFrame(client, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeGame, typ)
	assert.Equal(t, "WELCOME PLAYER 1", string(payload))
}

func TestEndpoint_RecvGame_ReturnsQueuedGamePayloadsInOrder(t *testing.T) {
	ep, client := newTestEndpoint(t, nil)

	require.NoError(t, protocol.WriteFrame(client, nil, 0, protocol.TypeGame, []byte("PLACE A1 H Carrier")))
	require.NoError(t, protocol.WriteFrame(client, nil, 1, protocol.TypeGame, []byte("PLACE B1 H Battleship")))

	ctx := context.Background()
	first, err := ep.RecvGame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "PLACE A1 H Carrier", first)

	second, err := ep.RecvGame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "PLACE B1 H Battleship", second)
}

func TestEndpoint_ChatFramesAreDemuxedToBroadcaster(t *testing.T) {
	bus := newFakeBus()
	ep, client := newTestEndpoint(t, bus)

	require.NoError(t, protocol.WriteFrame(client, nil, 0, protocol.TypeChat, []byte("hello")))
	require.NoError(t, protocol.WriteFrame(client, nil, 1, protocol.TypeGame, []byte("FIRE B5")))

	select {
	case msg := <-bus.msgs:
		assert.Equal(t, [2]string{"alice", "hello"}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("chat frame was not forwarded to the broadcaster")
	}

	ctx := context.Background()
	payload, err := ep.RecvGame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "FIRE B5", payload, "chat frame must not appear on the GAME stream")
}

func TestEndpoint_RecvGame_CancelledByContext(t *testing.T) {
	ep, _ := newTestEndpoint(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ep.RecvGame(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestEndpoint_RecvGame_PeerGoneWhenSocketCloses(t *testing.T) {
	ep, client := newTestEndpoint(t, nil)
	require.NoError(t, client.Close())

	_, err := ep.RecvGame(context.Background())
	assert.ErrorIs(t, err, ErrPeerGone)
}

func TestEndpoint_Close_InvokesOnCloseOnce(t *testing.T) {
	ep, _ := newTestEndpoint(t, nil)

	calls := 0
	ep.SetOnClose(func(*Endpoint) { calls++ })

	require.NoError(t, ep.Close())
	_ = ep.Close()

	assert.Equal(t, 1, calls)
}

func TestEndpoint_DrainGame_DiscardsQueuedPayloads(t *testing.T) {
	ep, client := newTestEndpoint(t, nil)

	require.NoError(t, protocol.WriteFrame(client, nil, 0, protocol.TypeGame, []byte("stale from old owner")))
	require.Eventually(t, func() bool { return len(ep.gameCh) == 1 }, 2*time.Second, 10*time.Millisecond,
		"stale payload never reached gameCh")

	ep.DrainGame()
	assert.Equal(t, 0, len(ep.gameCh))

	require.NoError(t, protocol.WriteFrame(client, nil, 1, protocol.TypeGame, []byte("fresh from new owner")))
	payload, err := ep.RecvGame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh from new owner", payload, "drain must not consume payloads sent after it ran")
}

func TestEndpoint_SendSeq_StrictlyIncreasing(t *testing.T) {
	ep, client := newTestEndpoint(t, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, ep.SendGame("tick"))
	}

	for i := uint32(0); i < 5; i++ {
		seq, _, _, err := protocol.ReadFrame(client, nil)
		require.NoError(t, err)
		assert.Equal(t, i, seq)
	}
}
