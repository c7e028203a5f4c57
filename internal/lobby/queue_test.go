package lobby

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/battleshipd/battleshipd/internal/conn"
	"github.com/battleshipd/battleshipd/internal/protocol"
)

func newEntrant(t *testing.T, name string) (Entrant, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { _ = clientSide.Close() })
	ep := conn.New(serverSide, nil, nil, 0, 2*time.Second, 16)
	ep.SetName(name)
	ep.SetState(conn.StateAuthenticated)
	t.Cleanup(func() { _ = ep.Close() })
	return Entrant{Name: name, Endpoint: ep}, clientSide
}

func drainGameFrames(t *testing.T, c net.Conn, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	for i := 0; i < n; i++ {
		_, typ, payload, err := protocol.ReadFrame(c, nil)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeGame, typ)
		out = append(out, string(payload))
	}
	return out
}

func TestQueue_ArriveFreshIsFIFO(t *testing.T) {
	q := New(nil, 0, 0)
	a, _ := newEntrant(t, "a")
	b, _ := newEntrant(t, "b")

	q.ArriveFresh(a)
	q.ArriveFresh(b)

	require.Equal(t, 2, q.Len())
	assert.Equal(t, "a", q.items[0].Name)
	assert.Equal(t, "b", q.items[1].Name)
}

func TestQueue_ArriveAsWinnerJumpsTheLine(t *testing.T) {
	q := New(nil, 0, 0)
	a, _ := newEntrant(t, "a")
	b, _ := newEntrant(t, "b")

	q.ArriveFresh(a)
	q.ArriveAsWinner(b)

	require.Equal(t, 2, q.Len())
	assert.Equal(t, "b", q.items[0].Name, "winner re-entry must precede fresh arrivals")
}

func TestQueue_PairsOffTwoEntrantsAndInvokesFactory(t *testing.T) {
	q := New(nil, 0, 0)
	q.interval = 20 * time.Millisecond
	q.countdown = 20 * time.Millisecond

	paired := make(chan [2]string, 1)
	q.factory = func(a, b Entrant) { paired <- [2]string{a.Name, b.Name} }

	a, aClient := newEntrant(t, "a")
	b, bClient := newEntrant(t, "b")
	q.ArriveFresh(a)
	q.ArriveFresh(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	select {
	case pair := <-paired:
		assert.Equal(t, [2]string{"a", "b"}, pair)
	case <-time.After(2 * time.Second):
		t.Fatal("factory was never invoked")
	}

	drainGameFrames(t, aClient, 1)
	drainGameFrames(t, bClient, 1)
}

func TestQueue_SoleEntrantReceivesPositionNotices(t *testing.T) {
	q := New(nil, 0, 0)
	q.interval = 20 * time.Millisecond

	a, aClient := newEntrant(t, "a")
	q.ArriveFresh(a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	lines := drainGameFrames(t, aClient, 2)
	assert.Equal(t, "Waiting for another player to join...", lines[0])
	assert.Equal(t, "[LOBBY] You are position 1 in the queue.", lines[1])
}

func TestQueue_PruneDropsDisconnectedEntrants(t *testing.T) {
	q := New(nil, 0, 0)
	a, _ := newEntrant(t, "a")
	b, _ := newEntrant(t, "b")
	require.NoError(t, a.Endpoint.Close())

	q.ArriveFresh(a)
	q.ArriveFresh(b)

	q.mu.Lock()
	q.pruneLocked()
	q.mu.Unlock()

	require.Equal(t, 1, q.Len())
	assert.Equal(t, "b", q.items[0].Name)
}

func TestQueue_FallenThroughPairingLeavesSurvivorInPlace(t *testing.T) {
	q := New(nil, 0, 0)
	q.countdown = 10 * time.Millisecond
	q.factory = func(Entrant, Entrant) { t.Fatal("factory must not run when a side vanished") }

	a, _ := newEntrant(t, "a")
	b, _ := newEntrant(t, "b")
	c, _ := newEntrant(t, "c")
	q.ArriveFresh(a)
	q.ArriveFresh(b)
	q.ArriveFresh(c)
	require.NoError(t, a.Endpoint.Close())

	ctx := context.Background()
	q.pairOff(ctx, a, b)

	// a and b were never popped from the queue (spec.md §4.4 steps 2-4),
	// so b — the non-winning survivor — keeps its original position
	// ahead of c rather than jumping the line via ArriveAsWinner.
	require.Equal(t, 3, q.Len())
	assert.Equal(t, "a", q.items[0].Name)
	assert.Equal(t, "b", q.items[1].Name)
	assert.Equal(t, "c", q.items[2].Name)
	assert.False(t, q.pairing)
}

func TestQueue_SuccessfulPairingPopsBothEntrants(t *testing.T) {
	q := New(nil, 0, 0)
	q.countdown = 10 * time.Millisecond

	paired := make(chan [2]string, 1)
	q.factory = func(a, b Entrant) { paired <- [2]string{a.Name, b.Name} }

	a, aClient := newEntrant(t, "a")
	b, bClient := newEntrant(t, "b")
	c, _ := newEntrant(t, "c")
	q.ArriveFresh(a)
	q.ArriveFresh(b)
	q.ArriveFresh(c)

	ctx := context.Background()
	q.pairOff(ctx, a, b)

	select {
	case pair := <-paired:
		assert.Equal(t, [2]string{"a", "b"}, pair)
	case <-time.After(2 * time.Second):
		t.Fatal("factory was never invoked")
	}

	require.Equal(t, 1, q.Len())
	assert.Equal(t, "c", q.items[0].Name)
	assert.False(t, q.pairing)

	drainGameFrames(t, aClient, 1)
	drainGameFrames(t, bClient, 1)
}
