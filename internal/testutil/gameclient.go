package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/battleshipd/battleshipd/internal/protocol"
)

// GameClient drives one side of the wire protocol directly over a real
// net.Conn, the way a battleshipd client would, for black-box integration
// tests against a running server.Server. Incoming GAME and CHAT frames
// arrive interleaved on the same socket, so GameClient demultiplexes them
// into separate queues the same way conn.Endpoint does server-side.
type GameClient struct {
	t    testing.TB
	conn netConn
	seq  uint32

	gameQueue []string
	chatQueue []string
}

// netConn is the subset of net.Conn GameClient needs; kept narrow so
// callers can hand in either a *net.TCPConn or a net.Pipe side.
type netConn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	SetReadDeadline(time.Time) error
	Close() error
}

// NewGameClient wraps conn for scripted send/recv in a test.
func NewGameClient(t testing.TB, conn netConn) *GameClient {
	t.Helper()
	return &GameClient{t: t, conn: conn}
}

// SendGame frames text as a GAME packet and writes it.
func (c *GameClient) SendGame(text string) {
	c.t.Helper()
	require.NoError(c.t, protocol.WriteFrame(c.conn, nil, c.seq, protocol.TypeGame, []byte(text)))
	c.seq++
}

// SendChat frames text as a CHAT packet and writes it.
func (c *GameClient) SendChat(text string) {
	c.t.Helper()
	require.NoError(c.t, protocol.WriteFrame(c.conn, nil, c.seq, protocol.TypeChat, []byte(text)))
	c.seq++
}

// RecvGame returns the next GAME packet's payload, buffering any CHAT
// packets read along the way for a later RecvChat.
func (c *GameClient) RecvGame(timeout time.Duration) string {
	c.t.Helper()
	return c.recv(protocol.TypeGame, timeout)
}

// RecvChat returns the next CHAT packet's payload, buffering any GAME
// packets read along the way for a later RecvGame.
func (c *GameClient) RecvChat(timeout time.Duration) string {
	c.t.Helper()
	return c.recv(protocol.TypeChat, timeout)
}

// recv drains c's queue for want first, then reads frames off the wire
// until one of the wanted type arrives, stashing mismatches in the other
// queue.
func (c *GameClient) recv(want protocol.Type, timeout time.Duration) string {
	c.t.Helper()

	queue := &c.gameQueue
	if want == protocol.TypeChat {
		queue = &c.chatQueue
	}
	if len(*queue) > 0 {
		v := (*queue)[0]
		*queue = (*queue)[1:]
		return v
	}

	deadline := time.Now().Add(timeout)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, typ, payload, err := protocol.ReadFrame(c.conn, nil)
		require.NoError(c.t, err)

		if typ == want {
			return string(payload)
		}
		switch typ {
		case protocol.TypeGame:
			c.gameQueue = append(c.gameQueue, string(payload))
		case protocol.TypeChat:
			c.chatQueue = append(c.chatQueue, string(payload))
		}
	}
}

// Close tears down the underlying connection.
func (c *GameClient) Close() error {
	return c.conn.Close()
}
