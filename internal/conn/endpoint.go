// Package conn wraps one live client socket: framing, a serialized sender,
// a single receive loop, and cancellation — the "Connection Endpoint" of
// SPEC_FULL.md §4.2.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/battleshipd/battleshipd/internal/protocol"
)

// Errors returned by RecvGame/SendGame/SendChat.
var (
	// ErrPeerGone means the transport failed or the peer closed the
	// connection — framing failures (short frame, checksum mismatch) are
	// folded into this per SPEC_FULL.md §7.
	ErrPeerGone = errors.New("conn: peer gone")
	// ErrCancelled means a termination token fired while RecvGame was
	// blocked — raised by match termination, supersession, or Close.
	ErrCancelled = errors.New("conn: cancelled")
)

// ChatBroadcaster is the process-wide fan-out CHAT packets are handed to
// as they arrive, decoupled from whatever currently owns the GAME stream
// (lobby / match / practice supervisor). Implemented by chatbus.Sink.
type ChatBroadcaster interface {
	Broadcast(senderName, text string)
}

const (
	defaultGameQueueSize = 32
	defaultSendQueueSize = 64
)

// Endpoint is the server-side handle for one live client socket.
type Endpoint struct {
	id         uuid.UUID
	conn       net.Conn
	ip         string
	cipher     *protocol.Cipher
	chatBus    ChatBroadcaster
	sendSeq    atomic.Uint32
	state      atomic.Int32
	readTimeout time.Duration

	nameMu sync.RWMutex
	name   string

	unreadMu sync.Mutex
	unread   []string

	sendCh  chan []byte
	gameCh  chan string
	closeCh chan struct{}
	closeOnce sync.Once

	closeErr atomic.Value // stores error, set once the read loop exits

	onClose func(*Endpoint)
}

// New wraps conn for server-side use. chatBus receives CHAT frames as
// they arrive; readTimeout bounds idle reads (SPEC_FULL.md §5); writeTimeout
// and sendQueueSize configure the writer goroutine, modeled on the
// teacher's GameClient write-pump tunables.
func New(c net.Conn, cipher *protocol.Cipher, chatBus ChatBroadcaster, readTimeout, writeTimeout time.Duration, sendQueueSize int) *Endpoint {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	host := c.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	e := &Endpoint{
		id:          uuid.New(),
		conn:        c,
		ip:          host,
		cipher:      cipher,
		chatBus:     chatBus,
		readTimeout: readTimeout,
		sendCh:      make(chan []byte, sendQueueSize),
		gameCh:      make(chan string, defaultGameQueueSize),
		closeCh:     make(chan struct{}),
	}
	e.state.Store(int32(StateConnected))

	go e.writePump(writeTimeout)
	go e.readLoop()

	return e
}

// ID returns the endpoint's unique identifier (used for log correlation).
func (e *Endpoint) ID() uuid.UUID { return e.id }

// IP returns the client's remote address (host only).
func (e *Endpoint) IP() string { return e.ip }

// State returns the current connection-lifecycle state.
func (e *Endpoint) State() State { return State(e.state.Load()) }

// SetState updates the connection-lifecycle state.
func (e *Endpoint) SetState(s State) { e.state.Store(int32(s)) }

// Name returns the display name this endpoint authenticated with, or ""
// before USERNAME is processed.
func (e *Endpoint) Name() string {
	e.nameMu.RLock()
	defer e.nameMu.RUnlock()
	return e.name
}

// SetName records the display name this endpoint authenticated with.
func (e *Endpoint) SetName(name string) {
	e.nameMu.Lock()
	e.name = name
	e.nameMu.Unlock()
}

// SetOnClose registers a hook invoked exactly once when the endpoint tears
// down (read loop exit or explicit Close). Used by the server to deregister
// the endpoint from the session registry and chat sink without conn
// depending on either package.
func (e *Endpoint) SetOnClose(fn func(*Endpoint)) {
	e.onClose = fn
}

// SendGame frames text as a GAME packet and queues it for delivery.
func (e *Endpoint) SendGame(text string) error {
	return e.send(protocol.TypeGame, text)
}

// SendChat frames text as a CHAT packet and queues it for delivery. Used
// by chatbus.Sink when fanning a message out to every registered endpoint.
func (e *Endpoint) SendChat(text string) error {
	return e.send(protocol.TypeChat, text)
}

func (e *Endpoint) send(typ protocol.Type, text string) error {
	seq := e.sendSeq.Add(1) - 1
	frame, err := protocol.Build(e.cipher, seq, typ, []byte(text))
	if err != nil {
		return fmt.Errorf("conn: building frame: %w", err)
	}

	select {
	case <-e.closeCh:
		return ErrPeerGone
	default:
	}

	select {
	case e.sendCh <- frame:
		return nil
	case <-e.closeCh:
		return ErrPeerGone
	}
}

// RecvGame returns the next GAME payload, or fails with ErrPeerGone /
// ErrCancelled. Any CHAT packets arriving between invocations are
// forwarded to the ChatBroadcaster transparently by the read loop —
// callers never see them here.
func (e *Endpoint) RecvGame(ctx context.Context) (string, error) {
	e.unreadMu.Lock()
	if len(e.unread) > 0 {
		payload := e.unread[0]
		e.unread = e.unread[1:]
		e.unreadMu.Unlock()
		return payload, nil
	}
	e.unreadMu.Unlock()

	select {
	case payload, ok := <-e.gameCh:
		if !ok {
			return "", e.loadCloseErr()
		}
		return payload, nil
	case <-ctx.Done():
		return "", ErrCancelled
	case <-e.closeCh:
		return "", e.loadCloseErr()
	}
}

// UnreadGame pushes payload back to the front of the GAME stream, so the
// next RecvGame call returns it before anything already queued on the
// wire. Used when a caller peeked at one payload to decide routing (e.g.
// the server's practice-mode negotiation) and turned out not to be the
// token it was looking for — the payload is still the next real command
// for whatever owns RecvGame next and must not be silently dropped.
func (e *Endpoint) UnreadGame(payload string) {
	e.unreadMu.Lock()
	e.unread = append(e.unread, "")
	copy(e.unread[1:], e.unread)
	e.unread[0] = payload
	e.unreadMu.Unlock()
}

// DrainGame discards any GAME payloads already queued on gameCh. A caller
// handing this endpoint off to a new owner (e.g. the match supervisor
// requeueing a survivor to the lobby) must call this first: a payload
// that raced the old owner's context cancellation (a turn timeout, a
// match termination) can otherwise sit in the channel and surface as
// bogus input to whatever reads from the endpoint next.
func (e *Endpoint) DrainGame() {
	for {
		select {
		case <-e.gameCh:
		default:
			return
		}
	}
}

// readLoop is the sole reader of the socket. It demultiplexes CHAT frames
// to the chat bus and queues GAME frames on gameCh in wire order, per
// SPEC_FULL.md §4.2's ordering guarantee. Exits (and tears the endpoint
// down) on any framing or transport failure.
func (e *Endpoint) readLoop() {
	defer e.teardown(ErrPeerGone)

	for {
		if e.readTimeout > 0 {
			if err := e.conn.SetReadDeadline(time.Now().Add(e.readTimeout)); err != nil {
				return
			}
		}

		_, typ, payload, err := protocol.ReadFrame(e.conn, e.cipher)
		if err != nil {
			return
		}

		switch typ {
		case protocol.TypeChat:
			if e.chatBus != nil {
				e.chatBus.Broadcast(e.Name(), string(payload))
			}
		default:
			// GAME (or any unrecognized type, passed through per
			// SPEC_FULL.md §4.1 — the dispatcher above us decides what
			// to do with a token it doesn't recognize).
			select {
			case e.gameCh <- string(payload):
			case <-e.closeCh:
				return
			}
		}
	}
}

// writePump is the dedicated writer goroutine for this endpoint, modeled
// on the teacher's GameClient.writePump: drains the queue, batching with
// net.Buffers when more than one frame is pending.
func (e *Endpoint) writePump(writeTimeout time.Duration) {
	bufs := make(net.Buffers, 0, 8)

	for {
		select {
		case frame, ok := <-e.sendCh:
			if !ok {
				return
			}
			if writeTimeout > 0 {
				if err := e.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
					slog.Warn("conn: set write deadline failed", "endpoint", e.ip, "error", err)
					return
				}
			}

			queued := len(e.sendCh)
			if queued == 0 {
				if _, err := e.conn.Write(frame); err != nil {
					slog.Warn("conn: write failed", "endpoint", e.ip, "error", err)
					return
				}
				continue
			}

			bufs = append(bufs[:0], frame)
			for range queued {
				bufs = append(bufs, <-e.sendCh)
			}
			if _, err := bufs.WriteTo(e.conn); err != nil {
				slog.Warn("conn: batch write failed", "endpoint", e.ip, "error", err)
				return
			}

		case <-e.closeCh:
			return
		}
	}
}

// Close tears the endpoint down: stops the read/write loops, closes the
// socket, and (if registered) invokes the onClose hook. Safe to call more
// than once and from any goroutine.
func (e *Endpoint) Close() error {
	e.teardown(ErrCancelled)
	return e.conn.Close()
}

func (e *Endpoint) teardown(cause error) {
	e.closeOnce.Do(func() {
		e.closeErr.Store(cause)
		e.state.Store(int32(StateDisconnected))
		close(e.closeCh)
		if e.onClose != nil {
			e.onClose(e)
		}
	})
}

func (e *Endpoint) loadCloseErr() error {
	if v := e.closeErr.Load(); v != nil {
		return v.(error)
	}
	return ErrPeerGone
}
