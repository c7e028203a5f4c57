// Package server is the Server Front Door of SPEC_FULL.md §2/§4.8: the
// accept loop and per-connection dispatcher that wires the session
// registry, the lobby queue, and the chat sink together and routes every
// authenticated connection into either the lobby (multiplayer) or a
// direct practice match.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/battleshipd/battleshipd/internal/chatbus"
	"github.com/battleshipd/battleshipd/internal/config"
	"github.com/battleshipd/battleshipd/internal/conn"
	"github.com/battleshipd/battleshipd/internal/lobby"
	"github.com/battleshipd/battleshipd/internal/match"
	"github.com/battleshipd/battleshipd/internal/protocol"
	"github.com/battleshipd/battleshipd/internal/session"
)

// modeNegotiationWindow bounds how long the front door waits, right after
// USERNAME, for the optional "MODE PRACTICE" token (SPEC_FULL.md §6)
// before defaulting a fresh arrival to the multiplayer lobby.
const modeNegotiationWindow = 1500 * time.Millisecond

// Server owns the listener and the process-wide collaborators named in
// SPEC_FULL.md §4.8: the session registry, the lobby queue, and the chat
// sink. One Server handles the whole life of the process.
type Server struct {
	cfg      config.Server
	cipher   *protocol.Cipher
	registry *session.Registry
	chat     *chatbus.Sink
	queue    *lobby.Queue
	matchCfg match.Config

	mu       sync.Mutex
	listener net.Listener
	baseCtx  context.Context
}

// New builds a Server and wires its collaborators: a chat sink, a session
// registry, and a lobby queue whose pairing loop hands winning pairs to a
// freshly constructed multiplayer match.
func New(cfg config.Server) (*Server, error) {
	cipher, err := protocol.NewCipher([]byte(cfg.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		cipher:   cipher,
		registry: session.New(),
		chat:     chatbus.New(),
		matchCfg: match.Config{TurnTimeout: cfg.TurnTimeout, ReconnectWindow: cfg.ReconnectWindow},
	}
	s.queue = lobby.New(s.startMultiplayer, cfg.LobbyPollInterval, cfg.LobbyCountdown)
	return s, nil
}

// Registry exposes the session registry, mainly for tests that want to
// assert on registration state without a live socket.
func (s *Server) Registry() *session.Registry { return s.registry }

// Addr returns the bound listener address, or nil before Run/Serve starts
// listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens on cfg.BindAddress:cfg.Port and serves until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the lobby pairing loop and the accept loop against ln until
// ctx is cancelled. Split from Run so integration tests can supply a
// listener already bound to an ephemeral port.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.baseCtx = ctx
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	lobbyDone := make(chan struct{})
	go func() {
		defer close(lobbyDone)
		if err := s.queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("server: lobby pairing loop exited", "error", err)
		}
	}()

	slog.Info("battleshipd listening", "address", ln.Addr())

	var wg sync.WaitGroup
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				break
			}
			slog.Warn("server: accept failed", "error", err)
			continue
		}

		if tcpConn, ok := c.(*net.TCPConn); ok {
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(30 * time.Second)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, c)
		}()
	}
	wg.Wait()
	<-lobbyDone
	return nil
}

// handleConnection authenticates one freshly accepted socket and routes
// it into the lobby or a practice match. A practice match runs to
// completion inside this call; otherwise it returns as soon as the
// connection has somewhere to live on — the Endpoint's own read/write
// goroutines (internal/conn) carry the socket for the rest of its life.
func (s *Server) handleConnection(ctx context.Context, c net.Conn) {
	ep := conn.New(c, s.cipher, s.chat, s.cfg.ReadTimeout, s.cfg.WriteTimeout, s.cfg.SendQueueSize)
	s.chat.Register(ep)
	ep.SetOnClose(func(e *conn.Endpoint) {
		s.chat.Unregister(e)
		if name := e.Name(); name != "" {
			s.registry.Deregister(name, e)
		}
	})

	slog.Info("client connected", "remote", ep.IP())

	name, route := s.authenticate(ctx, ep)
	if !route {
		return
	}
	ep.SetState(conn.StateAuthenticated)

	if s.negotiatePractice(ctx, ep) {
		slog.Info("starting practice match", "name", name)
		match.NewPractice(s.matchCfg, lobby.Entrant{Name: name, Endpoint: ep}, s.queue).Run(ctx)
		return
	}

	s.queue.ArriveFresh(lobby.Entrant{Name: name, Endpoint: ep})
}

// authenticate reads the mandatory first GAME packet and validates it as
// "USERNAME <name>" (SPEC_FULL.md §6). route is false when the caller has
// nothing further to do for this goroutine: either authentication failed
// outright, or the name resolved to a reconnect and the match supervisor
// already rebound the slot to ep.
func (s *Server) authenticate(ctx context.Context, ep *conn.Endpoint) (name string, route bool) {
	payload, err := ep.RecvGame(ctx)
	if err != nil {
		return "", false
	}

	fields := strings.Fields(payload)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "USERNAME") || fields[1] == "" {
		_ = ep.SendGame("ERROR expected USERNAME <name>")
		_ = ep.Close()
		return "", false
	}
	name = fields[1]
	ep.SetName(name)

	reconnect, err := s.registry.Register(name, ep)
	if err != nil {
		_ = ep.SendGame("ERROR name-in-use")
		_ = ep.Close()
		return "", false
	}
	if reconnect {
		slog.Info("player reconnected", "name", name)
		return "", false
	}
	return name, true
}

// startMultiplayer is the lobby.MatchFactory: it builds a Match for a
// paired-off pair of entrants and runs it to completion in its own
// goroutine, independent of whichever accept-loop goroutine paired them.
func (s *Server) startMultiplayer(a, b lobby.Entrant) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	m := match.NewMultiplayer(s.matchCfg, a, b, s.registry, s.queue)
	go m.Run(ctx)
}

// negotiatePractice waits up to modeNegotiationWindow for an optional
// "MODE PRACTICE" token. A timeout or a transport failure both mean
// "multiplayer" — the distilled spec's default. A payload that arrives
// but isn't the practice token is not the negotiation's to consume: it's
// pushed back onto ep so the lobby/match path that takes over next still
// sees it as the first command on the GAME stream, instead of silently
// losing a real client command to network jitter inside this window.
func (s *Server) negotiatePractice(ctx context.Context, ep *conn.Endpoint) bool {
	modeCtx, cancel := context.WithTimeout(ctx, modeNegotiationWindow)
	defer cancel()

	payload, err := ep.RecvGame(modeCtx)
	if err != nil {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(payload), "MODE PRACTICE") {
		return true
	}
	ep.UnreadGame(payload)
	return false
}
