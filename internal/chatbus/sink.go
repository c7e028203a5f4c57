// Package chatbus implements the process-wide chat fan-out described in
// SPEC_FULL.md §4.7: every CHAT frame that arrives on any endpoint is
// broadcast to every currently registered endpoint (the sender's own
// included), independent of
// whatever each of those endpoints' GAME stream is doing.
package chatbus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/battleshipd/battleshipd/internal/conn"
)

// Sink is a set of endpoints with a single fan-out operation. It holds a
// weak membership list — Sink never owns an Endpoint's lifecycle, it only
// tracks which ones are currently reachable.
type Sink struct {
	mu      sync.RWMutex
	members map[uuid.UUID]*conn.Endpoint
}

// New creates an empty Sink.
func New() *Sink {
	return &Sink{members: make(map[uuid.UUID]*conn.Endpoint)}
}

// Register adds ep to the broadcast membership.
func (s *Sink) Register(ep *conn.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[ep.ID()] = ep
}

// Unregister removes ep from the broadcast membership.
func (s *Sink) Unregister(ep *conn.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, ep.ID())
}

// Count returns the number of currently registered endpoints.
func (s *Sink) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Broadcast frames "<senderName>: <text>" as a CHAT packet and attempts to
// deliver it to every current member. A send failure silently evicts the
// failing endpoint — per-endpoint order is preserved (each endpoint's own
// send queue is FIFO), but delivery order across endpoints is not
// guaranteed.
func (s *Sink) Broadcast(senderName, text string) {
	line := fmt.Sprintf("%s: %s", senderName, text)

	s.mu.RLock()
	targets := make([]*conn.Endpoint, 0, len(s.members))
	for _, ep := range s.members {
		targets = append(targets, ep)
	}
	s.mu.RUnlock()

	for _, ep := range targets {
		if err := ep.SendChat(line); err != nil {
			slog.Warn("chatbus: evicting unreachable endpoint", "endpoint", ep.IP(), "error", err)
			s.Unregister(ep)
		}
	}
}
