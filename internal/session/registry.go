// Package session is the process-wide mapping from display name to
// current endpoint and match membership (SPEC_FULL.md §4.6): it resolves
// whether a newly authenticated connection is a fresh arrival or a
// reconnect to a match with a disconnected slot of that name.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/battleshipd/battleshipd/internal/conn"
)

// ErrNameInUse is returned by Register when name already has a live
// entry that is not eligible for reconnect — SPEC_FULL.md §4.6 resolves
// the spec's open question (a) in favor of rejecting outright rather
// than silently replacing the old session.
var ErrNameInUse = errors.New("session: name already in use")

// MatchHandle is the subset of match.Match the registry needs to decide
// whether an existing entry is eligible for reconnect, and to perform the
// rebind. Defined here (rather than imported from package match) so
// session has no dependency on match — match depends on session, not the
// other way around.
type MatchHandle interface {
	// ID identifies the match, used for log correlation only.
	ID() uuid.UUID
	// TryReconnect atomically rebinds the named slot to ep if — and only
	// if — that slot is currently disconnected and the match's reconnect
	// window is still open. Returns whether the rebind happened.
	TryReconnect(name string, ep *conn.Endpoint) bool
}

type entry struct {
	endpoint *conn.Endpoint
	match    MatchHandle
}

// Registry is the session table. Safe for concurrent use; the single
// lock's critical sections are short lookups/mutations, never blocking
// I/O (SPEC_FULL.md §5).
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register binds name to ep. If name has no live entry, this is a fresh
// arrival. If a live entry exists and its current match accepts a
// reconnect for this name (TryReconnect), the entry is atomically rebound
// and Register reports reconnect=true. Otherwise Register fails with
// ErrNameInUse.
func (r *Registry) Register(name string, ep *conn.Endpoint) (reconnect bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[name]
	if !ok {
		r.entries[name] = &entry{endpoint: ep}
		return false, nil
	}

	if existing.match != nil && existing.match.TryReconnect(name, ep) {
		existing.endpoint = ep
		return true, nil
	}

	return false, ErrNameInUse
}

// Deregister removes name's entry, but only if it still points at ep —
// this prevents a stale deregister (e.g. from a superseded connection)
// from evicting a newer one.
func (r *Registry) Deregister(name string, ep *conn.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok && e.endpoint == ep {
		delete(r.entries, name)
	}
}

// SetMatch records which match name is currently a member of. Called by
// match.NewMultiplayer when the lobby hands a pair off to a new Match
// Supervisor.
func (r *Registry) SetMatch(name string, m MatchHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.match = m
	}
}

// ClearMatch removes the match association for name — called by the
// supervisor on termination, per SPEC_FULL.md §4.5 ("the match entry is
// then removed from the Session Registry's match map").
func (r *Registry) ClearMatch(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.match = nil
	}
}

// Endpoint returns the endpoint currently registered for name.
func (r *Registry) Endpoint(name string) (*conn.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.endpoint, true
}

// Count returns the number of registered names.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
