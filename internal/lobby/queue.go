// Package lobby implements the matchmaking waiting line (SPEC_FULL.md
// §4.4): a FIFO of players waiting for an opponent, paired off two at a
// time on a fixed tick, with a match's winner re-entering at the front
// rather than the back.
package lobby

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/battleshipd/battleshipd/internal/conn"
)

// Entrant is one player waiting in the lobby.
type Entrant struct {
	Name     string
	Endpoint *conn.Endpoint
}

// MatchFactory starts a new match for a paired-off pair of entrants. The
// server supplies this so lobby never has to import the match supervisor.
type MatchFactory func(a, b Entrant)

const (
	defaultTickInterval = 500 * time.Millisecond
	defaultCountdown    = 5 * time.Second
)

// Queue is the lobby's waiting line. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	items   []Entrant
	pairing bool // true while a countdown is in flight; the pairing loop skips re-snapshotting until it resolves

	factory   MatchFactory
	interval  time.Duration
	countdown time.Duration
}

// New creates a Queue that hands paired-off entrants to factory. interval
// is the pairing-loop tick (SPEC_FULL.md §4.4, default 500ms); countdown is
// the announce-then-pop lead time (default 5s). Zero values fall back to
// those defaults.
func New(factory MatchFactory, interval, countdown time.Duration) *Queue {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	if countdown <= 0 {
		countdown = defaultCountdown
	}
	return &Queue{
		factory:   factory,
		interval:  interval,
		countdown: countdown,
	}
}

// ArriveFresh enqueues e at the back of the line — a brand new arrival or
// a match's loser. A pairing that falls through during the countdown does
// not come through here: its survivor was never popped and keeps its place.
func (q *Queue) ArriveFresh(e Entrant) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, e)
}

// ArriveAsWinner enqueues e at the front of the line: a match winner gets
// matched against the next challenger before any fresh arrival,
// per SPEC_FULL.md §4.4.
func (q *Queue) ArriveAsWinner(e Entrant) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]Entrant{e}, q.items...)
}

// Len reports the current queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run drives the pairing loop until ctx is cancelled. server.Serve launches
// it once, in its own goroutine alongside the accept loop.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

func (q *Queue) tick(ctx context.Context) {
	q.mu.Lock()
	q.pruneLocked()

	// While a countdown is in flight, the head two are already spoken
	// for; don't re-snapshot them into a second overlapping pairOff.
	if q.pairing || len(q.items) < 2 {
		q.broadcastPositionsLocked()
		q.mu.Unlock()
		return
	}

	a, b := q.items[0], q.items[1]
	q.pairing = true
	// a and b get their own "next match" notice from pairOff; the
	// position broadcast here is only for whoever is still waiting
	// behind them.
	q.broadcastPositionsFor(q.items[2:])
	q.mu.Unlock()

	go q.pairOff(ctx, a, b)
}

// pairOff announces the pending match and waits out the countdown so
// either side has one last chance to back out by disconnecting, per
// spec.md §4.4 steps 2-4: the head two are only popped from the queue
// once the countdown is confirmed to survive. Neither entrant is removed
// from q.items beforehand, so a side that vanishes during the countdown
// leaves the other exactly where it already was in line — that survivor
// never played a match, so it is not owed the winner's head-of-queue
// priority (spec.md §3/§4.4 reserve ArriveAsWinner for "the prior
// match's winner only").
func (q *Queue) pairOff(ctx context.Context, a, b Entrant) {
	notice := fmt.Sprintf("[LOBBY] next match: %s vs %s starting in %d s", a.Name, b.Name, int(q.countdown.Seconds()))
	_ = a.Endpoint.SendGame(notice)
	_ = b.Endpoint.SendGame(notice)

	select {
	case <-time.After(q.countdown):
	case <-ctx.Done():
		q.mu.Lock()
		q.pairing = false
		q.mu.Unlock()
		return
	}

	aGone := a.Endpoint.State() == conn.StateDisconnected
	bGone := b.Endpoint.State() == conn.StateDisconnected

	q.mu.Lock()
	q.pairing = false
	switch {
	case aGone && bGone:
		q.mu.Unlock()
	case aGone:
		slog.Info("lobby: pairing fell through, survivor keeps its place", "name", b.Name)
		q.mu.Unlock()
	case bGone:
		slog.Info("lobby: pairing fell through, survivor keeps its place", "name", a.Name)
		q.mu.Unlock()
	default:
		q.removeLocked(a.Endpoint)
		q.removeLocked(b.Endpoint)
		q.mu.Unlock()
		q.factory(a, b)
	}
}

// removeLocked drops the first entrant bound to ep from the queue, if
// still present. Must be called with q.mu held.
func (q *Queue) removeLocked(ep *conn.Endpoint) {
	for i, e := range q.items {
		if e.Endpoint == ep {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// broadcastPositionsLocked notifies every entrant in the queue of its
// position. Must be called with q.mu held.
func (q *Queue) broadcastPositionsLocked() {
	q.broadcastPositionsFor(q.items)
}

// broadcastPositionsFor notifies waiting (position numbered from 1) of
// its position, per spec §6's `[LOBBY] You are position <n> in the
// queue.` grammar. A lone entrant also gets the "still waiting" notice.
// Must be called with q.mu held.
func (q *Queue) broadcastPositionsFor(waiting []Entrant) {
	if len(waiting) == 1 {
		_ = waiting[0].Endpoint.SendGame("Waiting for another player to join...")
	}
	for i, e := range waiting {
		_ = e.Endpoint.SendGame(fmt.Sprintf("[LOBBY] You are position %d in the queue.", i+1))
	}
}

// pruneLocked drops entrants whose endpoint has already torn down. Must
// be called with q.mu held.
func (q *Queue) pruneLocked() {
	live := q.items[:0]
	for _, e := range q.items {
		if e.Endpoint.State() != conn.StateDisconnected {
			live = append(live, e)
		}
	}
	q.items = live
}
