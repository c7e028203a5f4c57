// Package match implements the Match Supervisor (SPEC_FULL.md §4.5): the
// state machine that owns one game's two boards, drives ship placement and
// turn-based firing, supervises disconnect/reconnect, and hands surviving
// players back to the lobby on termination.
package match

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/battleshipd/battleshipd/internal/board"
	"github.com/battleshipd/battleshipd/internal/conn"
	"github.com/battleshipd/battleshipd/internal/lobby"
	"github.com/battleshipd/battleshipd/internal/session"
)

// Mode distinguishes a two-human match from single-player practice.
type Mode int

const (
	ModeMultiplayer Mode = iota
	ModePractice
)

// Phase is the match's position in the state machine of SPEC_FULL.md §4.5.
type Phase int

const (
	PhasePlacement Phase = iota
	PhasePlacementWaiting
	PhasePlay
	PhasePlayWaiting
	PhaseTerminated
)

// Slot is one player's seat in a match: identity, board, and the endpoint
// currently bound to it (nil, for the synthetic practice opponent).
type Slot struct {
	Name      string
	synthetic bool

	mu           sync.Mutex
	endpoint     *conn.Endpoint
	board        *board.Board
	disconnected bool
	resumeCh     chan struct{}
}

func newSlot(name string, ep *conn.Endpoint) *Slot {
	return &Slot{Name: name, endpoint: ep, board: board.New()}
}

func (s *Slot) currentEndpoint() *conn.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

func (s *Slot) isDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// send delivers text to the slot's current endpoint, a no-op for the
// synthetic practice opponent.
func (s *Slot) send(text string) error {
	ep := s.currentEndpoint()
	if ep == nil {
		return nil
	}
	return ep.SendGame(text)
}

// Match owns one game between two slots and the goroutine driving it.
type Match struct {
	id   uuid.UUID
	mode Mode

	slots [2]*Slot
	bot   *PracticeOpponent

	turnTimeout     time.Duration
	reconnectWindow time.Duration

	registry *session.Registry
	queue    *lobby.Queue

	mu                 sync.Mutex
	phase              Phase
	turn               int
	moves              int
	disconnectDeadline time.Time
	disconnectedSlot   int // slot whose disconnect opened the current window; -1 once it rejoins or when no window is open

	matchCtx    context.Context
	matchCancel context.CancelFunc
}

// Config bundles the timing knobs a Match needs, sourced from
// config.Server (SPEC_FULL.md §5).
type Config struct {
	TurnTimeout     time.Duration
	ReconnectWindow time.Duration
}

// NewMultiplayer builds a two-human match and registers both names' match
// association with registry, per SPEC_FULL.md §4.6.
func NewMultiplayer(cfg Config, a, b lobby.Entrant, registry *session.Registry, queue *lobby.Queue) *Match {
	m := &Match{
		id:               uuid.New(),
		mode:             ModeMultiplayer,
		slots:            [2]*Slot{newSlot(a.Name, a.Endpoint), newSlot(b.Name, b.Endpoint)},
		turnTimeout:      cfg.TurnTimeout,
		reconnectWindow:  cfg.ReconnectWindow,
		registry:         registry,
		queue:            queue,
		disconnectedSlot: -1,
	}
	registry.SetMatch(a.Name, m)
	registry.SetMatch(b.Name, m)
	return m
}

// NewPractice builds a single-human match against a deterministic bot
// opponent (SPEC_FULL.md §4.5a). The bot places its own ships immediately.
// Unlike NewMultiplayer, this takes no *session.Registry and never calls
// SetMatch: a practice match has no reconnect window to rebind into (see
// handleDisconnect's ModePractice case in reconnect.go), so there is
// nothing for a later Register call to find.
func NewPractice(cfg Config, human lobby.Entrant, queue *lobby.Queue) *Match {
	id := uuid.New()
	bot := newPracticeOpponent(seedFromUUID(id))

	botSlot := &Slot{Name: "the house", synthetic: true, board: board.New()}
	bot.placeShips(botSlot.board)

	m := &Match{
		id:               id,
		mode:             ModePractice,
		slots:            [2]*Slot{newSlot(human.Name, human.Endpoint), botSlot},
		bot:              bot,
		turnTimeout:      cfg.TurnTimeout,
		reconnectWindow:  cfg.ReconnectWindow,
		queue:            queue,
		disconnectedSlot: -1,
	}
	return m
}

// ID satisfies session.MatchHandle.
func (m *Match) ID() uuid.UUID { return m.id }

// Run drives the match to completion: placement, then play, then
// termination/requeue. Intended to be launched in its own goroutine by the
// Lobby's MatchFactory or the server's practice-mode dispatch.
func (m *Match) Run(ctx context.Context) {
	m.matchCtx, m.matchCancel = context.WithCancel(ctx)
	defer m.matchCancel()

	slog.Info("match started", "match", m.id, "mode", m.modeName())

	if !m.runPlacement() {
		return
	}
	m.runPlay()
}

func (m *Match) modeName() string {
	if m.mode == ModePractice {
		return "practice"
	}
	return "multiplayer"
}

func (m *Match) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

func (m *Match) terminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseTerminated
}

// terminate tears down registry associations for the human slots and
// drains any already-queued GAME payload each live endpoint is still
// holding, so a command that raced this termination (a turn timeout, a
// forfeit) can't resurface as input to whatever the endpoint is handed to
// next — the lobby, a new match, or a reconnect. Safe to call once per
// match; callers set phase = PhaseTerminated first.
func (m *Match) terminate() {
	for _, s := range m.slots {
		if s.synthetic {
			continue
		}
		if m.registry != nil {
			m.registry.ClearMatch(s.Name)
		}
		if ep := s.currentEndpoint(); ep != nil {
			ep.DrainGame()
		}
	}
	slog.Info("match terminated", "match", m.id)
	m.matchCancel()
}

func (m *Match) requeueWinner(s *Slot) {
	if m.queue == nil || s.synthetic {
		return
	}
	ep := s.currentEndpoint()
	if ep == nil {
		return
	}
	m.queue.ArriveAsWinner(lobby.Entrant{Name: s.Name, Endpoint: ep})
}

func (m *Match) requeueLoser(s *Slot) {
	if m.queue == nil || s.synthetic {
		return
	}
	ep := s.currentEndpoint()
	if ep == nil {
		return
	}
	m.queue.ArriveFresh(lobby.Entrant{Name: s.Name, Endpoint: ep})
}

func errReason(err error) string {
	switch {
	case errors.Is(err, board.ErrMalformedCoord):
		return "malformed coordinate"
	case errors.Is(err, board.ErrOutOfBounds):
		return "coordinate out of bounds"
	case errors.Is(err, board.ErrBadOrientation):
		return "orientation must be H or V"
	case errors.Is(err, board.ErrCellOccupied):
		return "cell already occupied"
	case errors.Is(err, board.ErrWrongShip):
		return err.Error()
	case errors.Is(err, board.ErrAllShipsPlaced):
		return "all ships already placed"
	default:
		return err.Error()
	}
}

func seedFromUUID(id uuid.UUID) int64 {
	var seed int64
	for _, b := range id[:8] {
		seed = seed<<8 | int64(b)
	}
	if seed < 0 {
		seed = -seed
	}
	return seed
}
