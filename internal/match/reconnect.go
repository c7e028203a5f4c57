package match

import (
	"fmt"
	"time"

	"github.com/battleshipd/battleshipd/internal/conn"
)

// handleDisconnect marks idx's slot disconnected, opens (or joins) the
// shared reconnect window, and blocks until the slot rejoins, the window
// expires, or the whole match is cancelled. Returns true if the match is
// now terminated and the caller must stop.
//
// Practice matches (SPEC_FULL.md §4.5a: "never enter PLACEMENT_WAITING/
// PLAY_WAITING") skip the window entirely and terminate immediately:
// NewPractice never points the human's session.Registry entry at this
// match (no SetMatch call), so session.Registry.Register can never route
// a same-name reconnect to this match's TryReconnect — opening a window
// here would just be a 60s wait for a rejoin that can't happen.
func (m *Match) handleDisconnect(idx int) (terminated bool) {
	if m.mode == ModePractice {
		m.mu.Lock()
		m.phase = PhaseTerminated
		m.mu.Unlock()
		m.terminate()
		return true
	}

	slot := m.slots[idx]
	other := m.slots[1-idx]

	m.mu.Lock()
	slot.mu.Lock()
	if !slot.disconnected {
		slot.disconnected = true
		slot.resumeCh = make(chan struct{})
	}
	resumeCh := slot.resumeCh
	firstDisconnect := m.disconnectedSlot < 0
	if firstDisconnect {
		m.disconnectedSlot = idx
		m.disconnectDeadline = time.Now().Add(m.reconnectWindow)
	}
	deadline := m.disconnectDeadline
	switch m.phase {
	case PhasePlacement:
		m.phase = PhasePlacementWaiting
	case PhasePlay:
		m.phase = PhasePlayWaiting
	}
	slot.mu.Unlock()
	m.mu.Unlock()

	if firstDisconnect {
		_ = other.send(fmt.Sprintf("INFO: Opponent disconnected. Waiting up to %d seconds...", int(m.reconnectWindow.Seconds())))
	}

	select {
	case <-resumeCh:
		return false
	case <-time.After(time.Until(deadline)):
		return m.forfeitDisconnect(idx)
	case <-m.matchCtx.Done():
		return true
	}
}

// forfeitDisconnect handles reconnect-window expiry for loserIdx's slot.
// If the opponent is also currently disconnected (SPEC_FULL.md §4.5: "if
// both players disconnect ... the match terminates with no winner"), no
// one is declared a winner.
func (m *Match) forfeitDisconnect(loserIdx int) bool {
	winnerIdx := 1 - loserIdx
	winner := m.slots[winnerIdx]

	m.mu.Lock()
	if m.phase == PhaseTerminated {
		m.mu.Unlock()
		return true
	}
	m.phase = PhaseTerminated
	m.mu.Unlock()

	if winner.isDisconnected() {
		m.terminate()
		return true
	}

	_ = winner.send("OPPONENT_TIMEOUT. You win!")
	_ = winner.send("BYE")
	m.requeueWinner(winner)
	m.terminate()
	return true
}

// slotIndex returns the slot index bound to name, or -1.
func (m *Match) slotIndex(name string) int {
	for i, s := range m.slots {
		if !s.synthetic && s.Name == name {
			return i
		}
	}
	return -1
}

// TryReconnect implements session.MatchHandle: atomically rebinds a
// disconnected slot to ep if that slot's name matches and the reconnect
// window is still open, per SPEC_FULL.md §4.6.
func (m *Match) TryReconnect(name string, ep *conn.Endpoint) bool {
	idx := m.slotIndex(name)
	if idx < 0 {
		return false
	}
	slot := m.slots[idx]

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhasePlacementWaiting && m.phase != PhasePlayWaiting {
		return false
	}

	slot.mu.Lock()
	if !slot.disconnected {
		slot.mu.Unlock()
		return false
	}
	slot.endpoint = ep
	slot.disconnected = false
	close(slot.resumeCh)
	slot.mu.Unlock()

	if m.disconnectedSlot == idx {
		m.disconnectedSlot = -1
	}

	other := m.slots[1-idx]
	if !other.isDisconnected() {
		switch m.phase {
		case PhasePlacementWaiting:
			m.phase = PhasePlacement
		case PhasePlayWaiting:
			m.phase = PhasePlay
		}
	}
	return true
}
