package match

import (
	"fmt"
	"strings"
	"sync"

	"github.com/battleshipd/battleshipd/internal/board"
)

// runPlacement drives both slots through ship placement concurrently
// (SPEC_FULL.md §4.5: "placement is independent per player"). Returns
// false if the match was terminated (forfeit/both-gone) before both
// sides finished.
func (m *Match) runPlacement() bool {
	m.setPhase(PhasePlacement)

	for i, s := range m.slots {
		if !s.synthetic {
			_ = s.send(fmt.Sprintf("WELCOME PLAYER %d", i+1))
			_ = s.send("PLACE_SHIPS")
		}
	}

	var wg sync.WaitGroup
	for i, s := range m.slots {
		if s.synthetic {
			continue
		}
		wg.Add(1)
		go func(idx int, slot *Slot) {
			defer wg.Done()
			m.placeSlot(idx, slot)
		}(i, s)
	}
	wg.Wait()

	if m.terminated() {
		return false
	}

	for _, s := range m.slots {
		_ = s.send("ALL_SHIPS_PLACED")
	}
	m.mu.Lock()
	m.turn = 0
	m.mu.Unlock()
	return true
}

// placeSlot prompts slot ship-by-ship until every ship in board.Catalog is
// placed, handling re-prompts on validation error and disconnect/reconnect
// transparently. Returns once the slot is fully placed or the match is
// terminated out from under it.
func (m *Match) placeSlot(idx int, slot *Slot) {
	for {
		tmpl, ok := slot.board.NextShip()
		if !ok {
			break
		}
		_ = slot.send(fmt.Sprintf("Placing your %s (size %d).", tmpl.Name, tmpl.Length))

		ep := slot.currentEndpoint()
		payload, err := ep.RecvGame(m.matchCtx)
		if err == nil {
			if perr := m.applyPlacement(slot, payload); perr != nil {
				_ = slot.send(fmt.Sprintf("ERROR %s", errReason(perr)))
			}
			continue
		}

		if m.matchCtx.Err() != nil {
			return
		}
		// Any RecvGame failure other than context cancellation is treated
		// as peer-gone, per SPEC_FULL.md §7.
		if m.handleDisconnect(idx) {
			return
		}
		// Reconnected: loop and re-prompt the same (still-current) ship.
	}

	m.noteSlotDone(idx)
}

// applyPlacement parses and commits one PLACE command against slot's
// board.
func (m *Match) applyPlacement(slot *Slot, payload string) error {
	fields := strings.Fields(payload)
	if len(fields) != 4 || !strings.EqualFold(fields[0], "PLACE") {
		return board.ErrMalformedCoord
	}
	row, col, err := board.ParseCoord(fields[1])
	if err != nil {
		return err
	}
	orientation, err := board.ParseOrientation(fields[2])
	if err != nil {
		return err
	}
	shipName := fields[3]

	if err := slot.board.Place(row, col, orientation, shipName); err != nil {
		return err
	}
	_ = slot.send("PLACED")
	return nil
}

// noteSlotDone announces WAITING_FOR_OPPONENT... to a slot that finished
// placement first, for a multiplayer match where the peer isn't done yet.
func (m *Match) noteSlotDone(idx int) {
	if m.mode != ModeMultiplayer {
		return
	}
	other := m.slots[1-idx]
	if !other.board.AllPlaced() {
		_ = m.slots[idx].send("WAITING_FOR_OPPONENT_TO_FINISH_PLACING_SHIPS")
	}
}
