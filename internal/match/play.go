package match

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/battleshipd/battleshipd/internal/board"
	"github.com/battleshipd/battleshipd/internal/conn"
)

// runPlay drives the turn-based firing phase until the match terminates
// (win, forfeit, quit, or both-sides-gone), per SPEC_FULL.md §4.5.
func (m *Match) runPlay() {
	m.setPhase(PhasePlay)

	for {
		if m.terminated() {
			return
		}

		m.mu.Lock()
		active := m.turn
		m.mu.Unlock()
		passive := 1 - active

		if m.slots[active].synthetic {
			if m.playBotTurn(active, passive) {
				return
			}
			continue
		}

		if err := m.announceTurn(active, passive); err != nil {
			if m.handleDisconnect(active) {
				return
			}
			continue
		}

		turnCtx, cancel := context.WithTimeout(m.matchCtx, m.turnTimeout)
		terminated, switchTurn := m.playTurn(turnCtx, active, passive)
		cancel()

		if terminated {
			return
		}
		if switchTurn {
			m.mu.Lock()
			m.turn = passive
			m.mu.Unlock()
		}
	}
}

// announceTurn sends the active player their boards and the turn clock,
// and tells the passive player to wait. Returns an error only when the
// active send itself failed (active side is gone before its turn began).
func (m *Match) announceTurn(active, passive int) error {
	activeSlot := m.slots[active]
	passiveSlot := m.slots[passive]

	if err := activeSlot.send("READY"); err != nil {
		return err
	}
	_ = activeSlot.send(boardView("OWN_BOARD", activeSlot.board, true))
	_ = activeSlot.send(boardView("GRID", passiveSlot.board, false))
	_ = activeSlot.send(fmt.Sprintf("You have %d seconds to make your move.", int(m.turnTimeout.Seconds())))

	if err := passiveSlot.send("WAITING"); err != nil {
		go m.handleDisconnect(passive)
	}
	return nil
}

func boardView(header string, b *board.Board, ownView bool) string {
	return header + "\n" + b.Render(ownView) + "\n\n"
}

// playTurn reads and acts on commands from active until the turn ends
// (switch, termination, or timeout). terminated reports whether the
// match is over; switchTurn reports whether the turn passes to passive.
func (m *Match) playTurn(turnCtx context.Context, active, passive int) (terminated, switchTurn bool) {
	activeSlot := m.slots[active]

	for {
		ep := activeSlot.currentEndpoint()
		payload, err := ep.RecvGame(turnCtx)

		if err == nil {
			cmd := strings.TrimSpace(payload)
			switch {
			case strings.EqualFold(cmd, "quit"):
				m.voluntaryQuit(active, passive)
				return true, false
			case len(cmd) >= 4 && strings.EqualFold(cmd[:4], "FIRE"):
				t, sw, stop := m.handleFire(active, passive, cmd)
				if stop {
					return t, sw
				}
				continue
			default:
				_ = activeSlot.send("ERROR unknown command")
				continue
			}
		}

		switch {
		case errors.Is(err, conn.ErrCancelled):
			if m.matchCtx.Err() != nil {
				return true, false
			}
			return m.turnTimeoutForfeit(active, passive), false
		case errors.Is(err, conn.ErrPeerGone):
			if m.handleDisconnect(active) {
				return true, false
			}
			continue
		default:
			return true, false
		}
	}
}

// handleFire resolves one FIRE command. stop is true once this call has
// produced a definitive outcome for the turn (error replies keep the same
// turn going and set stop=false).
func (m *Match) handleFire(active, passive int, cmd string) (terminated, switchTurn, stop bool) {
	activeSlot := m.slots[active]
	passiveSlot := m.slots[passive]

	fields := strings.Fields(cmd)
	if len(fields) != 2 {
		_ = activeSlot.send("ERROR malformed fire command")
		return false, false, false
	}

	row, col, err := board.ParseCoord(fields[1])
	if err != nil {
		_ = activeSlot.send(fmt.Sprintf("ERROR %s", errReason(err)))
		return false, false, false
	}

	result, sunkName, _ := passiveSlot.board.Fire(row, col)
	if result == board.ResultAlreadyShot {
		_ = activeSlot.send("RESULT ALREADY_SHOT")
		return false, false, false
	}

	m.mu.Lock()
	m.moves++
	moves := m.moves
	m.mu.Unlock()

	switch result {
	case board.ResultMiss:
		_ = activeSlot.send("RESULT MISS")
		if err := passiveSlot.send("OPPONENT_MISS"); err != nil {
			go m.handleDisconnect(passive)
		}
	case board.ResultHit:
		_ = activeSlot.send("RESULT HIT")
		if err := passiveSlot.send("YOUR_SHIP_HIT"); err != nil {
			go m.handleDisconnect(passive)
		}
	case board.ResultHitSunk:
		_ = activeSlot.send(fmt.Sprintf("RESULT HIT SUNK %s", sunkName))
		if err := passiveSlot.send(fmt.Sprintf("YOUR_SHIP_SUNK %s", sunkName)); err != nil {
			go m.handleDisconnect(passive)
		}
	}

	if passiveSlot.board.Won() {
		_ = activeSlot.send(fmt.Sprintf("WIN %d", moves))
		_ = passiveSlot.send("LOSE")
		m.normalEnd(active, passive)
		return true, false, true
	}

	return false, true, true
}

func (m *Match) voluntaryQuit(quitterIdx, winnerIdx int) {
	m.mu.Lock()
	m.phase = PhaseTerminated
	m.mu.Unlock()

	winner := m.slots[winnerIdx]
	_ = winner.send("OPPONENT_QUIT")
	_ = winner.send("BYE")
	m.requeueWinner(winner)
	m.terminate()
}

func (m *Match) normalEnd(winnerIdx, loserIdx int) {
	m.mu.Lock()
	m.phase = PhaseTerminated
	m.mu.Unlock()

	winner := m.slots[winnerIdx]
	loser := m.slots[loserIdx]
	_ = winner.send("BYE")
	_ = loser.send("BYE")

	if m.mode == ModePractice {
		// Practice carries no queue-priority reward (SPEC_FULL.md §4.5a):
		// the human always re-enters at the tail, win or lose.
		m.requeueLoser(winner)
	} else {
		m.requeueWinner(winner)
		m.requeueLoser(loser)
	}
	m.terminate()
}

func (m *Match) turnTimeoutForfeit(loserIdx, winnerIdx int) bool {
	m.mu.Lock()
	if m.phase == PhaseTerminated {
		m.mu.Unlock()
		return true
	}
	m.phase = PhaseTerminated
	m.mu.Unlock()

	loser := m.slots[loserIdx]
	winner := m.slots[winnerIdx]
	_ = loser.send("TIMEOUT. You forfeited the game.")
	_ = winner.send("OPPONENT_TIMEOUT. You win!")
	_ = winner.send("BYE")
	m.requeueWinner(winner)
	m.terminate()
	return true
}
