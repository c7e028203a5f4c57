package match

import (
	"fmt"
	"math/rand"

	"github.com/battleshipd/battleshipd/internal/board"
)

// PracticeOpponent is the single-player practice mode's synthetic
// opponent (SPEC_FULL.md §4.5a): it places its ships once at match start
// and then fires at a uniformly random not-yet-tried cell on its turn,
// with no "thinking" delay. Grounded on original_source/server.py's
// single_player bot, re-expressed with Go's math/rand instead of the
// original's random module.
type PracticeOpponent struct {
	rng  *rand.Rand
	tried map[board.Cell]struct{}
}

func newPracticeOpponent(seed int64) *PracticeOpponent {
	return &PracticeOpponent{
		rng:   rand.New(rand.NewSource(seed)),
		tried: make(map[board.Cell]struct{}, board.Size*board.Size),
	}
}

// placeShips places the bot's entire catalog at random legal cells.
func (p *PracticeOpponent) placeShips(b *board.Board) {
	for {
		tmpl, ok := b.NextShip()
		if !ok {
			return
		}
		row := p.rng.Intn(board.Size)
		col := p.rng.Intn(board.Size)
		orientation := board.Horizontal
		if p.rng.Intn(2) == 1 {
			orientation = board.Vertical
		}
		_ = b.Place(row, col, orientation, tmpl.Name)
	}
}

// chooseFire returns a cell this bot has not fired at before.
func (p *PracticeOpponent) chooseFire() (row, col int) {
	for {
		row = p.rng.Intn(board.Size)
		col = p.rng.Intn(board.Size)
		cell := board.Cell{Row: row, Col: col}
		if _, seen := p.tried[cell]; seen {
			continue
		}
		p.tried[cell] = struct{}{}
		return row, col
	}
}

// playBotTurn fires the bot's shot at the human's board and reports the
// outcome. Returns true once the match is over.
func (m *Match) playBotTurn(botIdx, humanIdx int) bool {
	human := m.slots[humanIdx]

	row, col := m.bot.chooseFire()
	result, sunkName, _ := human.board.Fire(row, col)

	switch result {
	case board.ResultMiss:
		_ = human.send("OPPONENT_MISS")
	case board.ResultHit:
		_ = human.send("YOUR_SHIP_HIT")
	case board.ResultHitSunk:
		_ = human.send(fmt.Sprintf("YOUR_SHIP_SUNK %s", sunkName))
	case board.ResultAlreadyShot:
		// chooseFire never repeats a cell; unreachable in practice.
	}

	if human.board.Won() {
		_ = human.send("LOSE")
		_ = human.send("BYE")
		m.mu.Lock()
		m.phase = PhaseTerminated
		m.mu.Unlock()
		m.requeueLoser(human)
		m.terminate()
		return true
	}

	m.mu.Lock()
	m.turn = humanIdx
	m.mu.Unlock()
	return false
}
