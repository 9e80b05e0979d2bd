package game

import (
	"time"

	"github.com/park285/Tonsil-Baduk-server/internal/baduk"
)

// ChargeElapsed bills the mover the wall-clock seconds spent since the
// opponent's stamp and records the mover's own stamp. Callers invoke
// it before counting the move, so MoveCount 0 and 1 are the two
// opening moves: those are free and only seed the stamps.
func (g *Game) ChargeElapsed(mover baduk.Color, now time.Time) {
	if g.MoveCount <= 1 {
		t := now
		if mover == baduk.Black {
			g.BlackLastMoveAt = &t
		} else {
			g.WhiteLastMoveAt = &t
		}
		return
	}

	var oppStamp *time.Time
	if mover == baduk.Black {
		oppStamp = g.WhiteLastMoveAt
	} else {
		oppStamp = g.BlackLastMoveAt
	}
	if oppStamp != nil {
		elapsed := int(now.Sub(*oppStamp).Seconds())
		if elapsed < 0 {
			elapsed = 0
		}
		if mover == baduk.Black {
			g.BlackTimeUsed += elapsed
		} else {
			g.WhiteTimeUsed += elapsed
		}
	}
	t := now
	if mover == baduk.Black {
		g.BlackLastMoveAt = &t
	} else {
		g.WhiteLastMoveAt = &t
	}
}
