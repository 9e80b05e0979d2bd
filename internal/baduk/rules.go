package baduk

// Prev carries the facts about the previous move that legality checks
// need: who played it and which stones it captured.
type Prev struct {
	Color    Color
	Captured []Point
}

// Result is the outcome of a successfully processed move.
type Result struct {
	Board         Board
	Captured      []Point
	BlackCaptures int
	WhiteCaptures int
}

// HasLiberties reports whether the group containing (x,y) has at least
// one liberty. Flood fill over same-color stones, 4-connectivity only.
func HasLiberties(b Board, x, y int) bool {
	color := b[y][x]
	visited := make(map[Point]bool)
	stack := []Point{{x, y}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[p] {
			continue
		}
		visited[p] = true
		for _, d := range neighborSteps {
			nx, ny := p.X+d.X, p.Y+d.Y
			if !b.In(nx, ny) {
				continue
			}
			switch b[ny][nx] {
			case Empty:
				return true
			case color:
				if !visited[(Point{nx, ny})] {
					stack = append(stack, Point{nx, ny})
				}
			}
		}
	}
	return false
}

// ConnectedGroup returns every stone connected to (x,y) through
// same-color orthogonal adjacency, including (x,y) itself.
func ConnectedGroup(b Board, x, y int) []Point {
	color := b[y][x]
	visited := make(map[Point]bool)
	stack := []Point{{x, y}}
	var group []Point
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[p] {
			continue
		}
		visited[p] = true
		group = append(group, p)
		for _, d := range neighborSteps {
			nx, ny := p.X+d.X, p.Y+d.Y
			if b.In(nx, ny) && b[ny][nx] == color {
				stack = append(stack, Point{nx, ny})
			}
		}
	}
	return group
}

// CaptureStones removes every opponent group adjacent to the stone just
// placed at (x,y) that has no liberties left. The board is mutated in
// place (callers pass a working copy). Captured coordinates are
// returned in neighbor-scan order, then group-traversal order.
func CaptureStones(b Board, x, y int, placed Color) []Point {
	opp := placed.Opponent()
	var captured []Point
	for _, d := range neighborSteps {
		nx, ny := x+d.X, y+d.Y
		if !b.In(nx, ny) || b[ny][nx] != opp {
			continue
		}
		group := ConnectedGroup(b, nx, ny)
		if groupHasLiberties(b, group) {
			continue
		}
		captured = append(captured, group...)
		for _, g := range group {
			b[g.Y][g.X] = Empty
		}
	}
	return captured
}

func groupHasLiberties(b Board, group []Point) bool {
	for _, g := range group {
		for _, d := range neighborSteps {
			nx, ny := g.X+d.X, g.Y+d.Y
			if b.In(nx, ny) && b[ny][nx] == Empty {
				return true
			}
		}
	}
	return false
}

// IsSuicide reports whether placing c at (x,y) leaves the placed group
// with zero liberties, captures not yet considered.
func IsSuicide(b Board, x, y int, c Color) bool {
	tmp := b.Clone()
	tmp[y][x] = c
	return !HasLiberties(tmp, x, y)
}

// CanCapture reports whether placing c at (x,y) would reduce at least
// one adjacent opponent group to zero liberties. Permits placements
// that look like suicide but are legal because they capture.
func CanCapture(b Board, x, y int, c Color) bool {
	tmp := b.Clone()
	tmp[y][x] = c
	opp := c.Opponent()
	for _, d := range neighborSteps {
		nx, ny := x+d.X, y+d.Y
		if tmp.In(nx, ny) && tmp[ny][nx] == opp && !HasLiberties(tmp, nx, ny) {
			return true
		}
	}
	return false
}

// IsKoViolation implements the single-stone ko rule (not superko): the
// candidate is a ko violation only when the opponent's previous move
// captured exactly one stone, the candidate plays on that captured
// point, and the recapturing stone would itself have zero liberties
// before captures resolve.
func IsKoViolation(b Board, prev *Prev, x, y int, c Color) bool {
	if prev == nil || prev.Color == c {
		return false
	}
	if len(prev.Captured) != 1 {
		return false
	}
	if prev.Captured[0].X != x || prev.Captured[0].Y != y {
		return false
	}
	tmp := b.Clone()
	tmp[y][x] = c
	return !HasLiberties(tmp, x, y)
}

// Validate checks turn order, ko, and suicide for a stone already
// placed at (x,y) on b. Bounds and occupancy are the caller's problem
// (ProcessMove checks both before placing).
func Validate(b Board, x, y int, c Color, prev *Prev) error {
	if prev != nil {
		if prev.Color == c {
			return errNotYourTurn(c)
		}
	} else if c != White {
		// 첫 수는 백이 둔다.
		return errFirstMove()
	}
	if IsKoViolation(b, prev, x, y, c) {
		return errKo(x, y)
	}
	if IsSuicide(b, x, y, c) && !CanCapture(b, x, y, c) {
		return errSuicide(x, y)
	}
	return nil
}

// ProcessMove validates and applies a stone placement on a copy of b.
// Checks run in fixed order: bounds, occupancy, then the Validate set.
// The caller's board is never mutated.
func ProcessMove(b Board, x, y int, c Color, prev *Prev) (*Result, error) {
	if !b.In(x, y) {
		return nil, errOutOfBounds(x, y)
	}
	if b[y][x] != Empty {
		return nil, errOccupied(x, y)
	}

	next := b.Clone()
	next[y][x] = c
	if err := Validate(b, x, y, c, prev); err != nil {
		return nil, err
	}

	captured := CaptureStones(next, x, y, c)
	res := &Result{Board: next, Captured: captured}
	if c == Black {
		res.BlackCaptures = len(captured)
	} else {
		res.WhiteCaptures = len(captured)
	}
	return res, nil
}
