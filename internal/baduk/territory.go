package baduk

// TerritoryCount is the per-side area of surrounded empty regions.
type TerritoryCount struct {
	Black int `json:"black"`
	White int `json:"white"`
}

// Territory scores each maximal empty region: if every stone bordering
// the region is a single color, that color gains the region's area.
// Mixed-border regions and regions touching only the board edge score
// zero for both sides. Simple area heuristic; no dead-stone removal.
func Territory(b Board) TerritoryCount {
	var t TerritoryCount
	visited := make(map[Point]bool)
	for y := range b {
		for x := range b[y] {
			if b[y][x] != Empty || visited[(Point{x, y})] {
				continue
			}
			area, owner := fillRegion(b, x, y, visited)
			switch owner {
			case Black:
				t.Black += area
			case White:
				t.White += area
			}
		}
	}
	return t
}

// fillRegion flood-fills the empty region containing (x,y) and returns
// its area plus the sole bordering color, or Empty when the border is
// mixed or absent.
func fillRegion(b Board, x, y int, visited map[Point]bool) (int, Color) {
	queue := []Point{{x, y}}
	area := 0
	borders := make(map[Color]bool)
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if visited[p] {
			continue
		}
		visited[p] = true
		area++
		for _, d := range neighborSteps {
			nx, ny := p.X+d.X, p.Y+d.Y
			if !b.In(nx, ny) {
				continue
			}
			switch b[ny][nx] {
			case Empty:
				queue = append(queue, Point{nx, ny})
			default:
				borders[b[ny][nx]] = true
			}
		}
	}
	if len(borders) != 1 {
		return 0, Empty
	}
	for c := range borders {
		return area, c
	}
	return 0, Empty
}
