package baduk

// Color identifies the content of a board point.
type Color int8

const (
	Empty Color = 0
	Black Color = 1
	White Color = 2
)

func (c Color) Opponent() Color {
	switch c {
	case Black:
		return White
	case White:
		return Black
	}
	return Empty
}

func (c Color) String() string {
	switch c {
	case Black:
		return "black"
	case White:
		return "white"
	}
	return "empty"
}

// Point is a board coordinate. X grows east, Y grows south; board[y][x].
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Board is a square grid of points, indexed board[y][x].
// It is treated as copy-on-write by the engine: exported operations never
// mutate the caller's board.
type Board [][]Color

// 탐색 순서 고정: 캡처 좌표의 기록 순서가 이 순서를 따른다.
var neighborSteps = [4]Point{{0, 1}, {1, 0}, {0, -1}, {-1, 0}}

// ValidSize reports whether n is a supported board side length.
func ValidSize(n int) bool {
	switch n {
	case 5, 7, 9, 13, 19:
		return true
	}
	return false
}

// New returns an empty size×size board.
func New(size int) Board {
	b := make(Board, size)
	for y := range b {
		b[y] = make([]Color, size)
	}
	return b
}

func (b Board) Size() int { return len(b) }

// In reports whether (x,y) lies on the board.
func (b Board) In(x, y int) bool {
	return x >= 0 && x < len(b) && y >= 0 && y < len(b)
}

func (b Board) At(x, y int) Color { return b[y][x] }

// Clone returns a deep copy of the board.
func (b Board) Clone() Board {
	out := make(Board, len(b))
	for y, row := range b {
		out[y] = make([]Color, len(row))
		copy(out[y], row)
	}
	return out
}

// Ints converts the board to plain ints for JSON persistence.
func (b Board) Ints() [][]int {
	out := make([][]int, len(b))
	for y, row := range b {
		out[y] = make([]int, len(row))
		for x, c := range row {
			out[y][x] = int(c)
		}
	}
	return out
}

// FromInts builds a Board from a persisted int grid.
func FromInts(raw [][]int) Board {
	out := make(Board, len(raw))
	for y, row := range raw {
		out[y] = make([]Color, len(row))
		for x, v := range row {
			out[y][x] = Color(v)
		}
	}
	return out
}
