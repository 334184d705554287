package engine

import "errors"

const (
	// DefaultCols and DefaultRows match the deployed board: the classic 10
	// columns with three extra rows over the usual 20.
	DefaultCols = 10
	DefaultRows = 23

	baseDropMs    = 900
	minDropMs     = 120
	dropMsPerLvl  = 70
	linesPerLevel = 10

	// How far the active piece may be displaced upward when garbage rises
	// underneath it before the board is declared topped out.
	maxGarbagePushUp = 4
)

// scoreTable indexes points by simultaneous clear count; five or more
// clears fall back to 250 per row. Points are multiplied by the level.
var scoreTable = [5]int{0, 100, 250, 450, 700}

var ErrDead = errors.New("game is over")

// Action is the discrete input vocabulary the engine accepts. Input
// decoding (keyboard, touch, scripted driver) happens outside the engine.
type Action int

const (
	ActionLeft Action = iota
	ActionRight
	ActionRotate
	ActionSoftDrop
	ActionHardDrop
	ActionPause
)

// Config seeds a game. Rows comes from the room meta so both peers play
// the same board; zero values fall back to the defaults.
type Config struct {
	Seed uint32
	Cols int
	Rows int
}

// Game is one player's deterministic simulation. It has no knowledge of
// networking: garbage arrives via AddGarbage and outcomes leave via
// TakeCleared/Over. Not safe for concurrent use; the orchestrator owns it
// from a single loop.
type Game struct {
	cols int
	rows int
	seed uint32

	board [][]uint8 // rows x cols; 0 empty, 1..7 pieces, 8 garbage

	nextType   func() PieceType
	garbageRnd func() float64

	current Piece
	next    Piece

	score int
	level int
	lines int

	gravityAcc  int64
	paused      bool
	dead        bool
	lastCleared int
	pieceSeq    int
}

// New creates a game from a seed. Two games built from equal configs and
// fed equal action sequences stay cell-for-cell identical.
func New(cfg Config) *Game {
	if cfg.Cols <= 0 {
		cfg.Cols = DefaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = DefaultRows
	}
	g := &Game{
		cols:     cfg.Cols,
		rows:     cfg.Rows,
		seed:     cfg.Seed,
		nextType: NewBag(cfg.Seed),
		level:    1,
	}
	gseed := cfg.Seed ^ 0xA5A5A5A5
	if gseed == 0 {
		gseed = 1
	}
	g.garbageRnd = Mulberry32(gseed)

	g.board = make([][]uint8, g.rows)
	for y := range g.board {
		g.board[y] = make([]uint8, g.cols)
	}
	g.next = g.makePiece()
	g.spawn()
	return g
}

func (g *Game) makePiece() Piece {
	t := g.nextType()
	return Piece{Type: t, ID: pieceIDs[t], X: 3, Y: -1, Rot: 0}
}

func (g *Game) spawn() {
	g.current = g.next
	g.current.X, g.current.Y, g.current.Rot = 3, -1, 0
	g.next = g.makePiece()
	g.pieceSeq++
	if g.collides(g.current, g.current.X, g.current.Y, g.current.Rot) {
		g.dead = true
	}
}

func (g *Game) collides(p Piece, px, py, rot int) bool {
	shape := Shape(p.Type, rot)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if shape[y][x] == 0 {
				continue
			}
			bx, by := px+x, py+y
			if bx < 0 || bx >= g.cols || by >= g.rows {
				return true
			}
			if by >= 0 && g.board[by][bx] != 0 {
				return true
			}
		}
	}
	return false
}

// Step advances gravity by dt milliseconds, soft-dropping once per elapsed
// gravity interval. The interval shrinks with level down to a floor.
func (g *Game) Step(dtMs int64) {
	if g.dead || g.paused {
		return
	}
	g.gravityAcc += dtMs
	ms := g.DropInterval()
	for g.gravityAcc >= ms {
		g.gravityAcc -= ms
		g.SoftDrop()
		if g.dead {
			return
		}
	}
}

// DropInterval returns the current gravity interval in milliseconds.
func (g *Game) DropInterval() int64 {
	ms := int64(baseDropMs - (g.level-1)*dropMsPerLvl)
	if ms < minDropMs {
		ms = minDropMs
	}
	return ms
}

// Apply dispatches one discrete player action.
func (g *Game) Apply(a Action) {
	switch a {
	case ActionLeft:
		g.Move(-1)
	case ActionRight:
		g.Move(1)
	case ActionRotate:
		g.Rotate(1)
	case ActionSoftDrop:
		g.SoftDrop()
	case ActionHardDrop:
		g.HardDrop()
	case ActionPause:
		g.paused = !g.paused
	}
}

// Move shifts the active piece horizontally if the target cells are free.
func (g *Game) Move(dx int) bool {
	if g.dead || g.paused {
		return false
	}
	nx := g.current.X + dx
	if g.collides(g.current, nx, g.current.Y, g.current.Rot) {
		return false
	}
	g.current.X = nx
	return true
}

// Rotate turns the active piece, trying a small set of horizontal kick
// offsets so near-miss rotations against a wall or stack still succeed.
func (g *Game) Rotate(dir int) bool {
	if g.dead || g.paused {
		return false
	}
	step := 1
	if dir <= 0 {
		step = 3
	}
	nr := (g.current.Rot + step) % 4
	for _, k := range [5]int{0, -1, 1, -2, 2} {
		nx := g.current.X + k
		if !g.collides(g.current, nx, g.current.Y, nr) {
			g.current.Rot = nr
			g.current.X = nx
			return true
		}
	}
	return false
}

// SoftDrop lowers the active piece one row, locking it on contact.
func (g *Game) SoftDrop() {
	if g.dead || g.paused {
		return
	}
	if !g.collides(g.current, g.current.X, g.current.Y+1, g.current.Rot) {
		g.current.Y++
		return
	}
	g.lock()
}

// HardDrop drops the active piece to its resting row and locks it.
func (g *Game) HardDrop() {
	if g.dead || g.paused {
		return
	}
	for !g.collides(g.current, g.current.X, g.current.Y+1, g.current.Rot) {
		g.current.Y++
	}
	g.lock()
}

func (g *Game) lock() {
	mergePiece(g.board, g.current, g.cols, g.rows)
	cleared := clearRows(g.board, g.cols)
	g.lastCleared = cleared
	if cleared > 0 {
		pts := cleared * 250
		if cleared < len(scoreTable) {
			pts = scoreTable[cleared]
		}
		g.score += pts * g.level
		g.lines += cleared
		g.level = 1 + g.lines/linesPerLevel
	}
	g.spawn()
}

func mergePiece(board [][]uint8, p Piece, cols, rows int) {
	shape := Shape(p.Type, p.Rot)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if shape[y][x] == 0 {
				continue
			}
			bx, by := p.X+x, p.Y+y
			if by >= 0 && by < rows && bx >= 0 && bx < cols {
				board[by][bx] = p.ID
			}
		}
	}
}

func clearRows(board [][]uint8, cols int) int {
	cleared := 0
	for y := len(board) - 1; y >= 0; y-- {
		full := true
		for x := 0; x < cols; x++ {
			if board[y][x] == 0 {
				full = false
				break
			}
		}
		if !full {
			continue
		}
		copy(board[1:y+1], board[0:y])
		board[0] = make([]uint8, cols)
		cleared++
		y++ // recheck the shifted-down row at this index
	}
	return cleared
}

// AddGarbage raises n garbage rows from the bottom, each filled except one
// random gap column. If the top row is already occupied, or the active
// piece cannot be pushed up far enough to stay valid, the game tops out.
func (g *Game) AddGarbage(n int) {
	if g.dead || g.paused {
		return
	}
	for i := 0; i < n; i++ {
		for x := 0; x < g.cols; x++ {
			if g.board[0][x] != 0 {
				g.dead = true
				return
			}
		}
		hole := int(g.garbageRnd() * float64(g.cols))
		row := make([]uint8, g.cols)
		for x := range row {
			if x != hole {
				row[x] = GarbageID
			}
		}
		copy(g.board[0:], g.board[1:])
		g.board[g.rows-1] = row

		if g.collides(g.current, g.current.X, g.current.Y, g.current.Rot) {
			ok := false
			for k := 0; k < maxGarbagePushUp; k++ {
				g.current.Y--
				if !g.collides(g.current, g.current.X, g.current.Y, g.current.Rot) {
					ok = true
					break
				}
			}
			if !ok {
				g.dead = true
				return
			}
		}
	}
}

// TakeCleared returns the row count cleared by the most recent lock and
// resets it. One-shot: the orchestrator consumes it once per tick to size
// outgoing attacks.
func (g *Game) TakeCleared() int {
	n := g.lastCleared
	g.lastCleared = 0
	return n
}

// Over reports whether the game reached its terminal state.
func (g *Game) Over() bool { return g.dead }

// Paused reports whether the game is paused.
func (g *Game) Paused() bool { return g.paused }

func (g *Game) Score() int { return g.score }
func (g *Game) Level() int { return g.level }
func (g *Game) Lines() int { return g.lines }
func (g *Game) Seed() uint32 { return g.seed }
func (g *Game) Cols() int  { return g.cols }
func (g *Game) Rows() int  { return g.rows }

// Current returns the active piece descriptor.
func (g *Game) Current() Piece { return g.current }

// PieceSeq increments every spawn; consumers that plan per-piece key off it.
func (g *Game) PieceSeq() int { return g.pieceSeq }

// Next returns the upcoming piece descriptor.
func (g *Game) Next() Piece { return g.next }

// Board returns a copy of the settled grid without the active piece.
func (g *Game) Board() [][]uint8 {
	return copyBoard(g.board)
}

// Snapshot returns a copy of the grid with the active piece overlaid,
// suitable for rendering.
func (g *Game) Snapshot() [][]uint8 {
	b := copyBoard(g.board)
	if !g.dead {
		mergePiece(b, g.current, g.cols, g.rows)
	}
	return b
}

func copyBoard(src [][]uint8) [][]uint8 {
	out := make([][]uint8, len(src))
	for y, row := range src {
		out[y] = append([]uint8(nil), row...)
	}
	return out
}
