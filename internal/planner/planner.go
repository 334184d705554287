// Package planner drives the non-networked opponent. It searches the
// placement space of the active piece against a read-only view of the
// engine's grid and steers toward the best-scoring placement with one
// discrete action per call.
package planner

import (
	"github.com/stackduel/stackduel/internal/engine"
)

// Weights tune the placement heuristic. Cleared rows are rewarded;
// everything else is a penalty, holes most of all.
type Weights struct {
	Cleared   float64
	Holes     float64
	Aggregate float64
	Bumpiness float64
	MaxHeight float64
}

// DefaultWeights keep hole avoidance dominant over the jitter band so play
// stays sound while still looking human.
var DefaultWeights = Weights{
	Cleared:   40,
	Holes:     -62,
	Aggregate: -3.2,
	Bumpiness: -1.8,
	MaxHeight: -2.5,
}

// JitterRange bounds the pseudo-random score noise, in heuristic points.
const JitterRange = 1.5

// Plan is a chosen placement: rotation state and board column of the
// piece's 4x4 box.
type Plan struct {
	Rot   int
	X     int
	Score float64
}

// Planner holds the search state for one opponent engine. Plans are cached
// per spawned piece; the search reruns only when the piece changes.
type Planner struct {
	weights Weights
	jitter  func() float64

	plannedSeq int
	plan       Plan
	hasPlan    bool
}

// New creates a planner whose jitter stream is seeded, not wall-clock
// random, so scripted matches replay identically.
func New(seed uint32) *Planner {
	return &Planner{
		weights: DefaultWeights,
		jitter:  engine.Mulberry32(seed),
	}
}

// NewWithWeights is New with custom heuristic weights.
func NewWithWeights(seed uint32, w Weights) *Planner {
	p := New(seed)
	p.weights = w
	return p
}

// Target returns the placement plan for the engine's active piece,
// searching only when the piece identity changed since the last call.
func (p *Planner) Target(g *engine.Game) (Plan, bool) {
	if g.Over() {
		return Plan{}, false
	}
	if p.hasPlan && p.plannedSeq == g.PieceSeq() {
		return p.plan, true
	}
	plan, ok := p.search(g.Board(), g.Current(), g.Cols(), g.Rows())
	if !ok {
		return Plan{}, false
	}
	p.plan = plan
	p.plannedSeq = g.PieceSeq()
	p.hasPlan = true
	return plan, true
}

// Act emits the next action steering toward the current plan: rotate into
// orientation first, then step one column, then hard-drop once aligned.
func (p *Planner) Act(g *engine.Game) (engine.Action, bool) {
	plan, ok := p.Target(g)
	if !ok {
		return 0, false
	}
	cur := g.Current()
	switch {
	case cur.Rot != plan.Rot:
		return engine.ActionRotate, true
	case cur.X > plan.X:
		return engine.ActionLeft, true
	case cur.X < plan.X:
		return engine.ActionRight, true
	default:
		return engine.ActionHardDrop, true
	}
}

func (p *Planner) search(board [][]uint8, piece engine.Piece, cols, rows int) (Plan, bool) {
	best := Plan{}
	found := false

	for rot := 0; rot < 4; rot++ {
		shape := engine.Shape(piece.Type, rot)
		for x := -2; x < cols; x++ {
			if collides(board, shape, x, piece.Y, cols, rows) {
				continue
			}
			y := piece.Y
			for !collides(board, shape, x, y+1, cols, rows) {
				y++
			}
			score := p.evaluate(board, shape, x, y, cols, rows)
			score += p.jitter()*2*JitterRange - JitterRange
			if !found || score > best.Score {
				best = Plan{Rot: rot, X: x, Score: score}
				found = true
			}
		}
	}
	return best, found
}

func (p *Planner) evaluate(board [][]uint8, shape [4][4]uint8, px, py, cols, rows int) float64 {
	sim := make([][]uint8, rows)
	for y := range board {
		sim[y] = append([]uint8(nil), board[y]...)
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if shape[y][x] == 0 {
				continue
			}
			bx, by := px+x, py+y
			if by >= 0 && by < rows && bx >= 0 && bx < cols {
				sim[by][bx] = 1
			}
		}
	}

	cleared := 0
	for y := rows - 1; y >= 0; y-- {
		full := true
		for x := 0; x < cols; x++ {
			if sim[y][x] == 0 {
				full = false
				break
			}
		}
		if full {
			copy(sim[1:y+1], sim[0:y])
			sim[0] = make([]uint8, cols)
			cleared++
			y++
		}
	}

	heights := make([]int, cols)
	holes := 0
	for x := 0; x < cols; x++ {
		seen := false
		for y := 0; y < rows; y++ {
			if sim[y][x] != 0 {
				if !seen {
					heights[x] = rows - y
					seen = true
				}
			} else if seen {
				holes++
			}
		}
	}

	aggregate, maxHeight, bumpiness := 0, 0, 0
	for x, h := range heights {
		aggregate += h
		if h > maxHeight {
			maxHeight = h
		}
		if x > 0 {
			d := heights[x] - heights[x-1]
			if d < 0 {
				d = -d
			}
			bumpiness += d
		}
	}

	w := p.weights
	return w.Cleared*float64(cleared) +
		w.Holes*float64(holes) +
		w.Aggregate*float64(aggregate) +
		w.Bumpiness*float64(bumpiness) +
		w.MaxHeight*float64(maxHeight)
}

func collides(board [][]uint8, shape [4][4]uint8, px, py, cols, rows int) bool {
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if shape[y][x] == 0 {
				continue
			}
			bx, by := px+x, py+y
			if bx < 0 || bx >= cols || by >= rows {
				return true
			}
			if by >= 0 && board[by][bx] != 0 {
				return true
			}
		}
	}
	return false
}
