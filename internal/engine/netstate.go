package engine

// NetState is the compact self-describing snapshot published to the
// opponent every publish interval. It is overwritten wholesale in the
// shared store; nothing here is deltad or acknowledged.
type NetState struct {
	// Cells packs each board row (active piece overlaid) as a string of
	// cell digits, top row first. Ten columns make each row ten bytes.
	Cells []string `json:"cells"`
	Cols  int      `json:"cols"`
	Rows  int      `json:"rows"`
	Score int      `json:"score"`
	Level int      `json:"level"`
	Lines int      `json:"lines"`
	Over  bool     `json:"over"`
	T     int64    `json:"t"`
}

// NetState builds the publishable snapshot. The timestamp is stamped by
// the relay at publish time, not here, so the engine stays clock-free.
func (g *Game) NetState() NetState {
	snap := g.Snapshot()
	cells := make([]string, len(snap))
	for y, row := range snap {
		buf := make([]byte, len(row))
		for x, v := range row {
			buf[x] = '0' + v
		}
		cells[y] = string(buf)
	}
	return NetState{
		Cells: cells,
		Cols:  g.cols,
		Rows:  g.rows,
		Score: g.score,
		Level: g.level,
		Lines: g.lines,
		Over:  g.dead,
	}
}
