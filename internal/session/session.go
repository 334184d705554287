// Package session drives one player's match: it decides online versus
// local play, owns the simulation tick, and routes attack and result
// signals between the engine and the relay (or the local opponent).
package session

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stackduel/stackduel/internal/config"
	"github.com/stackduel/stackduel/internal/engine"
	"github.com/stackduel/stackduel/internal/netplay"
	"github.com/stackduel/stackduel/internal/planner"
	"github.com/stackduel/stackduel/internal/store"
)

// Mode says who the opponent is.
type Mode int32

const (
	ModeOnline Mode = iota
	ModeLocal
)

// Phase is the session's lifecycle stage, readable from other
// goroutines for status display.
type Phase int32

const (
	PhaseMatching Phase = iota
	PhaseWaiting
	PhasePlaying
	PhaseEnded
)

// Renderer receives a view each tick. Fire-and-forget; the loop never
// reads anything back.
type Renderer interface {
	Render(View)
}

// Audio receives sound cues by name.
type Audio interface {
	Sfx(name string)
}

// Overlay receives status text during matching and at match end.
type Overlay interface {
	Show(title, desc string)
	Countdown(secondsLeft int)
	Hide()
}

// View is what the renderer gets: the local board with the active piece
// overlaid, plus the opponent's last narrated snapshot when online.
type View struct {
	Board    [][]uint8
	Score    int
	Level    int
	Lines    int
	Next     engine.Piece
	Opponent *engine.NetState
}

// Outcome summarizes a finished match.
type Outcome struct {
	Mode   Mode
	Won    bool
	Reason string
	Score  int
	Lines  int
}

type nopRenderer struct{}

func (nopRenderer) Render(View) {}

type nopAudio struct{}

func (nopAudio) Sfx(string) {}

type nopOverlay struct{}

func (nopOverlay) Show(string, string) {}
func (nopOverlay) Countdown(int)       {}
func (nopOverlay) Hide()               {}

// Session owns everything a match needs. Create with New, drive with
// Run; all state belongs to the loop goroutine, with phase and mode
// mirrored atomically for observers.
type Session struct {
	cfg   config.Config
	log   *zap.Logger
	st    store.Client // nil forces local mode
	coord *netplay.Coordinator

	render  Renderer
	audio   Audio
	overlay Overlay

	inbox chan msg

	phase atomic.Int32
	mode  atomic.Int32

	auto bool

	// loop-owned state below; nothing outside the loop touches it
	game   *engine.Game
	opp    *engine.Game
	bot    *planner.Planner
	pilot  *planner.Planner
	joined *netplay.Joined
	oppPID string
	oppNS  *engine.NetState
	unsubs []func()

	startArmed bool
	done       bool
	outcome    Outcome
}

// Option customizes a Session.
type Option func(*Session)

func WithRenderer(r Renderer) Option { return func(s *Session) { s.render = r } }
func WithAudio(a Audio) Option       { return func(s *Session) { s.audio = a } }
func WithOverlay(o Overlay) Option   { return func(s *Session) { s.overlay = o } }

// WithAutopilot lets the planner play the local board too, for headless
// clients and soak runs.
func WithAutopilot() Option { return func(s *Session) { s.auto = true } }

// New builds a session. A nil store client skips matchmaking entirely
// and plays the planner-driven opponent.
func New(cfg config.Config, log *zap.Logger, st store.Client, opts ...Option) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		cfg:     fillDefaults(cfg),
		log:     log,
		st:      st,
		render:  nopRenderer{},
		audio:   nopAudio{},
		overlay: nopOverlay{},
		inbox:   make(chan msg, 256),
	}
	for _, o := range opts {
		o(s)
	}
	if st != nil {
		s.coord = netplay.New(st, log, netplay.WithConfig(netplay.Config{
			MaxSlots: s.cfg.MaxSlots,
			Rows:     s.cfg.Rows,
		}))
	}
	return s
}

// fillDefaults guards the tickers against a zero-valued Config.
func fillDefaults(cfg config.Config) config.Config {
	def := config.FromEnv()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.MaxSlots <= 0 {
		cfg.MaxSlots = def.MaxSlots
	}
	if cfg.Cols <= 0 {
		cfg.Cols = def.Cols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = def.Rows
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = def.PublishInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MatchTimeout <= 0 {
		cfg.MatchTimeout = def.MatchTimeout
	}
	if cfg.StartWindow <= 0 {
		cfg.StartWindow = def.StartWindow
	}
	if cfg.BotInterval <= 0 {
		cfg.BotInterval = def.BotInterval
	}
	return cfg
}

// Phase reports the current lifecycle stage.
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

// Mode reports online or local; meaningful once past matching.
func (s *Session) Mode() Mode { return Mode(s.mode.Load()) }

// Input hands a player action to the loop. Non-blocking: when the loop
// is saturated the action is dropped, which for interactive input beats
// stalling the caller.
func (s *Session) Input(a engine.Action) {
	select {
	case s.inbox <- inputMsg{act: a}:
	default:
	}
}

// Attack magnitude tables. Simultaneous clears map to rows sent; the
// merge-variant peers send combo length instead, mapped on receipt.
var clearsToRows = [5]int{0, 0, 1, 2, 4}

func comboToRows(c int) int {
	switch {
	case c < 3:
		return 0
	case c == 3:
		return 1
	case c == 4:
		return 2
	default:
		return min(6, c-2)
	}
}

// maxInboundGarbage caps a single inbound attack.
const maxInboundGarbage = 12
