// Package netplay implements the duel matchmaking protocol over a session
// store: lobby slot allocation, the room lifecycle state machine, and the
// snapshot/event relay between two peers. All shared mutable paths are
// written through the store's transaction primitive; everything else is
// single-writer-per-key.
package netplay

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stackduel/stackduel/internal/store"
)

// Room lifecycle states. Transitions only move forward.
type RoomState string

const (
	RoomOpen    RoomState = "open"
	RoomPlaying RoomState = "playing"
	RoomEnded   RoomState = "ended"
)

// Event kinds relayed between peers.
type EventKind string

const (
	// EventRocks and EventGarbage both request attack rows on the
	// receiver; the two names exist because the deployed variants of the
	// game disagree on what falls on your board.
	EventRocks   EventKind = "rocks"
	EventGarbage EventKind = "garbage"
	// EventOver announces the sender's game over.
	EventOver EventKind = "over"
)

// Meta is the room's single source of truth for the match state machine.
// Multi-writer: mutate only via transactions.
type Meta struct {
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
	Seed      uint32          `json:"seed"`
	Rows      int             `json:"rows"`
	State     RoomState       `json:"state"`
	Result    *Result         `json:"result,omitempty"`
	Joined    map[string]bool `json:"joined,omitempty"`
}

// Result records the match outcome; the first writer's result sticks.
type Result struct {
	Winner string `json:"winner"`
	At     int64  `json:"at"`
}

// Player is one roster entry. Single-writer: only its owner touches it.
type Player struct {
	Name     string `json:"name"`
	JoinedAt int64  `json:"joinedAt"`
	LastSeen int64  `json:"lastSeen"`
	Alive    bool   `json:"alive"`
}

// Slot references at most one room from a lobby index.
type Slot struct {
	RoomKey        string `json:"roomKey"`
	CreatedAt      int64  `json:"createdAt"`
	LastAssignedAt int64  `json:"lastAssignedAt"`
}

// lobbyMeta is the lobby root value; slots live beneath it.
type lobbyMeta struct {
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
	Version   int   `json:"version"`
}

// Event is one consume-once mailbox entry. Multi-writer append,
// single-reader delete.
type Event struct {
	From    string       `json:"from"`
	Kind    EventKind    `json:"kind"`
	Payload EventPayload `json:"payload"`
	T       int64        `json:"t"`
}

/// EventPayload carries kind-specific data: row count for attacks, final
// score for game over.
type EventPayload struct {
	N     int `json:"n,omitempty"`
	Score int `json:"score,omitempty"`
}

// Config tunes the protocol's intervals and limits. Zero values take the
// deployed defaults.
type Config struct {
	MaxSlots int // rooms per lobby
	Rows     int // board rows fixed into room meta

	LivenessWindow time.Duration // heartbeat age that still counts as live
	PlayerStale    time.Duration // roster entry age removed by cleanup
	EmptyGrace     time.Duration // slot age before an empty room is swept
	StaleGrace     time.Duration // slot age before any dead room is swept
	EventSkew      time.Duration // events older than join-skew are discarded
}

func (c Config) withDefaults() Config {
	if c.MaxSlots <= 0 {
		c.MaxSlots = 10
	}
	if c.Rows <= 0 {
		c.Rows = 23
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 65 * time.Second
	}
	if c.PlayerStale <= 0 {
		c.PlayerStale = 60 * time.Second
	}
	if c.EmptyGrace <= 0 {
		c.EmptyGrace = 10 * time.Second
	}
	if c.StaleGrace <= 0 {
		c.StaleGrace = 120 * time.Second
	}
	if c.EventSkew <= 0 {
		c.EventSkew = 5 * time.Second
	}
	return c
}

// Coordinator runs the matchmaking protocol for one peer against a store
// connection. Safe for use from multiple goroutines.
type Coordinator struct {
	st  store.Client
	log *zap.Logger
	cfg Config
	now func() time.Time

	cleanupMu   sync.Mutex
	cleanupDone map[string]bool
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithConfig overrides protocol tuning.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg.withDefaults() }
}

// WithClock injects a time source; tests use it to age heartbeats.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New builds a Coordinator over a store connection.
func New(st store.Client, log *zap.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		st:          st,
		log:         log,
		cfg:         Config{}.withDefaults(),
		now:         time.Now,
		cleanupDone: map[string]bool{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) nowMs() int64 {
	return c.now().UnixMilli()
}
