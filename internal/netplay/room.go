package netplay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"
)

// ErrRoomFull reports a room that already holds two members (and whose
// occupants look alive). JoinLobby advances to the next slot on it.
var ErrRoomFull = errors.New("netplay: room is full")

const joinAttempts = 2

// JoinRoom runs the join protocol against one room: a transaction on meta
// that creates it if absent and admits the caller while membership stays
// under two, then the roster write and disconnect-intent registration.
//
// If the transaction does not admit the caller, a one-time stale check
// reads the roster; with zero live heartbeats the meta is forcibly
// cleared and the join retried once, reclaiming rooms abandoned without
// clean disconnect signaling.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID string) (*Joined, error) {
	pid := makeID(8)
	randomSeed := rand.Uint32()

	joined := false
	for attempt := 0; attempt < joinAttempts; attempt++ {
		final, err := c.st.Transaction(ctx, metaPath(roomID), func(cur json.RawMessage) (any, error) {
			now := c.nowMs()
			meta := Meta{
				CreatedAt: now,
				Seed:      randomSeed,
				State:     RoomOpen,
				Joined:    map[string]bool{},
			}
			if cur != nil {
				if err := json.Unmarshal(cur, &meta); err != nil {
					return nil, fmt.Errorf("corrupt room meta: %w", err)
				}
			}
			meta.UpdatedAt = now
			if meta.State == "" {
				meta.State = RoomOpen
			}
			if meta.Seed == 0 {
				meta.Seed = randomSeed
			}
			// rows pinned so both peers play the same board
			meta.Rows = c.cfg.Rows
			if meta.Joined == nil {
				meta.Joined = map[string]bool{}
			}

			if meta.State != RoomOpen && meta.State != RoomPlaying {
				return meta, nil
			}
			if meta.Joined[pid] {
				return meta, nil
			}
			if len(meta.Joined) >= 2 {
				return meta, nil
			}
			meta.Joined[pid] = true
			return meta, nil
		})
		if err != nil {
			return nil, fmt.Errorf("join room %s: %w", roomID, err)
		}

		var meta Meta
		if final != nil && json.Unmarshal(final, &meta) == nil && meta.Joined[pid] {
			joined = true
			break
		}

		// Room reported full: reclaim it if nobody inside is alive.
		players, readable := c.readPlayers(ctx, roomID)
		if readable {
			now := c.nowMs()
			live := 0
			for _, p := range players {
				if now-p.LastSeen <= c.cfg.LivenessWindow.Milliseconds() {
					live++
				}
			}
			if live == 0 {
				c.log.Info("reclaiming abandoned room", zap.String("room", roomID))
				if err := c.st.Remove(ctx, metaPath(roomID)); err != nil {
					c.log.Debug("clear stale meta", zap.Error(err))
				}
				continue
			}
		}
		break
	}

	if !joined {
		return nil, ErrRoomFull
	}

	now := c.nowMs()
	if err := c.st.Set(ctx, playerPath(roomID, pid), Player{
		Name:     "Player",
		JoinedAt: now,
		LastSeen: now,
		Alive:    true,
	}); err != nil {
		c.log.Warn("write roster entry", zap.String("room", roomID), zap.Error(err))
	}

	// Ungraceful exits must not leave roster or snapshot orphans.
	if err := c.st.OnDisconnectRemove(playerPath(roomID, pid)); err != nil {
		c.log.Warn("register disconnect intent", zap.Error(err))
	}
	if err := c.st.OnDisconnectRemove(statePath(roomID, pid)); err != nil {
		c.log.Warn("register disconnect intent", zap.Error(err))
	}

	// Final seed comes from the committed meta: the first joiner's seed
	// won the transaction, whichever peer that was.
	seed := randomSeed
	rows := c.cfg.Rows
	if raw, err := c.st.Get(ctx, metaPath(roomID)); err == nil && raw != nil {
		var meta Meta
		if json.Unmarshal(raw, &meta) == nil {
			if meta.Seed != 0 {
				seed = meta.Seed
			}
			if meta.Rows > 0 {
				rows = meta.Rows
			}
		}
	}

	return &Joined{
		RoomID:   roomID,
		Slot:     -1,
		PlayerID: pid,
		Seed:     seed,
		Rows:     rows,
		JoinedAt: now,
	}, nil
}

// Heartbeat rewrites the caller's lastSeen. Liveness detection reads it;
// nothing here ever mutates meta.
func (c *Coordinator) Heartbeat(ctx context.Context, roomID, pid string) {
	if err := c.st.Set(ctx, playerPath(roomID, pid)+"/lastSeen", c.nowMs()); err != nil {
		c.log.Debug("heartbeat", zap.String("room", roomID), zap.Error(err))
	}
}

// MarkPlaying transitions an open room to playing once both members are
// present. Idempotent: a room already past open is left alone.
func (c *Coordinator) MarkPlaying(ctx context.Context, roomID string) error {
	_, err := c.st.Transaction(ctx, metaPath(roomID), func(cur json.RawMessage) (any, error) {
		if cur == nil {
			return nil, fmt.Errorf("room %s has no meta", roomID)
		}
		var meta Meta
		if err := json.Unmarshal(cur, &meta); err != nil {
			return nil, err
		}
		if meta.State != RoomOpen {
			return nil, fmt.Errorf("%w: %s", errAlreadyPast, meta.State)
		}
		if len(meta.Joined) < 2 {
			return nil, fmt.Errorf("room %s is not full yet", roomID)
		}
		meta.State = RoomPlaying
		meta.UpdatedAt = c.nowMs()
		return meta, nil
	})
	if errors.Is(err, errAlreadyPast) {
		return nil
	}
	return err
}

var errAlreadyPast = errors.New("room already past open")

// FinishRoom writes the match result and moves the room to ended. Guarded:
// only the first writer's result sticks; later calls are no-ops.
func (c *Coordinator) FinishRoom(ctx context.Context, roomID, winner string) error {
	_, err := c.st.Transaction(ctx, metaPath(roomID), func(cur json.RawMessage) (any, error) {
		if cur == nil {
			// meta already gone; nothing to decide
			return nil, nil
		}
		var meta Meta
		if err := json.Unmarshal(cur, &meta); err != nil {
			return nil, err
		}
		if meta.Result != nil && meta.Result.Winner != "" {
			return nil, fmt.Errorf("%w by %s", errResultTaken, meta.Result.Winner)
		}
		meta.Result = &Result{Winner: winner, At: c.nowMs()}
		meta.State = RoomEnded
		meta.UpdatedAt = c.nowMs()
		return meta, nil
	})
	if errors.Is(err, errResultTaken) {
		return nil
	}
	return err
}

var errResultTaken = errors.New("result already recorded")

// RoomView is the composed meta+players picture a watcher receives.
type RoomView struct {
	Meta    Meta
	Players map[string]Player
}

// WatchRoom subscribes to meta and players independently and emits one
// composed view on every change to either. The callback receives nil when
// meta is absent -- the room is gone, which peers must treat as an
// implicit offline/ended signal.
func (c *Coordinator) WatchRoom(roomID string, onRoom func(*RoomView)) (func(), error) {
	var mu sync.Mutex
	var meta *Meta
	players := map[string]Player{}
	started := false

	emit := func() {
		if meta == nil {
			onRoom(nil)
			return
		}
		cp := make(map[string]Player, len(players))
		for k, v := range players {
			cp[k] = v
		}
		onRoom(&RoomView{Meta: *meta, Players: cp})
	}

	unsubMeta, err := c.st.Subscribe(metaPath(roomID), func(raw json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		if raw == nil {
			meta = nil
		} else {
			var m Meta
			if err := json.Unmarshal(raw, &m); err != nil {
				c.log.Warn("corrupt meta in watch", zap.Error(err))
				return
			}
			meta = &m
		}
		started = true
		emit()
	})
	if err != nil {
		return nil, err
	}

	unsubPlayers, err := c.st.Subscribe(playersPath(roomID), func(raw json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		players = map[string]Player{}
		if raw != nil {
			if err := json.Unmarshal(raw, &players); err != nil {
				c.log.Warn("corrupt roster in watch", zap.Error(err))
			}
		}
		if !started {
			// wait for the meta sub's initial fire so the first view isn't
			// a spurious "room gone"
			return
		}
		emit()
	})
	if err != nil {
		unsubMeta()
		return nil, err
	}

	return func() {
		unsubMeta()
		unsubPlayers()
	}, nil
}

// HardDeleteRoom removes the room's four sub-paths. Leaving no trace is
// the point; each removal is independent and best-effort.
func (c *Coordinator) HardDeleteRoom(ctx context.Context, roomID string) {
	for _, p := range []string{
		metaPath(roomID),
		playersPath(roomID),
		statesPath(roomID),
		eventsPath(roomID),
	} {
		if err := c.st.Remove(ctx, p); err != nil {
			c.log.Debug("hard delete", zap.String("path", p), zap.Error(err))
		}
	}
}

// TryCleanupRoom deletes the room once its roster is empty, first sweeping
// roster entries whose heartbeat went stale. Returns whether the room was
// deleted.
func (c *Coordinator) TryCleanupRoom(ctx context.Context, roomID string) bool {
	players, readable := c.readPlayers(ctx, roomID)
	if !readable {
		return false
	}
	if len(players) == 0 {
		c.HardDeleteRoom(ctx, roomID)
		return true
	}

	now := c.nowMs()
	changed := false
	for pid, p := range players {
		if now-p.LastSeen > c.cfg.PlayerStale.Milliseconds() {
			if err := c.st.Remove(ctx, playerPath(roomID, pid)); err == nil {
				changed = true
			}
		}
	}
	if !changed {
		return false
	}
	players, readable = c.readPlayers(ctx, roomID)
	if readable && len(players) == 0 {
		c.HardDeleteRoom(ctx, roomID)
		return true
	}
	return false
}

// CleanupToken identifies one peer's footprint for exit cleanup.
type CleanupToken struct {
	LobbyID  string
	Slot     int
	RoomID   string
	PlayerID string
}

func (t CleanupToken) key() string {
	return fmt.Sprintf("%s/%d/%s/%s", t.LobbyID, t.Slot, t.RoomID, t.PlayerID)
}

// ExitCleanup is the single idempotent teardown for a voluntary exit:
// remove the caller's roster and snapshot entries, delete the room if
// that left it empty, and release the lobby slot. Safe to invoke from
// multiple call sites (shutdown, signal handler, match end); repeats are
// detectable no-ops. Exactly-once is not guaranteed and not needed --
// every step tolerates the paths already being gone.
func (c *Coordinator) ExitCleanup(ctx context.Context, tok CleanupToken) bool {
	c.cleanupMu.Lock()
	if c.cleanupDone[tok.key()] {
		c.cleanupMu.Unlock()
		return false
	}
	c.cleanupDone[tok.key()] = true
	c.cleanupMu.Unlock()

	if tok.RoomID != "" && tok.PlayerID != "" {
		if err := c.st.Remove(ctx, playerPath(tok.RoomID, tok.PlayerID)); err != nil {
			c.log.Debug("exit: remove roster entry", zap.Error(err))
		}
		if err := c.st.Remove(ctx, statePath(tok.RoomID, tok.PlayerID)); err != nil {
			c.log.Debug("exit: remove snapshot", zap.Error(err))
		}
	}
	if tok.RoomID != "" {
		c.TryCleanupRoom(ctx, tok.RoomID)
	}
	if tok.LobbyID != "" {
		c.ReleaseSlot(ctx, tok.LobbyID, tok.Slot)
	}
	c.log.Info("exit cleanup complete",
		zap.String("room", tok.RoomID),
		zap.String("pid", tok.PlayerID))
	return true
}
