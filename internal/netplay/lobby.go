package netplay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"

	"go.uber.org/zap"
)

// ErrLobbyFull reports that every slot's room already holds two players.
// The orchestrator falls back to a local opponent on it.
var ErrLobbyFull = errors.New("netplay: all lobby slots are in use")

// StableLobbyID derives the lobby identifier from a deployment namespace,
// so every client of one deployment lands in the same lobby.
func StableLobbyID(namespace string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(namespace))
	return "stack_" + strconv.FormatUint(uint64(h.Sum32()), 36)
}

// Joined is the result of a successful lobby join.
type Joined struct {
	LobbyID  string
	RoomID   string
	Slot     int
	PlayerID string
	Seed     uint32
	Rows     int
	JoinedAt int64 // ms
}

// JoinLobby scans slot indices in order, lazily assigning a room to each
// and attempting the room join protocol, until one room accepts the
// caller. Slot scanning keeps concurrent joiners off a single hot
// transaction target: after the first commit on a slot, later joiners
// land on the same room through a plain read.
func (c *Coordinator) JoinLobby(ctx context.Context, lobbyID string) (*Joined, error) {
	if err := c.ensureLobby(ctx, lobbyID); err != nil {
		return nil, fmt.Errorf("ensure lobby %s: %w", lobbyID, err)
	}

	for slot := 0; slot < c.cfg.MaxSlots; slot++ {
		roomKey, err := c.slotRoomKey(ctx, lobbyID, slot)
		if err != nil {
			return nil, fmt.Errorf("slot %d of lobby %s: %w", slot, lobbyID, err)
		}
		j, err := c.JoinRoom(ctx, roomKey)
		if errors.Is(err, ErrRoomFull) {
			continue
		}
		if err != nil {
			return nil, err
		}
		j.LobbyID = lobbyID
		j.Slot = slot
		c.log.Info("joined lobby",
			zap.String("lobby", lobbyID),
			zap.Int("slot", slot),
			zap.String("room", j.RoomID),
			zap.String("pid", j.PlayerID))
		return j, nil
	}
	return nil, ErrLobbyFull
}

// ensureLobby creates the lobby root if absent, else bumps updatedAt.
func (c *Coordinator) ensureLobby(ctx context.Context, lobbyID string) error {
	_, err := c.st.Transaction(ctx, lobbyPath(lobbyID), func(cur json.RawMessage) (any, error) {
		now := c.nowMs()
		if cur == nil {
			return lobbyMeta{CreatedAt: now, UpdatedAt: now, Version: 1}, nil
		}
		var mm map[string]any
		if err := json.Unmarshal(cur, &mm); err != nil {
			mm = map[string]any{}
		}
		mm["updatedAt"] = now
		if _, ok := mm["version"]; !ok {
			mm["version"] = 1
		}
		return mm, nil
	})
	return err
}

// slotRoomKey transactionally reads or creates the room key for a slot.
func (c *Coordinator) slotRoomKey(ctx context.Context, lobbyID string, slot int) (string, error) {
	final, err := c.st.Transaction(ctx, slotPath(lobbyID, slot), func(cur json.RawMessage) (any, error) {
		now := c.nowMs()
		if cur == nil {
			return Slot{RoomKey: makeID(10), CreatedAt: now, LastAssignedAt: now}, nil
		}
		var s Slot
		if err := json.Unmarshal(cur, &s); err != nil || s.RoomKey == "" {
			return Slot{RoomKey: makeID(10), CreatedAt: now, LastAssignedAt: now}, nil
		}
		s.LastAssignedAt = now
		return s, nil
	})
	if err != nil {
		return "", err
	}
	var s Slot
	if err := json.Unmarshal(final, &s); err != nil || s.RoomKey == "" {
		return "", fmt.Errorf("slot assignment produced no room key")
	}
	return s.RoomKey, nil
}

// ReleaseSlot clears a lobby slot (pass a negative slot to skip that) and
// prunes the lobby root when no slot references a room any more. Every
// step is best-effort and idempotent.
func (c *Coordinator) ReleaseSlot(ctx context.Context, lobbyID string, slot int) {
	if lobbyID == "" {
		return
	}
	if slot >= 0 {
		if err := c.st.Remove(ctx, slotPath(lobbyID, slot)); err != nil {
			c.log.Debug("release slot", zap.Int("slot", slot), zap.Error(err))
		}
	}
	c.pruneLobby(ctx, lobbyID)
}

func (c *Coordinator) pruneLobby(ctx context.Context, lobbyID string) {
	raw, err := c.st.Get(ctx, slotsPath(lobbyID))
	if err != nil {
		return
	}
	var slots map[string]Slot
	if raw != nil {
		if err := json.Unmarshal(raw, &slots); err != nil {
			return
		}
	}
	for _, s := range slots {
		if s.RoomKey != "" {
			return
		}
	}
	if err := c.st.Remove(ctx, lobbyPath(lobbyID)); err != nil {
		c.log.Debug("prune lobby", zap.String("lobby", lobbyID), zap.Error(err))
	}
}

// SweepLobbySlots reclaims slots whose rooms died without clean disconnect
// signaling: an empty room older than the short grace, or a room with no
// live heartbeat past the long grace, is hard-deleted and its slot
// cleared. Runs periodically and at lobby entry; all failures are
// swallowed.
func (c *Coordinator) SweepLobbySlots(ctx context.Context, lobbyID string) {
	raw, err := c.st.Get(ctx, slotsPath(lobbyID))
	if err != nil {
		c.log.Debug("sweep: read slots", zap.Error(err))
		return
	}
	var slots map[string]Slot
	if raw != nil {
		if err := json.Unmarshal(raw, &slots); err != nil {
			return
		}
	}
	now := c.nowMs()

	for i := 0; i < c.cfg.MaxSlots; i++ {
		sv, ok := slots[strconv.Itoa(i)]
		if !ok || sv.RoomKey == "" {
			continue
		}

		players, readable := c.readPlayers(ctx, sv.RoomKey)
		live := 0
		for _, p := range players {
			if now-p.LastSeen <= c.cfg.LivenessWindow.Milliseconds() {
				live++
			}
		}
		assignedAt := sv.LastAssignedAt
		if assignedAt == 0 {
			assignedAt = sv.CreatedAt
		}

		emptyHard := readable && len(players) == 0
		emptyOrDead := !readable || len(players) == 0 || live == 0
		pastEmptyGrace := assignedAt != 0 && now-assignedAt > c.cfg.EmptyGrace.Milliseconds()
		pastStaleGrace := assignedAt != 0 && now-assignedAt > c.cfg.StaleGrace.Milliseconds()

		if (emptyHard && pastEmptyGrace) || (emptyOrDead && pastStaleGrace) {
			c.log.Info("sweeping dead room",
				zap.String("lobby", lobbyID),
				zap.Int("slot", i),
				zap.String("room", sv.RoomKey))
			c.HardDeleteRoom(ctx, sv.RoomKey)
			if err := c.st.Remove(ctx, slotPath(lobbyID, i)); err != nil {
				c.log.Debug("sweep: clear slot", zap.Int("slot", i), zap.Error(err))
			}
		}
	}

	c.pruneLobby(ctx, lobbyID)
}

// readPlayers returns the roster and whether the read succeeded at all;
// the distinction matters to the sweep's grace rules.
func (c *Coordinator) readPlayers(ctx context.Context, roomID string) (map[string]Player, bool) {
	raw, err := c.st.Get(ctx, playersPath(roomID))
	if err != nil {
		return nil, false
	}
	players := map[string]Player{}
	if raw != nil {
		if err := json.Unmarshal(raw, &players); err != nil {
			return nil, false
		}
	}
	return players, true
}
