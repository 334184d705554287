package netplay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stackduel/stackduel/internal/engine"
)

// PublishState writes the caller's board snapshot under states/{pid},
// stamping the publish time. Snapshots are whole-value overwrites; the
// opponent only ever needs the latest one.
func (c *Coordinator) PublishState(ctx context.Context, roomID, pid string, ns engine.NetState) error {
	ns.T = c.nowMs()
	return c.st.Set(ctx, statePath(roomID, pid), ns)
}

// OpponentState is one opponent snapshot as seen by a subscriber.
type OpponentState struct {
	PlayerID string
	State    engine.NetState
	// Terminal marks the snapshot that reported the opponent's game over.
	Terminal bool
}

// SubscribeOpponent watches the room's snapshot set and surfaces the
// single snapshot that is not the caller's own. With no opponent yet the
// callback is not invoked; an opponent snapshot that disappears again
// (disconnect intent fired) is reported as nil.
func (c *Coordinator) SubscribeOpponent(roomID, selfPID string, onState func(*OpponentState)) (func(), error) {
	var mu sync.Mutex
	seen := false

	return c.st.Subscribe(statesPath(roomID), func(raw json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()

		var all map[string]engine.NetState
		if raw != nil {
			if err := json.Unmarshal(raw, &all); err != nil {
				c.log.Warn("corrupt state set", zap.String("room", roomID), zap.Error(err))
				return
			}
		}
		for pid, ns := range all {
			if pid == selfPID {
				continue
			}
			seen = true
			onState(&OpponentState{PlayerID: pid, State: ns, Terminal: ns.Over})
			return
		}
		if seen {
			seen = false
			onState(nil)
		}
	})
}

// PushEvent appends one event under a fresh key. Events are write-once
// mailbox entries; the addressee deletes them after processing.
func (c *Coordinator) PushEvent(ctx context.Context, roomID, fromPID string, kind EventKind, payload EventPayload) error {
	ev := Event{
		From:    fromPID,
		Kind:    kind,
		Payload: payload,
		T:       c.nowMs(),
	}
	return c.st.Set(ctx, eventPath(roomID, uuid.NewString()), ev)
}

// SubscribeEvents consumes the room's event mailbox. Each event addressed
// to the caller (From != selfPID) is handed to the handler exactly once
// and then deleted. Events stamped earlier than joinedAt minus the skew
// allowance predate this session and are deleted unseen, so a peer cannot
// be hit by leftovers from a previous occupant of the same room key.
func (c *Coordinator) SubscribeEvents(ctx context.Context, roomID, selfPID string, joinedAt int64, onEvent func(Event)) (func(), error) {
	var mu sync.Mutex
	processed := map[string]bool{}
	cutoff := joinedAt - c.cfg.EventSkew.Milliseconds()

	return c.st.Subscribe(eventsPath(roomID), func(raw json.RawMessage) {
		if raw == nil {
			return
		}
		var all map[string]Event
		if err := json.Unmarshal(raw, &all); err != nil {
			c.log.Warn("corrupt event set", zap.String("room", roomID), zap.Error(err))
			return
		}

		mu.Lock()
		defer mu.Unlock()
		for key, ev := range all {
			if ev.From == selfPID || processed[key] {
				continue
			}
			processed[key] = true
			if ev.T >= cutoff {
				onEvent(ev)
			}
			if err := c.st.Remove(ctx, eventPath(roomID, key)); err != nil {
				c.log.Debug("consume event", zap.String("key", key), zap.Error(err))
			}
		}
	})
}
