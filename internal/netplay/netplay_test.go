package netplay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stackduel/stackduel/internal/engine"
	"github.com/stackduel/stackduel/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func getAs[T any](t *testing.T, c store.Client, path string) (T, bool) {
	t.Helper()
	var v T
	raw, err := c.Get(context.Background(), path)
	require.NoError(t, err)
	if raw == nil {
		return v, false
	}
	require.NoError(t, json.Unmarshal(raw, &v))
	return v, true
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestTwoPlayersShareRoom(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	lobby := StableLobbyID("test")

	c1 := New(mem.Connect(), nil)
	c2 := New(mem.Connect(), nil)

	j1, err := c1.JoinLobby(ctx, lobby)
	require.NoError(t, err)
	j2, err := c2.JoinLobby(ctx, lobby)
	require.NoError(t, err)

	require.Equal(t, j1.RoomID, j2.RoomID)
	require.Equal(t, j1.Slot, j2.Slot)
	require.Equal(t, j1.Seed, j2.Seed)
	require.NotZero(t, j1.Seed)
	require.NotEqual(t, j1.PlayerID, j2.PlayerID)

	meta, ok := getAs[Meta](t, mem.Connect(), metaPath(j1.RoomID))
	require.True(t, ok)
	require.Len(t, meta.Joined, 2)
	require.True(t, meta.Joined[j1.PlayerID])
	require.True(t, meta.Joined[j2.PlayerID])
	require.Equal(t, RoomOpen, meta.State)

	require.NoError(t, c1.MarkPlaying(ctx, j1.RoomID))
	// second transition attempt is a no-op
	require.NoError(t, c2.MarkPlaying(ctx, j1.RoomID))

	meta, _ = getAs[Meta](t, mem.Connect(), metaPath(j1.RoomID))
	require.Equal(t, RoomPlaying, meta.State)
}

func TestFullRoomSendsThirdPlayerToNextSlot(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	lobby := StableLobbyID("test")

	j1, err := New(mem.Connect(), nil).JoinLobby(ctx, lobby)
	require.NoError(t, err)
	_, err = New(mem.Connect(), nil).JoinLobby(ctx, lobby)
	require.NoError(t, err)

	// direct join against the full room is rejected
	c3 := New(mem.Connect(), nil)
	_, err = c3.JoinRoom(ctx, j1.RoomID)
	require.ErrorIs(t, err, ErrRoomFull)

	// the lobby path routes the third player to a fresh slot instead
	j3, err := c3.JoinLobby(ctx, lobby)
	require.NoError(t, err)
	require.Equal(t, j1.Slot+1, j3.Slot)
	require.NotEqual(t, j1.RoomID, j3.RoomID)
}

func TestJoinCapUnderConcurrentJoins(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	roomID := "caproom"

	const n = 6
	var wg sync.WaitGroup
	admitted := make(chan *Joined, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if j, err := New(mem.Connect(), nil).JoinRoom(ctx, roomID); err == nil {
				admitted <- j
			}
		}()
	}
	wg.Wait()
	close(admitted)

	meta, ok := getAs[Meta](t, mem.Connect(), metaPath(roomID))
	require.True(t, ok)
	require.LessOrEqual(t, len(meta.Joined), 2)
	for j := range admitted {
		require.NotZero(t, j.Seed)
	}
}

func TestStaleRoomReclaimed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	clock := newFakeClock()
	roomID := "stale"

	c1 := New(mem.Connect(), nil, WithClock(clock.Now))
	c2 := New(mem.Connect(), nil, WithClock(clock.Now))
	j1, err := c1.JoinRoom(ctx, roomID)
	require.NoError(t, err)
	_, err = c2.JoinRoom(ctx, roomID)
	require.NoError(t, err)

	// both heartbeats go stale without any disconnect signal
	clock.Advance(10 * time.Minute)

	c3 := New(mem.Connect(), nil, WithClock(clock.Now))
	j3, err := c3.JoinRoom(ctx, roomID)
	require.NoError(t, err)

	meta, ok := getAs[Meta](t, mem.Connect(), metaPath(roomID))
	require.True(t, ok)
	require.True(t, meta.Joined[j3.PlayerID])
	require.False(t, meta.Joined[j1.PlayerID])
}

func TestSweepReclaimsAbandonedSlot(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	clock := newFakeClock()
	lobby := StableLobbyID("sweep")

	client := mem.Connect()
	c := New(client, nil, WithClock(clock.Now))
	j, err := c.JoinLobby(ctx, lobby)
	require.NoError(t, err)

	// simulate a crash: disconnect intents clear roster and snapshot,
	// everything else stays behind
	require.NoError(t, client.Close())
	players, _ := getAs[map[string]Player](t, mem.Connect(), playersPath(j.RoomID))
	require.Empty(t, players)

	clock.Advance(11 * time.Second)

	sweeper := New(mem.Connect(), nil, WithClock(clock.Now))
	sweeper.SweepLobbySlots(ctx, lobby)

	_, ok := getAs[Meta](t, mem.Connect(), metaPath(j.RoomID))
	require.False(t, ok, "room meta should be swept")
	_, ok = getAs[Slot](t, mem.Connect(), slotPath(lobby, j.Slot))
	require.False(t, ok, "slot should be cleared")
	_, ok = getAs[map[string]any](t, mem.Connect(), lobbyPath(lobby))
	require.False(t, ok, "empty lobby should be pruned")
}

func TestSweepSparesLiveRoom(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	clock := newFakeClock()
	lobby := StableLobbyID("live")

	c := New(mem.Connect(), nil, WithClock(clock.Now))
	j, err := c.JoinLobby(ctx, lobby)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	c.Heartbeat(ctx, j.RoomID, j.PlayerID)
	c.SweepLobbySlots(ctx, lobby)

	_, ok := getAs[Meta](t, mem.Connect(), metaPath(j.RoomID))
	require.True(t, ok, "room with a live heartbeat must survive the sweep")
}

func TestExitCleanupIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	lobby := StableLobbyID("exit")

	c := New(mem.Connect(), nil)
	j, err := c.JoinLobby(ctx, lobby)
	require.NoError(t, err)

	tok := CleanupToken{
		LobbyID:  j.LobbyID,
		Slot:     j.Slot,
		RoomID:   j.RoomID,
		PlayerID: j.PlayerID,
	}

	const n = 4
	var wg sync.WaitGroup
	ran := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ran <- c.ExitCleanup(ctx, tok)
		}()
	}
	wg.Wait()
	close(ran)

	first := 0
	for r := range ran {
		if r {
			first++
		}
	}
	require.Equal(t, 1, first, "exactly one invocation performs the teardown")

	_, ok := getAs[Meta](t, mem.Connect(), metaPath(j.RoomID))
	require.False(t, ok, "last player out deletes the room")
	_, ok = getAs[map[string]any](t, mem.Connect(), lobbyPath(lobby))
	require.False(t, ok, "lobby with no referenced rooms is pruned")
}

func TestFinishRoomFirstResultSticks(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	c := New(mem.Connect(), nil)
	j, err := c.JoinRoom(ctx, "finish")
	require.NoError(t, err)

	require.NoError(t, c.FinishRoom(ctx, j.RoomID, "alice"))
	require.NoError(t, c.FinishRoom(ctx, j.RoomID, "bob"))

	meta, ok := getAs[Meta](t, mem.Connect(), metaPath(j.RoomID))
	require.True(t, ok)
	require.Equal(t, RoomEnded, meta.State)
	require.NotNil(t, meta.Result)
	require.Equal(t, "alice", meta.Result.Winner)
}

func TestWatchRoomReportsRoomGone(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	c := New(mem.Connect(), nil)
	j, err := c.JoinRoom(ctx, "watched")
	require.NoError(t, err)

	var mu sync.Mutex
	var last *RoomView
	var sawView, sawGone bool
	unsub, err := c.WatchRoom(j.RoomID, func(v *RoomView) {
		mu.Lock()
		defer mu.Unlock()
		last = v
		if v != nil {
			sawView = true
		} else if sawView {
			sawGone = true
		}
	})
	require.NoError(t, err)
	defer unsub()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sawView && last != nil && len(last.Players) == 1
	})

	c.HardDeleteRoom(ctx, j.RoomID)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sawGone
	})
}

func TestOpponentStateSurfaced(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	roomID := "relay"

	p1 := mem.Connect()
	c1 := New(p1, nil)
	c2 := New(mem.Connect(), nil)

	var mu sync.Mutex
	var latest *OpponentState
	var gone bool
	unsub, err := c2.SubscribeOpponent(roomID, "p2", func(s *OpponentState) {
		mu.Lock()
		defer mu.Unlock()
		latest = s
		if s == nil {
			gone = true
		}
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, c1.PublishState(ctx, roomID, "p1", engine.NetState{
		Cols: 10, Rows: 23, Score: 300,
	}))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest != nil && latest.PlayerID == "p1" && latest.State.Score == 300
	})
	mu.Lock()
	require.False(t, latest.Terminal)
	mu.Unlock()

	require.NoError(t, c1.PublishState(ctx, roomID, "p1", engine.NetState{
		Cols: 10, Rows: 23, Score: 450, Over: true,
	}))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest != nil && latest.Terminal
	})

	// a withdrawn snapshot (disconnect intent fired) reads as nil
	require.NoError(t, p1.Remove(ctx, statePath(roomID, "p1")))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gone
	})
}

func TestEventsConsumedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	roomID := "mailbox"

	sender := New(mem.Connect(), nil)
	receiver := New(mem.Connect(), nil)

	var mu sync.Mutex
	var got []Event
	joinedAt := time.Now().UnixMilli()
	unsub, err := receiver.SubscribeEvents(ctx, roomID, "p2", joinedAt, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, sender.PushEvent(ctx, roomID, "p1", EventRocks, EventPayload{N: 2}))
	require.NoError(t, sender.PushEvent(ctx, roomID, "p1", EventOver, EventPayload{Score: 1200}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	kinds := map[EventKind]EventPayload{}
	for _, ev := range got {
		require.Equal(t, "p1", ev.From)
		kinds[ev.Kind] = ev.Payload
	}
	mu.Unlock()
	require.Equal(t, 2, kinds[EventRocks].N)
	require.Equal(t, 1200, kinds[EventOver].Score)

	// consumed events are deleted from the mailbox
	waitFor(t, func() bool {
		evs, _ := getAs[map[string]Event](t, mem.Connect(), eventsPath(roomID))
		return len(evs) == 0
	})

	// replays of the same delivery never re-invoke the handler
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Len(t, got, 2)
	mu.Unlock()
}

func TestPreSessionEventsDiscarded(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	clock := newFakeClock()
	roomID := "skew"

	sender := New(mem.Connect(), nil, WithClock(clock.Now))
	require.NoError(t, sender.PushEvent(ctx, roomID, "ghost", EventRocks, EventPayload{N: 4}))

	// the receiver joined well after the event was stamped
	joinedAt := clock.Now().UnixMilli() + 10_000

	receiver := New(mem.Connect(), nil, WithClock(clock.Now))
	var fired bool
	var mu sync.Mutex
	unsub, err := receiver.SubscribeEvents(ctx, roomID, "p2", joinedAt, func(Event) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	// stale events are still cleared from the mailbox, just not delivered
	waitFor(t, func() bool {
		evs, _ := getAs[map[string]Event](t, mem.Connect(), eventsPath(roomID))
		return len(evs) == 0
	})
	mu.Lock()
	require.False(t, fired)
	mu.Unlock()
}

func TestTryCleanupRemovesStaleRoster(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	clock := newFakeClock()
	roomID := "stale-roster"

	c := New(mem.Connect(), nil, WithClock(clock.Now))
	_, err := c.JoinRoom(ctx, roomID)
	require.NoError(t, err)

	// not stale yet: room survives
	require.False(t, c.TryCleanupRoom(ctx, roomID))

	clock.Advance(2 * time.Minute)
	require.True(t, c.TryCleanupRoom(ctx, roomID))
	_, ok := getAs[Meta](t, mem.Connect(), metaPath(roomID))
	require.False(t, ok)
}
