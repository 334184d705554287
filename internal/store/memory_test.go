package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func getJSON[T any](t *testing.T, c Client, path string) (T, bool) {
	t.Helper()
	var out T
	raw, err := c.Get(context.Background(), path)
	require.NoError(t, err)
	if raw == nil {
		return out, false
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out, true
}

func TestSetGetRemoveRoundTrip(t *testing.T) {
	c := NewMemory().Connect()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "signals/r1/meta", map[string]any{"state": "open", "seed": 42}))

	meta, ok := getJSON[map[string]any](t, c, "signals/r1/meta")
	require.True(t, ok)
	require.Equal(t, "open", meta["state"])
	require.EqualValues(t, 42, meta["seed"])

	require.NoError(t, c.Remove(ctx, "signals/r1/meta"))
	_, ok = getJSON[map[string]any](t, c, "signals/r1/meta")
	require.False(t, ok)

	// removing again is a no-op, not an error
	require.NoError(t, c.Remove(ctx, "signals/r1/meta"))
}

func TestUpdateShallowMerges(t *testing.T) {
	c := NewMemory().Connect()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "p", map[string]any{"a": 1, "b": 2}))
	require.NoError(t, c.Update(ctx, "p", map[string]any{"b": 3, "c": 4}))

	v, ok := getJSON[map[string]int](t, c, "p")
	require.True(t, ok)
	require.Equal(t, map[string]int{"a": 1, "b": 3, "c": 4}, v)
}

func TestEmptyBranchesAreAbsent(t *testing.T) {
	c := NewMemory().Connect()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "lobby/mm", map[string]any{"version": 1, "slots": map[string]any{}}))
	_, ok := getJSON[any](t, c, "lobby/mm/slots")
	require.False(t, ok, "an empty object is no object")

	// removing the last child prunes the parent chain
	require.NoError(t, c.Set(ctx, "a/b/c", 1))
	require.NoError(t, c.Remove(ctx, "a/b/c"))
	_, ok = getJSON[any](t, c, "a")
	require.False(t, ok)
}

func TestTransactionCreateThenMutate(t *testing.T) {
	c := NewMemory().Connect()
	ctx := context.Background()

	final, err := c.Transaction(ctx, "n", func(cur json.RawMessage) (any, error) {
		require.Nil(t, cur, "first run sees absence")
		return map[string]any{"count": 1}, nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"count":1}`, string(final))

	final, err = c.Transaction(ctx, "n", func(cur json.RawMessage) (any, error) {
		var v struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(cur, &v))
		return map[string]any{"count": v.Count + 1}, nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"count":2}`, string(final))
}

func TestTransactionUnchangedAborts(t *testing.T) {
	c := NewMemory().Connect()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "n", map[string]any{"v": 1}))

	final, err := c.Transaction(ctx, "n", func(cur json.RawMessage) (any, error) {
		return nil, ErrUnchanged
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(final))
}

func TestConcurrentTransactionsSerialize(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := m.Connect()
			defer c.Close()
			for j := 0; j < perWriter; j++ {
				_, err := c.Transaction(ctx, "counter", func(cur json.RawMessage) (any, error) {
					n := 0
					if cur != nil {
						_ = json.Unmarshal(cur, &n)
					}
					return n + 1, nil
				})
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	n, ok := getJSON[int](t, m.Connect(), "counter")
	require.True(t, ok)
	require.Equal(t, writers*perWriter, n)
}

func TestSubscribeFiresImmediatelyAndOnChange(t *testing.T) {
	c := NewMemory().Connect()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "watched", "before"))

	values := make(chan string, 8)
	unsub, err := c.Subscribe("watched", func(raw json.RawMessage) {
		var s string
		if raw != nil {
			_ = json.Unmarshal(raw, &s)
		} else {
			s = "<absent>"
		}
		values <- s
	})
	require.NoError(t, err)
	defer unsub()

	require.Equal(t, "before", recvValue(t, values))

	require.NoError(t, c.Set(ctx, "watched", "after"))
	require.Equal(t, "after", recvValue(t, values))

	require.NoError(t, c.Remove(ctx, "watched"))
	require.Equal(t, "<absent>", recvValue(t, values))
}

func TestSubscribeSeesChildWrites(t *testing.T) {
	c := NewMemory().Connect()
	ctx := context.Background()

	type playersView map[string]map[string]any
	views := make(chan playersView, 8)
	unsub, err := c.Subscribe("room/players", func(raw json.RawMessage) {
		var v playersView
		if raw != nil {
			_ = json.Unmarshal(raw, &v)
		}
		views <- v
	})
	require.NoError(t, err)
	defer unsub()

	require.Nil(t, recvValue(t, views)) // initial: absent

	require.NoError(t, c.Set(ctx, "room/players/p1", map[string]any{"name": "a"}))
	v := recvValue(t, views)
	require.Contains(t, v, "p1")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c := NewMemory().Connect()
	ctx := context.Background()

	fired := make(chan struct{}, 8)
	unsub, err := c.Subscribe("u", func(json.RawMessage) { fired <- struct{}{} })
	require.NoError(t, err)
	<-fired // initial

	unsub()
	unsub() // idempotent

	require.NoError(t, c.Set(ctx, "u", 1))
	select {
	case <-fired:
		t.Fatal("subscription fired after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOnDisconnectRemoveRunsOnClose(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	peer := m.Connect()
	require.NoError(t, peer.Set(ctx, "room/players/p1", map[string]any{"alive": true}))
	require.NoError(t, peer.Set(ctx, "room/states/p1", map[string]any{"score": 0}))
	require.NoError(t, peer.OnDisconnectRemove("room/players/p1"))
	require.NoError(t, peer.OnDisconnectRemove("room/states/p1"))

	// crash
	require.NoError(t, peer.Close())

	obs := m.Connect()
	_, ok := getJSON[any](t, obs, "room/players/p1")
	require.False(t, ok)
	_, ok = getJSON[any](t, obs, "room/states/p1")
	require.False(t, ok)

	// operations on a closed client fail with ErrClosed
	require.ErrorIs(t, peer.Set(ctx, "x", 1), ErrClosed)
}

func TestCASConflicts(t *testing.T) {
	tree := NewTree()
	require.NoError(t, tree.Set("n", 1))

	_, rev := tree.Get("n")
	_, err := tree.CAS("n", rev, 2)
	require.NoError(t, err)

	// stale revision loses
	_, err = tree.CAS("n", rev, 3)
	require.ErrorIs(t, err, ErrConflict)

	// a child write invalidates a CAS against the parent
	require.NoError(t, tree.Set("obj/child", 1))
	_, parentRev := tree.Get("obj")
	require.NoError(t, tree.Set("obj/other", 2))
	_, err = tree.CAS("obj", parentRev, map[string]any{"clobber": true})
	require.ErrorIs(t, err, ErrConflict)
}

func recvValue[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription value")
		panic("unreachable")
	}
}
