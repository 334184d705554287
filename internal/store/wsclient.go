package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/stackduel/stackduel/pkg/wire"
)

const (
	writeTimeout = 3 * time.Second
	// casAttempts bounds the optimistic retry loop of Transaction.
	casAttempts = 32
)

// WSClient talks to a signald instance over one WebSocket connection.
// Requests are correlated by id; subscription pushes are fanned out to
// per-subscription goroutines with latest-value coalescing, so a slow
// callback only ever misses intermediate values, never the final one.
type WSClient struct {
	conn *websocket.Conn
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	nextID  uint64
	nextSub uint64
	pending map[uint64]chan wire.Message
	subs    map[uint64]*wsSub
	closed  bool
	readErr error
}

type wsSub struct {
	ch   chan json.RawMessage
	done chan struct{}
}

// Dial connects to a signald websocket endpoint (ws://host/ws) and starts
// the read loop. The connection carries the caller's disconnect intents:
// closing it (or losing it) triggers their removal server-side.
func Dial(ctx context.Context, url string, log *zap.Logger) (*WSClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	// Large room snapshots exceed the 32KiB default.
	conn.SetReadLimit(1 << 20)

	cctx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		conn:    conn,
		log:     log,
		ctx:     cctx,
		cancel:  cancel,
		pending: map[uint64]chan wire.Message{},
		subs:    map[uint64]*wsSub{},
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.fail(err)
			return
		}
		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("bad frame from server", zap.Error(err))
			continue
		}
		switch msg.Type {
		case wire.TypeResponse:
			c.mu.Lock()
			ch := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case wire.TypePush:
			c.mu.Lock()
			sub := c.subs[msg.Sub]
			c.mu.Unlock()
			if sub == nil {
				continue
			}
			val := msg.Value
			if isJSONNull(val) {
				val = nil
			}
			// drop-oldest: replace a value the callback has not taken yet
			select {
			case sub.ch <- val:
			default:
				select {
				case <-sub.ch:
				default:
				}
				select {
				case sub.ch <- val:
				default:
				}
			}
		}
	}
}

// fail tears the client down after a read error: every pending request
// and subscription is released so callers unblock.
func (c *WSClient) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.readErr = err
	pending := c.pending
	subs := c.subs
	c.pending = map[uint64]chan wire.Message{}
	c.subs = map[uint64]*wsSub{}
	c.mu.Unlock()

	c.cancel()
	for _, ch := range pending {
		close(ch)
	}
	for _, s := range subs {
		close(s.done)
	}
}

func (c *WSClient) request(ctx context.Context, req wire.Request) (wire.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Message{}, ErrClosed
	}
	c.nextID++
	req.ID = c.nextID
	ch := make(chan wire.Message, 1)
	c.pending[req.ID] = ch
	c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		c.unregister(req.ID)
		return wire.Message{}, err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err = c.conn.Write(wctx, websocket.MessageText, data)
	cancel()
	if err != nil {
		c.unregister(req.ID)
		return wire.Message{}, fmt.Errorf("write %s: %w", req.Op, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return wire.Message{}, ErrClosed
		}
		if msg.Conflict {
			return msg, ErrConflict
		}
		if !msg.OK {
			return msg, fmt.Errorf("%s %s: %s", req.Op, req.Path, msg.Error)
		}
		return msg, nil
	case <-ctx.Done():
		c.unregister(req.ID)
		return wire.Message{}, ctx.Err()
	case <-c.ctx.Done():
		return wire.Message{}, ErrClosed
	}
}

func (c *WSClient) unregister(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *WSClient) Get(ctx context.Context, path string) (json.RawMessage, error) {
	raw, _, err := c.getWithRev(ctx, path)
	return raw, err
}

func (c *WSClient) getWithRev(ctx context.Context, path string) (json.RawMessage, uint64, error) {
	msg, err := c.request(ctx, wire.Request{Op: wire.OpGet, Path: path})
	if err != nil {
		return nil, 0, err
	}
	val := msg.Value
	if isJSONNull(val) {
		val = nil
	}
	return val, msg.Rev, nil
}

func (c *WSClient) Set(ctx context.Context, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, wire.Request{Op: wire.OpSet, Path: path, Value: raw})
	return err
}

func (c *WSClient) Update(ctx context.Context, path string, fields map[string]any) error {
	enc := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		enc[k] = raw
	}
	_, err := c.request(ctx, wire.Request{Op: wire.OpUpdate, Path: path, Fields: enc})
	return err
}

func (c *WSClient) Remove(ctx context.Context, path string) error {
	_, err := c.request(ctx, wire.Request{Op: wire.OpRemove, Path: path})
	return err
}

// Transaction runs the optimistic loop client-side: read value and
// revision, apply fn, compare-and-swap against that revision. A conflict
// means some other writer got in between; re-read and try again.
func (c *WSClient) Transaction(ctx context.Context, path string, fn TxnFunc) (json.RawMessage, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, rev, err := c.getWithRev(ctx, path)
		if err != nil {
			return nil, err
		}
		next, err := fn(cur)
		if err == ErrUnchanged {
			return cur, nil
		}
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return nil, err
		}
		msg, err := c.request(ctx, wire.Request{
			Op:    wire.OpCAS,
			Path:  path,
			Value: raw,
			Rev:   rev,
		})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		val := msg.Value
		if isJSONNull(val) {
			val = nil
		}
		return val, nil
	}
	return nil, fmt.Errorf("transaction on %s: %w", path, ErrConflict)
}

// Subscribe registers fn for the subtree at path. The server fires an
// initial push with the current value; fn runs on its own goroutine.
// The subscription id is chosen client-side and handed to the server in
// the request, so the handler is in place before any push can arrive.
func (c *WSClient) Subscribe(path string, fn func(json.RawMessage)) (func(), error) {
	sub := &wsSub{
		ch:   make(chan json.RawMessage, 1),
		done: make(chan struct{}),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextSub++
	subID := c.nextSub
	c.subs[subID] = sub
	c.mu.Unlock()

	if _, err := c.request(c.ctx, wire.Request{Op: wire.OpSubscribe, Path: path, Sub: subID}); err != nil {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		close(sub.done)
		return nil, err
	}

	go func() {
		for {
			select {
			case v := <-sub.ch:
				fn(v)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			c.mu.Lock()
			if s := c.subs[subID]; s != nil {
				delete(c.subs, subID)
				close(s.done)
			}
			c.mu.Unlock()
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			defer cancel()
			_, _ = c.request(ctx, wire.Request{Op: wire.OpUnsubscribe, Sub: subID})
		})
	}
	return unsub, nil
}

// OnDisconnectRemove asks the server to remove path when this connection
// goes away, however it goes away.
func (c *WSClient) OnDisconnectRemove(path string) error {
	_, err := c.request(c.ctx, wire.Request{Op: wire.OpOnDisconnect, Path: path})
	return err
}

// Close shuts the connection down, which fires the registered disconnect
// intents server-side.
func (c *WSClient) Close() error {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "bye")
	c.fail(ErrClosed)
	return err
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

var _ Client = (*WSClient)(nil)
