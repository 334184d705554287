// Package signald hosts the rendezvous store: a small in-memory versioned
// JSON tree served over WebSocket. Clients read, write, transact and
// subscribe through it; nothing is ever written to disk, so a match
// leaves no trace once its paths are removed.
package signald

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/stackduel/stackduel/internal/store"
	"github.com/stackduel/stackduel/pkg/wire"
)

const (
	readTimeout  = 5 * time.Minute
	writeTimeout = 3 * time.Second
	// outboxSize buffers responses and pushes per connection.
	outboxSize = 64
)

// Server owns the tree and accepts store connections.
type Server struct {
	tree *store.Tree
	log  *zap.Logger
}

func New(tree *store.Tree, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{tree: tree, log: log}
}

// Tree exposes the backing tree, mainly to tests.
func (s *Server) Tree() *store.Tree { return s.tree }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(1 << 20)

	c := &clientConn{
		srv:  s,
		ws:   conn,
		out:  make(chan []byte, outboxSize),
		done: make(chan struct{}),
		subs: map[uint64]func(){},
	}
	c.run(r.Context())
}

// clientConn is one connected store client: a reader loop handling
// requests in order, a writer goroutine draining the outbox, and the
// connection-scoped state (subscriptions, disconnect intents).
type clientConn struct {
	srv  *Server
	ws   *websocket.Conn
	out  chan []byte
	done chan struct{}

	mu      sync.Mutex
	subs    map[uint64]func()
	intents []string
}

func (c *clientConn) run(ctx context.Context) {
	defer c.teardown()

	writeCtx, writeCancel := context.WithCancel(ctx)
	defer writeCancel()
	go func() {
		for {
			select {
			case payload := <-c.out:
				wctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				err := c.ws.Write(wctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					return
				}
			case <-writeCtx.Done():
				return
			}
		}
	}()

	for {
		rctx, cancel := context.WithTimeout(ctx, readTimeout)
		_, data, err := c.ws.Read(rctx)
		cancel()
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			return
		}

		var req wire.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(wire.Message{Type: wire.TypeResponse, Error: "bad json"})
			continue
		}
		c.send(c.handle(req))
	}
}

// teardown fires after the reader loop exits, however it exits: cancel
// every live subscription, then execute the disconnect intents. Intent
// execution is what cleans up after a crashed peer.
func (c *clientConn) teardown() {
	close(c.done)

	c.mu.Lock()
	subs := c.subs
	intents := c.intents
	c.subs = map[uint64]func(){}
	c.intents = nil
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	for _, path := range intents {
		if err := c.srv.tree.Set(path, nil); err != nil {
			c.srv.log.Warn("disconnect intent", zap.String("path", path), zap.Error(err))
		}
	}
	if len(intents) > 0 {
		c.srv.log.Info("executed disconnect intents", zap.Int("count", len(intents)))
	}
}

func (c *clientConn) send(msg wire.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.srv.log.Warn("marshal frame", zap.Error(err))
		return
	}
	select {
	case c.out <- payload:
	case <-c.done:
	}
}

func (c *clientConn) handle(req wire.Request) wire.Message {
	resp := wire.Message{Type: wire.TypeResponse, ID: req.ID}
	fail := func(err error) wire.Message {
		resp.Error = err.Error()
		return resp
	}

	switch req.Op {
	case wire.OpGet:
		val, rev := c.srv.tree.Get(req.Path)
		resp.OK = true
		resp.Value = orNull(val)
		resp.Rev = rev

	case wire.OpSet:
		v, err := decodeValue(req.Value)
		if err != nil {
			return fail(err)
		}
		if err := c.srv.tree.Set(req.Path, v); err != nil {
			return fail(err)
		}
		resp.OK = true

	case wire.OpUpdate:
		fields := make(map[string]any, len(req.Fields))
		for k, raw := range req.Fields {
			v, err := decodeValue(raw)
			if err != nil {
				return fail(err)
			}
			fields[k] = v
		}
		if err := c.srv.tree.Update(req.Path, fields); err != nil {
			return fail(err)
		}
		resp.OK = true

	case wire.OpRemove:
		if err := c.srv.tree.Set(req.Path, nil); err != nil {
			return fail(err)
		}
		resp.OK = true

	case wire.OpCAS:
		v, err := decodeValue(req.Value)
		if err != nil {
			return fail(err)
		}
		rev, err := c.srv.tree.CAS(req.Path, req.Rev, v)
		if err == store.ErrConflict {
			resp.Conflict = true
			return resp
		}
		if err != nil {
			return fail(err)
		}
		resp.OK = true
		resp.Value = orNull(req.Value)
		resp.Rev = rev

	case wire.OpSubscribe:
		subID := req.Sub
		path := req.Path
		unsub := c.srv.tree.Subscribe(path, func(raw json.RawMessage) {
			c.send(wire.Message{
				Type:  wire.TypePush,
				Sub:   subID,
				Path:  path,
				Value: orNull(raw),
			})
		})
		c.mu.Lock()
		if old := c.subs[subID]; old != nil {
			old()
		}
		c.subs[subID] = unsub
		c.mu.Unlock()
		resp.OK = true
		resp.Sub = subID

	case wire.OpUnsubscribe:
		c.mu.Lock()
		unsub := c.subs[req.Sub]
		delete(c.subs, req.Sub)
		c.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		resp.OK = true

	case wire.OpOnDisconnect:
		c.mu.Lock()
		c.intents = append(c.intents, req.Path)
		c.mu.Unlock()
		resp.OK = true

	default:
		resp.Error = "unknown op"
	}
	return resp
}

func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func orNull(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return json.RawMessage("null")
	}
	return raw
}
