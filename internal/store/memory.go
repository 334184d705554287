package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-process store shared by any number of connections. It
// backs tests and local play; the protocol code cannot tell it apart from
// a remote store other than by latency.
type Memory struct {
	tree *Tree
}

// NewMemory returns an empty shared store.
func NewMemory() *Memory {
	return &Memory{tree: NewTree()}
}

// Tree exposes the underlying tree, mainly for test inspection.
func (m *Memory) Tree() *Tree { return m.tree }

// Connect returns a connection handle. Each handle owns its disconnect
// intents and subscriptions; Close executes the former and cancels the
// latter, which is how tests model a peer crashing.
func (m *Memory) Connect() *MemoryClient {
	return &MemoryClient{m: m}
}

// MemoryClient implements Client over a shared Memory store.
type MemoryClient struct {
	m *Memory

	mu      sync.Mutex
	closed  bool
	intents []string
	unsubs  []func()
}

var _ Client = (*MemoryClient)(nil)

func (c *MemoryClient) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *MemoryClient) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, _ := c.m.tree.Get(path)
	return v, nil
}

func (c *MemoryClient) Set(ctx context.Context, path string, v any) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.m.tree.Set(path, v)
}

func (c *MemoryClient) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.m.tree.Update(path, fields)
}

func (c *MemoryClient) Remove(ctx context.Context, path string) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.m.tree.Remove(path)
	return nil
}

func (c *MemoryClient) Transaction(ctx context.Context, path string, fn TxnFunc) (json.RawMessage, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.m.tree.Txn(path, fn)
}

func (c *MemoryClient) Subscribe(path string, fn func(json.RawMessage)) (func(), error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	unsub := c.m.tree.Subscribe(path, fn)
	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsub)
	c.mu.Unlock()
	return unsub, nil
}

func (c *MemoryClient) OnDisconnectRemove(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.intents = append(c.intents, path)
	return nil
}

// Close cancels this connection's subscriptions and executes its
// disconnect-removal intents, mirroring what a remote store does when a
// socket drops.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	intents := c.intents
	unsubs := c.unsubs
	c.intents, c.unsubs = nil, nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	for _, p := range intents {
		c.m.tree.Remove(p)
	}
	return nil
}
