// Package store defines the session store contract: a path-addressed value
// store with atomic read-modify-write transactions, change subscriptions
// and disconnect-triggered removal. The matchmaking protocol is written
// against this interface only; it must not assume a specific backing
// mechanism beyond atomicity-with-retry.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnchanged aborts a transaction without writing; the current value is
// returned to the caller as the final value.
var ErrUnchanged = errors.New("store: transaction left value unchanged")

// ErrConflict reports a compare-and-swap that lost to a concurrent write.
// Transaction retries on it internally; callers normally never see it.
var ErrConflict = errors.New("store: concurrent write conflict")

// ErrClosed reports an operation on a closed client.
var ErrClosed = errors.New("store: client closed")

// TxnFunc maps the current value at a path (nil when absent) to its
// replacement. It must be pure: idempotent and free of side effects, since
// it may run several times before the commit wins.
type TxnFunc func(cur json.RawMessage) (next any, err error)

// Client is one connection's handle on the shared store. Every operation
// may fail transiently; callers treat failures as "no state change" and
// retry or fall back, never as fatal.
type Client interface {
	// Get returns the value at path, or nil when absent.
	Get(ctx context.Context, path string) (json.RawMessage, error)

	// Set overwrites the value at path.
	Set(ctx context.Context, path string, v any) error

	// Update shallow-merges fields into the object at path.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Remove deletes the subtree at path. Removing an absent path is a
	// no-op, not an error.
	Remove(ctx context.Context, path string) error

	// Transaction atomically applies fn to the value at path, retrying on
	// conflicting concurrent writes, and returns the committed value.
	Transaction(ctx context.Context, path string, fn TxnFunc) (json.RawMessage, error)

	// Subscribe fires fn once immediately with the current value (nil when
	// absent) and again on every change within the path's subtree, until
	// the returned func is called. Delivery coalesces to the latest value;
	// a slow handler sees fewer, never out-of-order, values.
	Subscribe(path string, fn func(json.RawMessage)) (func(), error)

	// OnDisconnectRemove registers an intent: the store removes path when
	// this connection drops, however ungracefully. Best-effort timing.
	OnDisconnectRemove(path string) error

	// Close releases the connection, executing disconnect intents.
	Close() error
}
