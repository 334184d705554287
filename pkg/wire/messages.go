// Package wire defines the JSON protocol between store clients and a
// signald instance. One request, one response, correlated by id; pushes
// carry subscription updates and arrive unsolicited.
package wire

import "encoding/json"

// Op names a store operation.
type Op string

const (
	OpGet          Op = "get"
	OpSet          Op = "set"
	OpUpdate       Op = "update"
	OpRemove       Op = "remove"
	OpCAS          Op = "cas"
	OpSubscribe    Op = "sub"
	OpUnsubscribe  Op = "unsub"
	OpOnDisconnect Op = "ondisc"
)

// Request is a client -> server frame.
type Request struct {
	ID    uint64          `json:"id"`
	Op    Op              `json:"op"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	// Fields carries the partial object for OpUpdate.
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
	// Rev is the expected revision for OpCAS.
	Rev uint64 `json:"rev,omitempty"`
	// Sub is the client-chosen subscription id for OpSubscribe and
	// names the subscription for OpUnsubscribe. Client-chosen so the
	// client can register its handler before the first push arrives.
	Sub uint64 `json:"sub,omitempty"`
}

// Message type discriminators.
const (
	TypeResponse = "resp"
	TypePush     = "push"
)

// Message is a server -> client frame: either the response to a request
// (Type "resp", ID set) or a subscription push (Type "push", Sub set).
// Value is the JSON literal null when the path is absent.
type Message struct {
	Type     string          `json:"type"`
	ID       uint64          `json:"id,omitempty"`
	OK       bool            `json:"ok,omitempty"`
	Error    string          `json:"error,omitempty"`
	Conflict bool            `json:"conflict,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Rev      uint64          `json:"rev,omitempty"`
	Sub      uint64          `json:"sub,omitempty"`
	Path     string          `json:"path,omitempty"`
}
