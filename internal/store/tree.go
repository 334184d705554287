package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Tree is the shared state behind both the in-process memory store and the
// signald server: a JSON value tree addressed by slash-joined paths, with
// per-subtree revisions for optimistic concurrency and subscription fanout
// on change.
//
// Revisions: every write at a path bumps a global counter and records it
// against the path and each of its ancestors. The revision of any path is
// the maximum recorded over its prefixes, so a write anywhere inside a
// subtree invalidates a CAS against that subtree's root.
type Tree struct {
	mu      sync.Mutex
	root    map[string]any
	revs    map[string]uint64
	rev     uint64
	subs    map[uint64]*treeSub
	nextSub uint64
}

type treeSub struct {
	path string
	ch   chan json.RawMessage
	quit chan struct{}
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{
		root: make(map[string]any),
		revs: make(map[string]uint64),
		subs: make(map[uint64]*treeSub),
	}
}

func segments(path string) []string {
	parts := strings.Split(path, "/")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// normalize round-trips v through JSON and strips empty branches, so the
// tree only ever holds plain decoded values and absent-vs-empty behaves
// like the remote stores this models (an empty object is no object).
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode value: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, fmt.Errorf("store: decode value: %w", err)
	}
	return prune(decoded), nil
}

func prune(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		if c := prune(child); c == nil {
			delete(m, k)
		} else {
			m[k] = c
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func (t *Tree) getNode(segs []string) any {
	var cur any = t.root
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[s]
		if !ok {
			return nil
		}
	}
	return cur
}

func (t *Tree) setNode(segs []string, v any) {
	if len(segs) == 0 {
		if m, ok := v.(map[string]any); ok {
			t.root = m
		} else {
			t.root = make(map[string]any)
		}
		return
	}
	cur := t.root
	for _, s := range segs[:len(segs)-1] {
		next, ok := cur[s].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[s] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
}

func (t *Tree) removeNode(segs []string) {
	if len(segs) == 0 {
		t.root = make(map[string]any)
		return
	}
	parents := make([]map[string]any, 0, len(segs))
	cur := t.root
	for _, s := range segs[:len(segs)-1] {
		parents = append(parents, cur)
		next, ok := cur[s].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
	// prune now-empty branches so absence is observable
	for i := len(segs) - 2; i >= 0; i-- {
		if len(cur) != 0 {
			break
		}
		cur = parents[i]
		delete(cur, segs[i])
	}
}

func (t *Tree) bump(segs []string) {
	t.rev++
	t.revs[""] = t.rev
	for i := range segs {
		t.revs[strings.Join(segs[:i+1], "/")] = t.rev
	}
}

func (t *Tree) revOf(segs []string) uint64 {
	max := t.revs[""]
	for i := range segs {
		if r := t.revs[strings.Join(segs[:i+1], "/")]; r > max {
			max = r
		}
	}
	return max
}

func marshalNode(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// Get returns the value at path (nil when absent) and its revision.
func (t *Tree) Get(path string) (json.RawMessage, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	segs := segments(path)
	return marshalNode(t.getNode(segs)), t.revOf(segs)
}

// Set overwrites path with v. A nil (or empty-object) value removes it.
func (t *Tree) Set(path string, v any) error {
	norm, err := normalize(v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	segs := segments(path)
	if norm == nil {
		t.removeNode(segs)
	} else {
		t.setNode(segs, norm)
	}
	t.bump(segs)
	t.notifyLocked(segs)
	t.mu.Unlock()
	return nil
}

// Update shallow-merges fields into the object at path, creating it if
// absent. Merging a nil field removes that child.
func (t *Tree) Update(path string, fields map[string]any) error {
	norm := make(map[string]any, len(fields))
	for k, v := range fields {
		nv, err := normalize(v)
		if err != nil {
			return err
		}
		norm[k] = nv
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	segs := segments(path)
	obj, _ := t.getNode(segs).(map[string]any)
	if obj == nil {
		obj = make(map[string]any)
	}
	for k, v := range norm {
		if v == nil {
			delete(obj, k)
		} else {
			obj[k] = v
		}
	}
	if len(obj) == 0 {
		t.removeNode(segs)
	} else {
		t.setNode(segs, obj)
	}
	t.bump(segs)
	t.notifyLocked(segs)
	return nil
}

// Remove deletes the subtree at path. Absent paths are a no-op.
func (t *Tree) Remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	segs := segments(path)
	if t.getNode(segs) == nil {
		return
	}
	t.removeNode(segs)
	t.bump(segs)
	t.notifyLocked(segs)
}

// CAS writes v at path only if the subtree revision still equals expect.
func (t *Tree) CAS(path string, expect uint64, v any) (uint64, error) {
	norm, err := normalize(v)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	segs := segments(path)
	if t.revOf(segs) != expect {
		return 0, ErrConflict
	}
	if norm == nil {
		t.removeNode(segs)
	} else {
		t.setNode(segs, norm)
	}
	t.bump(segs)
	t.notifyLocked(segs)
	return t.rev, nil
}

// Txn applies fn to the value at path under the tree lock. fn must not
// call back into the tree.
func (t *Tree) Txn(path string, fn TxnFunc) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	segs := segments(path)
	cur := marshalNode(t.getNode(segs))
	next, err := fn(cur)
	if err == ErrUnchanged {
		return cur, nil
	}
	if err != nil {
		return nil, err
	}
	norm, err := normalize(next)
	if err != nil {
		return nil, err
	}
	if norm == nil {
		t.removeNode(segs)
	} else {
		t.setNode(segs, norm)
	}
	t.bump(segs)
	t.notifyLocked(segs)
	return marshalNode(norm), nil
}

// Subscribe registers fn for the subtree at path. fn runs on its own
// goroutine; bursts of changes coalesce to the latest value. The returned
// func cancels the subscription.
func (t *Tree) Subscribe(path string, fn func(json.RawMessage)) func() {
	sub := &treeSub{
		path: strings.Join(segments(path), "/"),
		ch:   make(chan json.RawMessage, 1),
		quit: make(chan struct{}),
	}

	t.mu.Lock()
	t.nextSub++
	id := t.nextSub
	t.subs[id] = sub
	initial := marshalNode(t.getNode(segments(path)))
	t.mu.Unlock()

	go func() {
		fn(initial)
		for {
			select {
			case <-sub.quit:
				return
			case v := <-sub.ch:
				fn(v)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(sub.quit)
		})
	}
}

// notifyLocked fans a change at segs out to every subscription whose path
// contains, or is contained by, the changed path. Caller holds t.mu.
func (t *Tree) notifyLocked(segs []string) {
	changed := strings.Join(segs, "/")
	for _, sub := range t.subs {
		if !pathsRelated(sub.path, changed) {
			continue
		}
		val := marshalNode(t.getNode(segments(sub.path)))
		// drop-oldest: a slow subscriber sees only the latest value
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

func pathsRelated(a, b string) bool {
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
