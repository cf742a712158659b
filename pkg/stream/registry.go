package stream

import (
	"sort"
	"sync"
)

// registry is one handler collection keyed by registration identity.
// Dispatch walks a snapshot, so adds and removes during a dispatch take
// effect on the next dispatch, never mid-flight.
type registry[H any] struct {
	mu   sync.Mutex
	next uint64
	set  map[uint64]H
}

func newRegistry[H any]() *registry[H] {
	return &registry[H]{set: make(map[uint64]H)}
}

// add registers a handler and returns its disposer. The disposer is safe
// to call multiple times and safe to call during dispatch.
func (r *registry[H]) add(h H) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.set[id] = h
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.set, id)
		r.mu.Unlock()
	}
}

// snapshot returns the registered handlers in registration order.
func (r *registry[H]) snapshot() []H {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.set) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(r.set))
	for id := range r.set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]H, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.set[id])
	}
	return out
}

func (r *registry[H]) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.set)
}

func (r *registry[H]) clear() {
	r.mu.Lock()
	r.set = make(map[uint64]H)
	r.mu.Unlock()
}
