package completion

import (
	"fmt"
	"sync"
)

// Registry maps (session, item key) to completion handles. It is safe for
// concurrent use by submitters and the hook subscriber that resolves handles.
//
// Resolved handles stay registered until the session is released: the session
// never accepts a key twice, so a resubmission of an accepted key can only be
// answered from the registry.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]map[string]*Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]map[string]*Handle)}
}

// Register returns the handle for (session, key), creating it when absent.
// Resubmitting a key returns the existing handle, resolved or not, so every
// submitter of a key observes the same outcome. A rejected or terminated
// handle is replaced since the item was never processed. The boolean reports
// whether a new handle was created.
func (r *Registry) Register(session, key string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := r.sessions[session]
	if handles == nil {
		handles = make(map[string]*Handle)
		r.sessions[session] = handles
	}
	if h, ok := handles[key]; ok {
		if o, resolved := h.Outcome(); !resolved || !o.retryable() {
			return h, false
		}
	}
	h := newHandle(session, key)
	handles[key] = h
	return h, true
}

// Lookup returns the registered handle for (session, key).
func (r *Registry) Lookup(session, key string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[session][key]
	return h, ok
}

// Resolve completes the handle for (session, key) with o. Unknown keys are
// ignored: items may be delivered without a registered waiter. The first
// outcome wins; redelivery of an event is a no-op. Two flush outcomes from
// different generations for the same key break the exactly-once guarantee and
// panic.
func (r *Registry) Resolve(session, key string, o Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(session, key, o)
}

// ResolveAll resolves every key with the same outcome and returns how many
// handles transitioned.
func (r *Registry) ResolveAll(session string, keys []string, o Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range keys {
		if r.resolveLocked(session, k, o) {
			n++
		}
	}
	return n
}

func (r *Registry) resolveLocked(session, key string, o Outcome) bool {
	h, ok := r.sessions[session][key]
	if !ok {
		return false
	}
	if h.resolve(o) {
		return true
	}
	prev := h.outcome
	if prev.retryable() && !o.retryable() {
		// The item was resubmitted and processed without a new
		// registration; keep the newer outcome for later resubmissions.
		nh := newHandle(session, key)
		nh.resolve(o)
		r.sessions[session][key] = nh
		return true
	}
	if prev.batchOutcome() && o.batchOutcome() && prev.Generation != o.Generation {
		panic(fmt.Sprintf("completion: item %q of session %q resolved by generations %d and %d",
			key, session, prev.Generation, o.Generation))
	}
	return false
}

// Release forgets the resolved handles of a terminated session and returns
// how many were dropped. Handles already held by submitters keep their
// outcome. Pending handles stay registered: the session answered every item
// it received before terminating, so they belong to items delivered to the
// next session started under the same ID.
func (r *Registry) Release(session string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := r.sessions[session]
	n := 0
	for k, h := range handles {
		if _, resolved := h.Outcome(); resolved {
			delete(handles, k)
			n++
		}
	}
	if len(handles) == 0 {
		delete(r.sessions, session)
	}
	return n
}

// Pending returns the number of unresolved handles of session.
func (r *Registry) Pending(session string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.sessions[session] {
		if _, resolved := h.Outcome(); !resolved {
			n++
		}
	}
	return n
}

// Len returns the number of registered handles across sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, handles := range r.sessions {
		n += len(handles)
	}
	return n
}
