// Package reclock serializes mutations per clinical record. Every writer to
// a record's snapshot or lifecycle fields takes the record's lock before its
// read-modify-write cycle, so concurrent point additions are never lost and
// a lifecycle transition cannot interleave with an in-flight point mutation.
// Ledger commits use a (record, unit) key instead, since independent units
// commit independently.
package reclock

import "sync"

// Registry hands out one mutex per key, created lazily. Locks for distinct
// keys never contend.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

// Acquire blocks until the key's lock is held and returns the release
// function. Callers must release even when their request context is
// cancelled; holding the lock only around the in-memory transform and the
// persistence write keeps hold times short.
func (r *Registry) Acquire(key string) func() {
	r.mu.Lock()
	e, ok := r.locks[key]
	if !ok {
		e = &entry{}
		r.locks[key] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			r.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(r.locks, key)
			}
			r.mu.Unlock()
		})
	}
}

// Len reports the number of keys currently held or waited on.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
