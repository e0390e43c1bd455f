// Package keylock provides mutual exclusion keyed by string identity.
// The orchestrator uses one table keyed by (owner, conversation) to
// guarantee at most one in-flight turn per conversation while letting
// unrelated conversations proceed concurrently.
//
// Waiters for the same key are served in arrival order. The table is a
// process-scoped registry injected as a dependency; a key's bookkeeping
// entry is removed as soon as its queue drains, so the table does not
// grow with conversation churn.
package keylock

import (
	"context"
	"sync"
)

// Table is a set of independent FIFO locks, one per key.
// The zero value is not usable; call NewTable.
type Table struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

// keyState tracks one key's lock: whether it is held and who waits.
type keyState struct {
	held    bool
	waiters []chan struct{}
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{keys: make(map[string]*keyState)}
}

// Acquire blocks until the key's lock is held by the caller or ctx is
// done. On success it returns a release function, which must be called
// exactly once. Waiters acquire in FIFO arrival order.
func (t *Table) Acquire(ctx context.Context, key string) (func(), error) {
	t.mu.Lock()
	st, ok := t.keys[key]
	if !ok {
		st = &keyState{}
		t.keys[key] = st
	}

	if !st.held {
		st.held = true
		t.mu.Unlock()
		return func() { t.release(key) }, nil
	}

	wait := make(chan struct{})
	st.waiters = append(st.waiters, wait)
	t.mu.Unlock()

	select {
	case <-wait:
		// Ownership was handed to us by release.
		return func() { t.release(key) }, nil
	case <-ctx.Done():
		t.abandon(key, wait)
		return nil, ctx.Err()
	}
}

// With runs fn while holding the key's lock. The lock is released even
// if fn panics, so a crashed turn does not wedge its conversation.
func (t *Table) With(ctx context.Context, key string, fn func() error) error {
	release, err := t.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// release hands the lock to the oldest waiter, or removes the key's
// entry when nobody is waiting.
func (t *Table) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.keys[key]
	if !ok {
		return
	}

	if len(st.waiters) == 0 {
		delete(t.keys, key)
		return
	}

	next := st.waiters[0]
	st.waiters = st.waiters[1:]
	close(next) // ownership transfers; held stays true
}

// abandon removes a cancelled waiter. If release closed our channel in
// the window between ctx.Done and taking the table lock, the lock is
// ours after all and must be passed on.
func (t *Table) abandon(key string, wait chan struct{}) {
	t.mu.Lock()
	st, ok := t.keys[key]
	if ok {
		for i, w := range st.waiters {
			if w == wait {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				t.mu.Unlock()
				return
			}
		}
	}
	t.mu.Unlock()

	// Not in the waiter list: ownership was already transferred.
	select {
	case <-wait:
		t.release(key)
	default:
	}
}

// Len returns the number of keys with live bookkeeping entries.
// Used by tests to verify the no-leak property.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.keys)
}
