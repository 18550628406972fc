// Package abortsignal implements process-wide cooperative cancellation
// tokens keyed by an opaque handle. Forced cancellation is unsafe when
// external side effects (a running shell command, an in-flight tool
// call) may be in progress; abort signals let consumers poll at a safe
// point and clean up instead.
package abortsignal

import (
	"sync"

	"github.com/google/uuid"
)

// Handle is an opaque cancellation token.
type Handle string

// Table is a concurrency-safe set of abort handles. The zero value is
// ready to use.
type Table struct {
	mu      sync.Mutex
	aborted map[Handle]struct{}
}

// NewTable creates an empty abort signal table.
func NewTable() *Table {
	return &Table{aborted: make(map[Handle]struct{})}
}

// New allocates and returns a fresh, unaborted handle.
func (t *Table) New() Handle {
	return Handle(uuid.NewString())
}

// Abort marks handle as aborted. Idempotent.
func (t *Table) Abort(handle Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.aborted == nil {
		t.aborted = make(map[Handle]struct{})
	}
	t.aborted[handle] = struct{}{}
}

// Aborted reports whether handle has been aborted.
func (t *Table) Aborted(handle Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.aborted[handle]
	return ok
}

// Clear removes handle's abort state (if any), forgetting it entirely.
// Intended for releasing resources once a run has terminated.
func (t *Table) Clear(handle Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.aborted, handle)
}
