// Package runfanout lets callers observe a running RunProcess's
// NormalizedCliEvent stream without owning the RunProcess, the same
// relationship internal/runbus has to run_started/run_completed but
// carrying every normalized frame instead of just the two lifecycle
// notifications. Grounded on runbus.Registry's registry-of-short-lived-
// per-run-topics shape, reused here for a different payload.
package runfanout

import (
	"sync"

	"github.com/nugget/agentgate/internal/agentevent"
)

const subscriberBuffer = 64

type topic struct {
	mu   sync.Mutex
	subs map[int]chan agentevent.NormalizedCliEvent
	next int
}

// Registry creates and tears down per-run fanout topics on demand. The
// zero value is ready to use.
type Registry struct {
	mu     sync.Mutex
	topics map[string]*topic
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{topics: make(map[string]*topic)}
}

func (r *Registry) topicFor(runID string) *topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topics == nil {
		r.topics = make(map[string]*topic)
	}
	t, ok := r.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]chan agentevent.NormalizedCliEvent)}
		r.topics[runID] = t
	}
	return t
}

// Subscribe returns a channel receiving every NormalizedCliEvent
// published for runID from this point forward, and a cancel func the
// caller must call once done reading. Subscribing to a nil Registry
// returns a closed channel and a no-op cancel.
func (r *Registry) Subscribe(runID string) (<-chan agentevent.NormalizedCliEvent, func()) {
	if r == nil {
		ch := make(chan agentevent.NormalizedCliEvent)
		close(ch)
		return ch, func() {}
	}
	t := r.topicFor(runID)

	t.mu.Lock()
	id := t.next
	t.next++
	ch := make(chan agentevent.NormalizedCliEvent, subscriberBuffer)
	t.subs[id] = ch
	t.mu.Unlock()

	return ch, func() {
		t.mu.Lock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
		t.mu.Unlock()
	}
}

// Publish delivers e to every current subscriber of runID. A subscriber
// too slow to keep up misses the event rather than stall the publisher,
// same non-blocking-drop rule as RunProcess.Events() itself.
func (r *Registry) Publish(runID string, e agentevent.NormalizedCliEvent) {
	if r == nil {
		return
	}
	t := r.topicFor(runID)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close tears down runID's topic, closing every remaining subscriber
// channel. Called once the run's Events() channel itself closes.
func (r *Registry) Close(runID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	t, ok := r.topics[runID]
	delete(r.topics, runID)
	r.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	t.mu.Unlock()
}
