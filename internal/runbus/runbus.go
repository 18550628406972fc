// Package runbus provides a per-run publish/subscribe topic, distinct
// from internal/events' operational telemetry bus: each run gets its
// own "run:<run_id>" topic carrying exactly a run_started notification
// followed by exactly one run_completed notification, after which the
// topic is torn down. Grounded on the non-blocking nil-safe dispatch
// shape in internal/events/bus.go, re-scoped from a single shared bus
// to a registry of short-lived per-run topics.
package runbus

import (
	"sync"

	"github.com/nugget/agentgate/internal/agentevent"
	"github.com/nugget/agentgate/internal/sessionkey"
)

// NotificationKind tags the Notification union published on a run topic.
type NotificationKind string

const (
	KindRunStarted   NotificationKind = "run_started"
	KindRunCompleted NotificationKind = "run_completed"
)

// Notification is the payload delivered to a run topic's subscribers.
type Notification struct {
	Kind NotificationKind

	// run_started
	SessionKey sessionkey.Key
	Job        agentevent.Job

	// run_completed
	OK         bool
	Answer     string
	Err        string
	Resume     *agentevent.ResumeToken
	Usage      *agentevent.Usage
	DurationMs int64
}

const subscriberBuffer = 16

// topic is one run's notification channel set.
type topic struct {
	mu   sync.Mutex
	subs map[int]chan Notification
	next int
}

// Registry creates and tears down per-run topics on demand. The zero
// value is ready to use.
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
		t = &topic{subs: make(map[int]chan Notification)}
		r.topics[runID] = t
	}
	return t
}

// Subscribe returns a channel receiving every Notification published
// for runID from this point forward, and a cancel func that must be
// called once the caller is done reading (e.g. after run_completed).
// Subscribing to a nil Registry returns a closed channel and a no-op
// cancel, so components under test that never wire a Registry still
// compile and run.
func (r *Registry) Subscribe(runID string) (<-chan Notification, func()) {
	if r == nil {
		ch := make(chan Notification)
		close(ch)
		return ch, func() {}
	}
	t := r.topicFor(runID)

	t.mu.Lock()
	id := t.next
	t.next++
	ch := make(chan Notification, subscriberBuffer)
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

// Publish delivers n to every current subscriber of runID. Publish on
// a nil Registry, or to a topic with no subscribers, is a safe no-op.
// Publishing never blocks: a subscriber too slow to keep up misses the
// notification rather than stall the publisher.
func (r *Registry) Publish(runID string, n Notification) {
	if r == nil {
		return
	}
	t := r.topicFor(runID)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Close tears down runID's topic, closing every remaining subscriber
// channel. Callers publish run_completed before calling Close so
// subscribers observe the terminal notification before their channel
// closes.
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
