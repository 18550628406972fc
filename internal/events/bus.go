// Package events provides a publish/subscribe event bus for operational
// observability across the gateway. Events flow from components
// (InboundRouter, RunOrchestrator, RunProcess, OutboundQueue) to
// subscribers (the /events WebSocket handler, future metrics collector).
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
//
// This is distinct from internal/runbus, which is a narrower per-run
// pub-sub keyed by run id (the spec's `run:<run_id>` topic).
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceInbound identifies events from channel adapters and InboundRouter.
	SourceInbound = "inbound"
	// SourceOrchestrator identifies events from RunOrchestrator.
	SourceOrchestrator = "orchestrator"
	// SourceRunProc identifies events from a RunProcess.
	SourceRunProc = "runproc"
	// SourceOutbound identifies events from an OutboundQueue.
	SourceOutbound = "outbound"
)

// Kind constants describe the type of event within a source.
const (
	// KindMessageReceived signals a normalized inbound message.
	// Data: channel_id, peer_id, message_id.
	KindMessageReceived = "message_received"
	// KindMessageDuplicate signals an inbound message was deduped.
	// Data: channel_id, peer_id, message_id.
	KindMessageDuplicate = "message_duplicate"

	// KindRunSubmitted signals RunOrchestrator admitted a RunRequest.
	// Data: run_id, session_key, queue_mode.
	KindRunSubmitted = "run_submitted"
	// KindRunRejected signals RunOrchestrator rejected a RunRequest.
	// Data: session_key, reason.
	KindRunRejected = "run_rejected"
	// KindRunSteered signals a mid-run steering message was forwarded.
	// Data: run_id.
	KindRunSteered = "run_steered"

	// KindStateTransition signals a RunProcess state machine transition.
	// Data: run_id, from, to.
	KindStateTransition = "state_transition"
	// KindWatchdogFired signals the idle watchdog fired for a run.
	// Data: run_id.
	KindWatchdogFired = "watchdog_fired"
	// KindCompactionMarked signals a pending_compaction record was written.
	// Data: session_key, reason.
	KindCompactionMarked = "compaction_marked"
	// KindZeroAnswerRetry signals a zero-answer auto-retry was submitted.
	// Data: failed_run_id, retry_run_id.
	KindZeroAnswerRetry = "zero_answer_retry"

	// KindDeliveryAttempt signals OutboundQueue invoking an adapter.
	// Data: channel_id, peer_id, kind, attempt.
	KindDeliveryAttempt = "delivery_attempt"
	// KindDeliveryResult signals the terminal result of a delivery.
	// Data: channel_id, peer_id, ok, error?.
	KindDeliveryResult = "delivery_result"
	// KindDeliveryDropped signals an op dropped by coalescing or dedupe.
	// Data: channel_id, peer_id, key.
	KindDeliveryDropped = "delivery_dropped"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
