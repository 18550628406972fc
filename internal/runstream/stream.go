// Package runstream implements EventStream: a bounded, owner-linked,
// single-producer/multi-consumer queue carrying agentevent.AgentEvent
// items followed by exactly one terminal event. The stream is a
// single-owner actor — push/complete are ordered by arrival at its
// command loop — grounded on the bounded buffered-channel decoupling
// pattern used for ACP notification dispatch and on the ctx+cancel+
// done-channel actor shape used for supervised subprocess owners.
package runstream

import (
	"context"
	"time"

	"github.com/nugget/agentgate/internal/agentevent"
)

// DropStrategy controls overflow behavior when the queue is full.
type DropStrategy string

const (
	DropError   DropStrategy = "error"
	DropOldest  DropStrategy = "drop_oldest"
	DropNewest  DropStrategy = "drop_newest"
)

// Config configures a Stream.
type Config struct {
	MaxQueue     int
	DropStrategy DropStrategy
	Owner        string
	TimeoutMs    int // 0 disables the overall timeout
}

// Stats reports queue occupancy and drop counters.
type Stats struct {
	QueueSize int
	MaxQueue  int
	Dropped   int
}

// pushResultKind mirrors the push contract's {ok} | {error, overflow|canceled}.
type pushResultKind int

const (
	pushOK pushResultKind = iota
	pushErrOverflow
	pushErrCanceled
)

// PushError is returned by Push/PushAsync on overflow or after completion.
type PushError struct {
	Overflow bool
	Canceled bool
}

func (e *PushError) Error() string {
	switch {
	case e.Canceled:
		return "event stream canceled"
	case e.Overflow:
		return "event stream overflow"
	default:
		return "event stream push error"
	}
}

type commandKind int

const (
	cmdPush commandKind = iota
	cmdComplete
	cmdSubscribe
	cmdStats
	cmdResult
)

type command struct {
	kind    commandKind
	event   agentevent.AgentEvent
	final   []agentevent.Message
	replyP  chan pushResultKind
	subCh   chan subscription
	statsCh chan Stats
	resCh   chan resultReply
}

type subscription struct {
	ch chan agentevent.AgentEvent
}

type resultReply struct {
	final    []agentevent.Message
	err      error
	timedOut bool
	canceled bool
}

// IsTerminal reports whether k ends an event stream's sequence.
// Subscribers use this to know when to stop iterating.
func IsTerminal(k agentevent.AgentEventKind) bool {
	switch k {
	case agentevent.EventCompleted, agentevent.EventError, agentevent.EventCanceled:
		return true
	default:
		return false
	}
}

// Stream is a single-owner actor managing one run's event backlog.
type Stream struct {
	cfg    Config
	cmdCh  chan command
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates and starts a Stream actor. Owner death is modeled by
// canceling the supplied context, which transitions the stream to
// canceled and unblocks every subscriber.
func New(ctx context.Context, cfg Config) *Stream {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 256
	}
	if cfg.DropStrategy == "" {
		cfg.DropStrategy = DropError
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		cfg:    cfg,
		cmdCh:  make(chan command),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(runCtx)
	return s
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)

	var queue []agentevent.AgentEvent
	var subs []chan agentevent.AgentEvent
	dropped := 0
	completed := false
	canceled := false
	var final []agentevent.Message
	var waiters []chan resultReply

	var timeoutCh <-chan time.Time
	if s.cfg.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(s.cfg.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	broadcast := func(e agentevent.AgentEvent) {
		for _, ch := range subs {
			select {
			case ch <- e:
			default:
				// Subscriber buffer full — it will miss this event.
				// Observable via that subscriber falling behind; the
				// authoritative drop counter only tracks queue overflow.
			}
		}
	}

	finishWaiters := func(reply resultReply) {
		for _, w := range waiters {
			w <- reply
		}
		waiters = nil
	}

	closeAllSubs := func() {
		for _, ch := range subs {
			close(ch)
		}
		subs = nil
	}

	for {
		select {
		case <-ctx.Done():
			if !completed && !canceled {
				canceled = true
				finishWaiters(resultReply{canceled: true, err: &PushError{Canceled: true}})
			}
			closeAllSubs()
			return

		case <-timeoutCh:
			if !completed && !canceled {
				canceled = true
				finishWaiters(resultReply{timedOut: true, err: &PushError{Canceled: true}})
			}
			closeAllSubs()
			return

		case cmd := <-s.cmdCh:
			switch cmd.kind {
			case cmdPush:
				if completed || canceled {
					cmd.replyP <- pushErrCanceled
					continue
				}
				if len(queue) >= s.cfg.MaxQueue {
					switch s.cfg.DropStrategy {
					case DropOldest:
						queue = queue[1:]
						queue = append(queue, cmd.event)
						dropped++
						broadcast(cmd.event)
						cmd.replyP <- pushOK
					case DropNewest:
						dropped++
						cmd.replyP <- pushOK
					default: // DropError
						cmd.replyP <- pushErrOverflow
					}
					continue
				}
				queue = append(queue, cmd.event)
				broadcast(cmd.event)
				cmd.replyP <- pushOK

			case cmdComplete:
				completed = true
				final = cmd.final
				finishWaiters(resultReply{final: final})
				closeAllSubs()

			case cmdSubscribe:
				ch := make(chan agentevent.AgentEvent, s.cfg.MaxQueue)
				for _, e := range queue {
					ch <- e
				}
				if completed {
					close(ch)
				} else {
					subs = append(subs, ch)
				}
				cmd.subCh <- subscription{ch: ch}

			case cmdStats:
				cmd.statsCh <- Stats{QueueSize: len(queue), MaxQueue: s.cfg.MaxQueue, Dropped: dropped}

			case cmdResult:
				if completed {
					cmd.resCh <- resultReply{final: final}
				} else if canceled {
					cmd.resCh <- resultReply{canceled: true, err: &PushError{Canceled: true}}
				} else {
					waiters = append(waiters, cmd.resCh)
				}
			}
		}
	}
}

// Push synchronously enqueues event, applying the configured
// DropStrategy on overflow. Returns nil on success.
func (s *Stream) Push(event agentevent.AgentEvent) error {
	reply := make(chan pushResultKind, 1)
	select {
	case s.cmdCh <- command{kind: cmdPush, event: event, replyP: reply}:
	case <-s.done:
		return &PushError{Canceled: true}
	}
	select {
	case r := <-reply:
		switch r {
		case pushErrOverflow:
			return &PushError{Overflow: true}
		case pushErrCanceled:
			return &PushError{Canceled: true}
		default:
			return nil
		}
	case <-s.done:
		return &PushError{Canceled: true}
	}
}

// PushAsync is fire-and-forget; it applies the same overflow policy
// but does not wait for the result to be observed by the caller.
func (s *Stream) PushAsync(event agentevent.AgentEvent) {
	go func() { _ = s.Push(event) }()
}

// Complete signals normal end with the run's final messages. Any
// subsequent Push returns a canceled error.
func (s *Stream) Complete(final []agentevent.Message) {
	select {
	case s.cmdCh <- command{kind: cmdComplete, final: final}:
	case <-s.done:
	}
}

// Subscribe returns a channel yielding every event (past and future)
// until the terminal event, after which the channel is closed.
// Multiple subscribers are independent and each receives every event.
func (s *Stream) Subscribe() <-chan agentevent.AgentEvent {
	reply := make(chan subscription, 1)
	select {
	case s.cmdCh <- command{kind: cmdSubscribe, subCh: reply}:
	case <-s.done:
		ch := make(chan agentevent.AgentEvent)
		close(ch)
		return ch
	}
	sub := <-reply
	return sub.ch
}

// Result blocks until the terminal event or timeout, whichever comes
// first, and returns the final messages or a canceled/timeout error.
func (s *Stream) Result(timeout time.Duration) ([]agentevent.Message, error) {
	reply := make(chan resultReply, 1)
	select {
	case s.cmdCh <- command{kind: cmdResult, resCh: reply}:
	case <-s.done:
		return nil, &PushError{Canceled: true}
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-reply:
		return r.final, r.err
	case <-timeoutCh:
		return nil, &PushError{Overflow: false, Canceled: true}
	case <-s.done:
		return nil, &PushError{Canceled: true}
	}
}

// Stats reports the current queue occupancy and drop counters.
func (s *Stream) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case s.cmdCh <- command{kind: cmdStats, statsCh: reply}:
	case <-s.done:
		return Stats{MaxQueue: s.cfg.MaxQueue}
	}
	select {
	case st := <-reply:
		return st
	case <-s.done:
		return Stats{MaxQueue: s.cfg.MaxQueue}
	}
}

// Cancel ends the stream immediately, as if the owner died. Any
// blocked Result calls return a canceled error and every subscriber
// channel is closed.
func (s *Stream) Cancel() {
	s.cancel()
}
