package outbound

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/agentgate/internal/agentevent"
	"github.com/nugget/agentgate/internal/store"
)

// queuedOp is one pending or in-flight delivery attempt. It stays
// reachable from Queue.byKey for as long as it can still be
// coalesced into by a fresh enqueue of the same key, even while
// popped for delivery or waiting on a retry timer.
type queuedOp struct {
	ref     string
	key     string
	payload agentevent.OutboundPayload

	rateLimitAttempts int
	transientAttempts int
}

// Queue is the per-(channel, peer) actor described in §4.5: a
// priority FIFO (delete < edit < send) drained by a single goroutine
// at most once per throttle interval, with coalescing-by-key and
// classified retry.
type Queue struct {
	channelID string
	accountID string
	peer      agentevent.PeerRef

	adapter Adapter
	store   *store.Store
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	limiter *rate.Limiter

	mu      sync.Mutex
	byKey   map[string]*queuedOp
	deleteQ []*queuedOp
	editQ   []*queuedOp
	sendQ   []*queuedOp
}

func newQueue(channelID, accountID string, peer agentevent.PeerRef, adapter Adapter, st *store.Store, cfg Config) *Queue {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if cfg.ThrottleDisabled {
		limiter = rate.NewLimiter(rate.Inf, 1)
	} else {
		interval := cfg.ThrottleInterval
		if interval <= 0 {
			interval = 400 * time.Millisecond
		}
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}

	q := &Queue{
		channelID: channelID,
		accountID: accountID,
		peer:      peer,
		adapter:   adapter,
		store:     st,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		limiter:   limiter,
		byKey:     make(map[string]*queuedOp),
	}
	go q.run()
	return q
}

// Close stops the delivery loop. Safe to call more than once.
func (q *Queue) Close() {
	q.cancel()
	<-q.done
}

func coalesceKey(p agentevent.OutboundPayload) string {
	if (p.Kind == agentevent.PayloadEdit || p.Kind == agentevent.PayloadDelete) && p.MessageID != "" {
		return "msg:" + p.MessageID
	}
	if p.IdempotencyKey != "" {
		return "idem:" + p.IdempotencyKey
	}
	return "ref:" + newRef()
}

// Enqueue implements the §4.5 enqueue contract: idempotency fast-path
// first, then coalescing by key, then admission into the right
// priority list.
func (q *Queue) Enqueue(payload agentevent.OutboundPayload) (EnqueueResult, error) {
	if payload.IdempotencyKey != "" {
		res, err := q.store.CheckOrClaimOutbox(
			payload.ChannelID, payload.AccountID, payload.Peer.ID, payload.IdempotencyKey,
			"", q.cfg.IdempotencyRetention,
		)
		if err != nil {
			return EnqueueResult{}, err
		}
		if res.AlreadyClaimed {
			return EnqueueResult{Duplicate: true, Ref: res.MessageID}, nil
		}
	}

	key := coalesceKey(payload)

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byKey[key]; ok {
		if payload.Kind == agentevent.PayloadDelete && existing.payload.Kind == agentevent.PayloadEdit {
			q.dropFromQueueLocked(existing)
			op := &queuedOp{ref: newRef(), key: key, payload: payload}
			q.byKey[key] = op
			q.deleteQ = append(q.deleteQ, op)
			q.wakeLocked()
			return EnqueueResult{Ref: op.ref}, nil
		}
		existing.payload = payload // coalesce in place, same queue position
		return EnqueueResult{Ref: existing.ref}, nil
	}

	op := &queuedOp{ref: newRef(), key: key, payload: payload}
	switch payload.Kind {
	case agentevent.PayloadDelete:
		q.deleteQ = append(q.deleteQ, op)
	case agentevent.PayloadEdit:
		q.editQ = append(q.editQ, op)
	default:
		q.sendQ = append(q.sendQ, op)
	}
	q.byKey[key] = op
	q.wakeLocked()
	return EnqueueResult{Ref: op.ref}, nil
}

func (q *Queue) wakeLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) popLocked() *queuedOp {
	if len(q.deleteQ) > 0 {
		op := q.deleteQ[0]
		q.deleteQ = q.deleteQ[1:]
		return op
	}
	if len(q.editQ) > 0 {
		op := q.editQ[0]
		q.editQ = q.editQ[1:]
		return op
	}
	if len(q.sendQ) > 0 {
		op := q.sendQ[0]
		q.sendQ = q.sendQ[1:]
		return op
	}
	return nil
}

func removeOp(list []*queuedOp, target *queuedOp) []*queuedOp {
	for i, op := range list {
		if op == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (q *Queue) dropFromQueueLocked(op *queuedOp) {
	q.deleteQ = removeOp(q.deleteQ, op)
	q.editQ = removeOp(q.editQ, op)
	q.sendQ = removeOp(q.sendQ, op)
}

func (q *Queue) requeueLocked(op *queuedOp) {
	switch op.payload.Kind {
	case agentevent.PayloadDelete:
		q.deleteQ = append(q.deleteQ, op)
	case agentevent.PayloadEdit:
		q.editQ = append(q.editQ, op)
	default:
		q.sendQ = append(q.sendQ, op)
	}
	q.wakeLocked()
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		op := q.waitForNext()
		if op == nil {
			return
		}
		if err := q.limiter.Wait(q.ctx); err != nil {
			return
		}
		q.deliver(op)
	}
}

// coalesceGrace is a short debounce after waking from an empty queue,
// giving rapid-fire enqueues of the same key (e.g. successive streamed
// edits) a window to land before the first pop, rather than racing
// the very first one out immediately.
const coalesceGrace = 15 * time.Millisecond

func (q *Queue) waitForNext() *queuedOp {
	for {
		q.mu.Lock()
		op := q.popLocked()
		q.mu.Unlock()
		if op != nil {
			return op
		}
		select {
		case <-q.wake:
			select {
			case <-time.After(coalesceGrace):
			case <-q.ctx.Done():
				return nil
			}
		case <-q.ctx.Done():
			return nil
		}
	}
}

func (q *Queue) deliver(op *queuedOp) {
	if op.payload.Kind == agentevent.PayloadFile && len(op.payload.Files) > 1 {
		q.deliverFileBatch(op)
		return
	}
	q.deliverSingle(op)
}

func (q *Queue) deliverSingle(op *queuedOp) {
	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.DeliverTimeout)
	messageID, err := q.adapter.Deliver(ctx, op.payload)
	cancel()

	if err == nil {
		q.resolve(op, true, messageID, "")
		return
	}

	kind, retryAfter, detail := classifyDeliverError(err)
	if op.payload.Kind == agentevent.PayloadDelete && kind == agentevent.KindHTTP4xx && alreadyDeleted(detail) {
		q.resolve(op, true, op.payload.MessageID, "")
		return
	}

	switch {
	case kind == agentevent.KindHTTP429:
		op.rateLimitAttempts++
		if op.rateLimitAttempts > q.cfg.MaxRateLimitRetries {
			q.resolve(op, false, "", formatDeliverErr(kind, detail))
			return
		}
		wait := retryAfter
		if wait < time.Second {
			wait = time.Second
		}
		q.scheduleRetry(op, wait)
	case kind.Transient():
		op.transientAttempts++
		if op.transientAttempts > q.cfg.MaxTransientRetries {
			q.resolve(op, false, "", formatDeliverErr(kind, detail))
			return
		}
		backoff := 500 * time.Millisecond * time.Duration(uint(1)<<uint(op.transientAttempts-1))
		q.scheduleRetry(op, backoff)
	default:
		q.resolve(op, false, "", formatDeliverErr(kind, detail))
	}
}

// deliverFileBatch handles a multi-file payload: a BatchAdapter gets
// chunks of up to cfg.MediaBatchSize files per call; any batch
// failure (or a plain Adapter with no batch support) falls back to
// sending every file individually with an inter-send delay.
func (q *Queue) deliverFileBatch(op *queuedOp) {
	files := op.payload.Files

	if batch, ok := q.adapter.(BatchAdapter); ok {
		var lastID string
		batchFailed := false
		for start := 0; start < len(files); start += q.cfg.MediaBatchSize {
			end := start + q.cfg.MediaBatchSize
			if end > len(files) {
				end = len(files)
			}
			chunk := op.payload
			chunk.Files = files[start:end]

			ctx, cancel := context.WithTimeout(q.ctx, q.cfg.DeliverTimeout)
			id, err := batch.DeliverBatch(ctx, chunk)
			cancel()
			if err != nil {
				batchFailed = true
				break
			}
			lastID = id
		}
		if !batchFailed {
			q.resolve(op, true, lastID, "")
			return
		}
	}

	q.deliverFilesIndividually(op)
}

func (q *Queue) deliverFilesIndividually(op *queuedOp) {
	var lastID string
	for i, f := range op.payload.Files {
		single := op.payload
		single.Files = []agentevent.FileAttachment{f}

		ctx, cancel := context.WithTimeout(q.ctx, q.cfg.DeliverTimeout)
		id, err := q.adapter.Deliver(ctx, single)
		cancel()
		if err != nil {
			kind, _, detail := classifyDeliverError(err)
			q.resolve(op, false, "", formatDeliverErr(kind, detail))
			return
		}
		lastID = id

		if i < len(op.payload.Files)-1 && q.cfg.MediaInterSendDelay > 0 {
			select {
			case <-time.After(q.cfg.MediaInterSendDelay):
			case <-q.ctx.Done():
				return
			}
		}
	}
	q.resolve(op, true, lastID, "")
}

func (q *Queue) scheduleRetry(op *queuedOp, wait time.Duration) {
	time.AfterFunc(wait, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.byKey[op.key] != op {
			return // superseded or already resolved
		}
		q.requeueLocked(op)
	})
}

func (q *Queue) resolve(op *queuedOp, ok bool, messageID, errMsg string) {
	q.mu.Lock()
	if q.byKey[op.key] == op {
		delete(q.byKey, op.key)
	}
	q.mu.Unlock()

	payload := op.payload
	if payload.IdempotencyKey != "" {
		if ok {
			if err := q.store.ConfirmOutboxDelivery(payload.ChannelID, payload.AccountID, payload.Peer.ID, payload.IdempotencyKey, messageID); err != nil {
				q.cfg.Logger.Error("confirm outbox delivery", "error", err, "channel", q.channelID, "account", q.accountID, "peer", q.peer.ID, "idempotency_key", payload.IdempotencyKey)
			}
		} else {
			if err := q.store.ReleaseOutboxClaim(payload.ChannelID, payload.AccountID, payload.Peer.ID, payload.IdempotencyKey); err != nil {
				q.cfg.Logger.Error("release outbox claim", "error", err, "channel", q.channelID, "account", q.accountID, "peer", q.peer.ID, "idempotency_key", payload.IdempotencyKey)
			}
		}
	}

	if payload.NotifyPID != "" && q.cfg.Notifier != nil {
		q.cfg.Notifier.NotifyDelivery(payload.NotifyPID, payload.NotifyRef, DeliveryResult{
			OK: ok, MessageID: messageID, Err: errMsg,
		})
	}
}
