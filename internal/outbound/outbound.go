// Package outbound implements the per-(channel,peer) delivery queue
// that sits between RunProcess/ChannelsDelivery and a channel
// adapter: priority-ordered coalescing, idempotency against
// internal/store's outbox table, and classified retry with backoff.
// Grounded on the teacher's per-sender rate-limit window (an actor
// per conversation target) and the progressive-edit throttle pattern
// used by its Telegram streaming client.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/agentgate/internal/agentevent"
	"github.com/nugget/agentgate/internal/store"
)

// Adapter delivers one OutboundPayload to a channel's wire API and
// returns the provider message id on success. A non-nil error should
// be a *DeliverError so the queue can classify it; an adapter that
// returns a plain error is treated as a generic transient failure.
type Adapter interface {
	Deliver(ctx context.Context, payload agentevent.OutboundPayload) (messageID string, err error)
}

// BatchAdapter is implemented by adapters that can deliver several
// files as one media-group request. Adapters without this capability
// always receive one Deliver call per file.
type BatchAdapter interface {
	Adapter
	DeliverBatch(ctx context.Context, payload agentevent.OutboundPayload) (messageID string, err error)
}

// DeliverError is the structured error an Adapter returns to classify
// a failed delivery attempt into the queue's retry policy.
type DeliverError struct {
	Kind       agentevent.ErrorKind
	Detail     string
	RetryAfter time.Duration // meaningful only when Kind == KindHTTP429
}

func (e *DeliverError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func classifyDeliverError(err error) (agentevent.ErrorKind, time.Duration, string) {
	var de *DeliverError
	if errors.As(err, &de) {
		return de.Kind, de.RetryAfter, de.Detail
	}
	// An adapter that didn't classify is assumed transient: idempotency
	// keys make a spurious retry safe, and dropping on an
	// unrecognized error is the worse failure mode.
	return agentevent.KindHTTP5xx, 0, err.Error()
}

// alreadyDeletedPhrase is the literal provider wording that marks a
// delete of an already-gone message as a success rather than a 4xx.
const alreadyDeletedPhrase = "message to delete not found"

func alreadyDeleted(detail string) bool {
	return strings.Contains(strings.ToLower(detail), alreadyDeletedPhrase)
}

func formatDeliverErr(kind agentevent.ErrorKind, detail string) string {
	if detail == "" {
		return string(kind)
	}
	return string(kind) + ": " + detail
}

// DeliveryResult is what a Notifier receives when an enqueued payload
// reaches a terminal state (delivered or exhausted its retries).
type DeliveryResult struct {
	OK        bool
	MessageID string
	Err       string
}

// Notifier receives terminal delivery results for payloads enqueued
// with a non-empty NotifyPID, addressed by the payload's
// NotifyPID/NotifyRef pair.
type Notifier interface {
	NotifyDelivery(pid, ref string, result DeliveryResult)
}

// EnqueueResult is returned by Manager.Enqueue / Queue.Enqueue.
type EnqueueResult struct {
	Ref       string // this call's queue ref, or the prior delivery's ref if Duplicate
	Duplicate bool
}

// Config holds the defaults and collaborators for every queue a
// Manager creates. The zero value is valid; missing fields are
// defaulted by applyDefaults.
type Config struct {
	ThrottleInterval time.Duration // default 400ms; drains at most one op per interval
	ThrottleDisabled bool          // true disables throttling entirely, per §4.5

	DeliverTimeout       time.Duration // default 20s, per-attempt adapter call budget
	IdempotencyRetention time.Duration // default 24h, outbox dedupe claim TTL

	MaxRateLimitRetries int           // default 5
	MaxTransientRetries int           // default 3

	MediaBatchSize      int           // default 10
	MediaInterSendDelay time.Duration // default 1000ms

	Notifier Notifier
	Logger   *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 20 * time.Second
	}
	if c.IdempotencyRetention <= 0 {
		c.IdempotencyRetention = 24 * time.Hour
	}
	if c.MaxRateLimitRetries <= 0 {
		c.MaxRateLimitRetries = 5
	}
	if c.MaxTransientRetries <= 0 {
		c.MaxTransientRetries = 3
	}
	if c.MediaBatchSize <= 0 {
		c.MediaBatchSize = 10
	}
	if c.MediaInterSendDelay <= 0 {
		c.MediaInterSendDelay = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns one Queue per (channel, account, peer) and routes
// enqueued payloads to the right one, creating it on first use.
// Corresponds to the per-instance half of ChannelsDelivery's job: the
// façade resolves an adapter and hands the payload here.
type Manager struct {
	mu       sync.Mutex
	queues   map[string]*Queue
	adapters map[string]Adapter
	store    *store.Store
	cfg      Config
}

// NewManager builds a Manager. adapters maps channel id (e.g.
// "telegram", "sms") to the Adapter that serves it.
func NewManager(adapters map[string]Adapter, st *store.Store, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		queues:   make(map[string]*Queue),
		adapters: adapters,
		store:    st,
		cfg:      cfg,
	}
}

func peerQueueKey(payload agentevent.OutboundPayload) string {
	return payload.ChannelID + "|" + payload.AccountID + "|" + payload.Peer.ID + "|" + payload.Peer.ThreadID
}

func (m *Manager) queueFor(payload agentevent.OutboundPayload) (*Queue, bool) {
	adapter, ok := m.adapters[payload.ChannelID]
	if !ok {
		return nil, false
	}
	key := peerQueueKey(payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		q = newQueue(payload.ChannelID, payload.AccountID, payload.Peer, adapter, m.store, m.cfg)
		m.queues[key] = q
	}
	return q, true
}

// Enqueue routes payload to its (channel, peer) queue, creating the
// queue on first use. Returns KindUnknownChannel if no adapter is
// registered for payload.ChannelID.
func (m *Manager) Enqueue(payload agentevent.OutboundPayload) (EnqueueResult, error) {
	q, ok := m.queueFor(payload)
	if !ok {
		return EnqueueResult{}, agentevent.NewError(agentevent.KindUnknownChannel, payload.ChannelID)
	}
	return q.Enqueue(payload)
}

// Close cancels every queue's context, stopping its delivery loop and
// any in-flight adapter call; queued-but-undispatched ops are dropped.
func (m *Manager) Close() {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
}

func newRef() string { return uuid.NewString() }
