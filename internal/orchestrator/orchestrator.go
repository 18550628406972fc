// Package orchestrator implements RunOrchestrator (spec.md §4.7): the
// single admission point for RunRequests. It assigns each admitted
// request a sortable run id, starts a RunProcess against the request's
// resolved engine, tracks at most one active run per session, and
// applies queue-mode semantics (collect/steer/followup/interrupt) when
// a session is already running. It also implements runproc.Resubmitter,
// so a RunProcess's own zero-answer retry policy resubmits through the
// same admission path external callers use.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/agentgate/internal/abortsignal"
	"github.com/nugget/agentgate/internal/agentevent"
	"github.com/nugget/agentgate/internal/engine"
	"github.com/nugget/agentgate/internal/events"
	"github.com/nugget/agentgate/internal/outbound"
	"github.com/nugget/agentgate/internal/runbus"
	"github.com/nugget/agentgate/internal/runfanout"
	"github.com/nugget/agentgate/internal/runproc"
	"github.com/nugget/agentgate/internal/sessionkey"
	"github.com/nugget/agentgate/internal/store"
)

// ChannelsDelivery is the subset of internal/channels.Registry the
// orchestrator needs to deliver a run's final answer to its originating
// channel. Declared locally so this package has no import-path
// dependency on internal/channels.
type ChannelsDelivery interface {
	Enqueue(payload agentevent.OutboundPayload) (outbound.EnqueueResult, error)
}

// zeroAnswerRetryMetaKey is the meta marker runproc.Config's zero-answer
// retry policy sets on the RunRequest it resubmits (runproc.go's
// handlePostCompletionPolicy). Submit recognizes it to bypass the
// session busy-check for that one resubmission: the RunProcess calling
// Resubmitter.Submit is doing so synchronously from inside its own actor
// goroutine, still recorded as this session's active run, so a normal
// busy-check would reject its own retry.
const zeroAnswerRetryMetaKey = "zero_answer_retry_attempt"

// Config constructs an Orchestrator.
type Config struct {
	Store    *store.Store
	Bus      *runbus.Registry
	Fanout   *runfanout.Registry
	Events   *events.Bus
	Abort    *abortsignal.Table
	Notifier runproc.Notifier
	Channels ChannelsDelivery
	Logger   *slog.Logger

	// Engines maps engine_id to the Engine that starts its processes.
	// DefaultEngine names the entry used when a RunRequest leaves
	// EngineID empty.
	Engines       map[string]engine.Engine
	DefaultEngine string

	IdleTimeout    time.Duration
	ConfirmTimeout time.Duration
	CancelGrace    time.Duration
	ReserveTokens  int
	TriggerRatio   float64
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DefaultEngine == "" {
		c.DefaultEngine = "default"
	}
}

// activeRun is what Orchestrator tracks per session while a run is in
// flight.
type activeRun struct {
	runID   string
	process *runproc.RunProcess
	handle  abortsignal.Handle
}

// Orchestrator is RunOrchestrator.
type Orchestrator struct {
	cfg Config

	mu      sync.Mutex
	active  map[sessionkey.Key]*activeRun
	byRunID map[string]string // run_id -> session_key, string-keyed to dodge sessionkey.Key comparability edge cases
}

// New builds an Orchestrator ready to accept Submit calls.
func New(cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:     cfg,
		active:  make(map[sessionkey.Key]*activeRun),
		byRunID: make(map[string]string),
	}
}

// Submit implements both the external submission path and
// runproc.Resubmitter. It assigns a run id, resolves queue-mode
// semantics against any already-active run for the session, and starts
// a RunProcess.
func (o *Orchestrator) Submit(req agentevent.RunRequest) (string, error) {
	o.mu.Lock()
	existing, busy := o.active[req.SessionKey]
	o.mu.Unlock()

	if busy {
		if _, isSelfRetry := req.Meta[zeroAnswerRetryMetaKey]; isSelfRetry {
			return o.admit(req)
		}

		switch effectiveQueueMode(req.QueueMode) {
		case agentevent.QueueSteer:
			if err := existing.process.Steer(context.Background(), req.Prompt); err != nil {
				return "", err
			}
			o.cfg.Events.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceOrchestrator,
				Kind: events.KindRunSteered, Data: map[string]any{"run_id": existing.runID}})
			return existing.runID, nil

		case agentevent.QueueFollowup:
			if err := existing.process.FollowUp(context.Background(), req.Prompt); err != nil {
				return "", err
			}
			return existing.runID, nil

		case agentevent.QueueInterrupt:
			existing.process.Cancel("interrupted")
			return o.admit(req)

		default: // collect
			o.cfg.Events.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceOrchestrator,
				Kind: events.KindRunRejected, Data: map[string]any{"session_key": string(req.SessionKey), "reason": "busy"}})
			return "", agentevent.NewError(agentevent.KindBusy,
				fmt.Sprintf("session %s already running %s", req.SessionKey, existing.runID))
		}
	}

	return o.admit(req)
}

// admit resolves req's engine, starts the RunProcess and records it as
// the session's active run, replacing whatever was there (callers that
// reach here after an interrupt or a self-retry intend exactly that).
func (o *Orchestrator) admit(req agentevent.RunRequest) (string, error) {
	eng, engineID, contextWindow, err := o.resolveEngine(req.EngineID)
	if err != nil {
		return "", err
	}

	runID := o.newRunID()
	job := agentevent.Job{RunRequest: req, RunID: runID, StartedAtMs: time.Now().UnixMilli()}
	job.EngineID = engineID

	var resume *agentevent.ResumeToken
	if engineName, value, ok, err := o.cfg.Store.GetSessionResume(string(req.SessionKey)); err != nil {
		o.cfg.Logger.Error("load session resume", "session_key", req.SessionKey, "error", err)
	} else if ok {
		resume = &agentevent.ResumeToken{Engine: engineName, Value: value}
	}

	process, err := eng.Start(context.Background(), job, resume)
	if err != nil {
		return "", fmt.Errorf("start engine %s: %w", engineID, err)
	}

	handle := o.cfg.Abort.New()

	rp := runproc.New(runproc.Config{
		RunID:       runID,
		SessionKey:  req.SessionKey,
		Job:         job,
		Process:     process,
		ResumeToken: resume,

		Store:       o.cfg.Store,
		Bus:         o.cfg.Bus,
		Abort:       o.cfg.Abort,
		AbortHandle: handle,
		Notifier:    o.cfg.Notifier,
		Resubmitter: o,
		Logger:      o.cfg.Logger,

		IdleTimeout:    o.cfg.IdleTimeout,
		ConfirmTimeout: o.cfg.ConfirmTimeout,
		CancelGrace:    o.cfg.CancelGrace,
		ReserveTokens:  o.cfg.ReserveTokens,
		TriggerRatio:   o.cfg.TriggerRatio,
		ContextWindow:  contextWindow,
	})

	o.mu.Lock()
	o.active[req.SessionKey] = &activeRun{runID: runID, process: rp, handle: handle}
	o.byRunID[runID] = string(req.SessionKey)
	o.mu.Unlock()

	o.cfg.Events.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceOrchestrator,
		Kind: events.KindRunSubmitted, Data: map[string]any{"run_id": runID, "session_key": string(req.SessionKey), "queue_mode": string(req.QueueMode)}})

	go o.watchCompletion(req.SessionKey, runID, handle)
	go o.pumpEvents(req.SessionKey, runID, rp)

	return runID, nil
}

// pumpEvents is the sole reader of rp.Events(): RunProcess's own doc
// comment treats that channel as a lossy observability tap, not a
// delivery guarantee, so something has to own draining it. This fans
// every frame out to runfanout (for /runs/{run_id}/stream subscribers)
// and, for a channel-backed session, turns the run's terminal frame
// into the one outbound message the channel actually sees — matching
// the happy-path scenario where the outbox delivers a single reply,
// not one message per delta.
func (o *Orchestrator) pumpEvents(sessionKey sessionkey.Key, runID string, rp *runproc.RunProcess) {
	defer o.cfg.Fanout.Close(runID)

	parsed := sessionkey.Parse(string(sessionKey))
	deliverable := parsed.Kind == sessionkey.KindChannelPeer && o.cfg.Channels != nil

	for e := range rp.Events() {
		o.cfg.Fanout.Publish(runID, e)

		if !deliverable {
			continue
		}
		var text string
		switch e.Kind {
		case agentevent.NCCompletedOK:
			text = e.Answer
		case agentevent.NCCompletedErr:
			text = "⚠ " + e.ErrMsg
			if text == "⚠ " {
				continue
			}
		default:
			continue
		}
		if text == "" {
			continue
		}
		payload := agentevent.OutboundPayload{
			ChannelID:      parsed.ChannelID,
			AccountID:      parsed.AccountID,
			Peer:           agentevent.PeerRef{Kind: parsed.PeerKind, ID: parsed.PeerID, ThreadID: parsed.ThreadID},
			Kind:           agentevent.PayloadText,
			Text:           text,
			IdempotencyKey: runID + ":" + string(e.Kind),
		}
		if _, err := o.cfg.Channels.Enqueue(payload); err != nil {
			o.cfg.Logger.Error("deliver run result", "run_id", runID, "channel", parsed.ChannelID, "error", err)
		}
	}
}

// watchCompletion removes the session's active-run entry once runID
// publishes run_completed, so a later Submit for the same session is no
// longer considered busy.
func (o *Orchestrator) watchCompletion(sessionKey sessionkey.Key, runID string, handle abortsignal.Handle) {
	ch, cancel := o.cfg.Bus.Subscribe(runID)
	defer cancel()

	for n := range ch {
		if n.Kind == runbus.KindRunCompleted {
			o.mu.Lock()
			if entry, ok := o.active[sessionKey]; ok && entry.runID == runID {
				delete(o.active, sessionKey)
			}
			delete(o.byRunID, runID)
			o.mu.Unlock()
			o.cfg.Abort.Clear(handle)
			return
		}
	}
}

// CancelByRunID asynchronously signals the run named by runID, if it is
// still active. Unknown or already-terminated run ids are a no-op.
func (o *Orchestrator) CancelByRunID(runID, reason string) {
	o.mu.Lock()
	sessionKey, ok := o.byRunID[runID]
	var process *runproc.RunProcess
	if ok {
		if entry, ok2 := o.active[sessionkey.Key(sessionKey)]; ok2 && entry.runID == runID {
			process = entry.process
		}
	}
	o.mu.Unlock()

	if process != nil {
		process.Cancel(reason)
	}
}

// ProcessByRunID returns the live RunProcess behind runID, if still
// active. Used by the WebSocket stream endpoint (to subscribe via
// Fanout is enough there) and by the watchdog confirm callback wired
// from an interactive channel adapter.
func (o *Orchestrator) ProcessByRunID(runID string) (*runproc.RunProcess, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sessionKey, ok := o.byRunID[runID]
	if !ok {
		return nil, false
	}
	entry, ok := o.active[sessionkey.Key(sessionKey)]
	if !ok || entry.runID != runID {
		return nil, false
	}
	return entry.process, true
}

// ConfirmWatchdog resolves a pending keepalive confirmation for runID.
// Unknown or already-terminated run ids are a no-op, matching
// CancelByRunID's tolerance of a stale callback (e.g. a button pressed
// after the run already finished on its own).
func (o *Orchestrator) ConfirmWatchdog(runID string, keep bool) {
	process, ok := o.ProcessByRunID(runID)
	if !ok {
		return
	}
	process.ConfirmWatchdog(keep)
}

// FindActiveBySession returns the active run id for sessionKey, if any.
func (o *Orchestrator) FindActiveBySession(sessionKey sessionkey.Key) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.active[sessionKey]
	if !ok {
		return "", false
	}
	return entry.runID, true
}

func (o *Orchestrator) resolveEngine(engineID string) (engine.Engine, string, int, error) {
	id := engineID
	if id == "" {
		id = o.cfg.DefaultEngine
	}
	eng, ok := o.cfg.Engines[id]
	if !ok {
		return nil, "", 0, agentevent.NewError(agentevent.KindNotFound, "unknown engine_id "+id)
	}
	return eng, id, eng.ContextWindow(id), nil
}

// effectiveQueueMode normalizes an unset or unrecognized QueueMode to
// the default, collect.
func effectiveQueueMode(mode agentevent.QueueMode) agentevent.QueueMode {
	switch mode {
	case agentevent.QueueSteer, agentevent.QueueFollowup, agentevent.QueueInterrupt:
		return mode
	default:
		return agentevent.QueueCollect
	}
}

// newRunID generates a monotonically sortable run id: a UUIDv7 embeds a
// millisecond timestamp in its leading bits, so lexicographic string
// order matches creation order the same way a timestamp+random scheme
// would, without hand-rolling one.
func (o *Orchestrator) newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
