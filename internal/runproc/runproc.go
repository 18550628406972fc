// Package runproc implements RunProcess: the actor owning one agent
// run end to end. It consumes the engine's AgentEvent stream,
// translates it into the smaller NormalizedCliEvent surface, runs the
// idle watchdog, detects context overflow and near-limit conditions,
// drives the zero-answer retry policy, and publishes run_started /
// run_completed on the per-run bus. Grounded on the ctx+cancel+done
// actor shape shared with internal/runstream, generalized here with a
// private command channel for steer/follow_up/cancel/get_state.
package runproc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/agentgate/internal/abortsignal"
	"github.com/nugget/agentgate/internal/agentevent"
	"github.com/nugget/agentgate/internal/engine"
	"github.com/nugget/agentgate/internal/runbus"
	"github.com/nugget/agentgate/internal/sessionkey"
	"github.com/nugget/agentgate/internal/store"
)

// State is one of RunProcess's state machine states.
type State string

const (
	StateInit           State = "init"
	StateAwaitingStart  State = "awaiting_start"
	StateRunning        State = "running"
	StateCompleting     State = "completing"
	StateTerminated     State = "terminated"
)

// Notifier delivers a watchdog keepalive prompt to the run's session
// on an interactive channel. A nil Notifier (or one returning an
// error) causes the watchdog to treat the run as unanswered.
type Notifier interface {
	PromptKeepWaiting(ctx context.Context, sessionKey sessionkey.Key, runID string) error
}

// Resubmitter submits a new RunRequest on behalf of RunProcess (used
// by the zero-answer retry policy). Implemented by RunOrchestrator;
// declared here to avoid an import cycle.
type Resubmitter interface {
	Submit(req agentevent.RunRequest) (runID string, err error)
}

// watchdogResult values name how a watchdog confirmation resolved.
type watchdogResult int

const (
	watchdogKeepWaiting watchdogResult = iota
	watchdogStop
)

// Config constructs a RunProcess.
type Config struct {
	RunID       string
	SessionKey  sessionkey.Key
	Job         agentevent.Job
	Process     engine.Process
	ResumeToken *agentevent.ResumeToken // the token this run was started with, carried on `started` until overwritten

	Store       *store.Store
	Bus         *runbus.Registry
	Abort       *abortsignal.Table
	AbortHandle abortsignal.Handle
	Notifier    Notifier
	Resubmitter Resubmitter
	Logger      *slog.Logger

	IdleTimeout    time.Duration // default 2h
	ConfirmTimeout time.Duration // default 5min
	CancelGrace    time.Duration // default 1s
	ReserveTokens  int           // default 16384
	TriggerRatio   float64       // default 0.9
	ContextWindow  int           // resolved context window for job's engine, default 400000
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Hour
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = time.Second
	}
	if c.ReserveTokens <= 0 {
		c.ReserveTokens = 16384
	}
	if c.TriggerRatio <= 0 {
		c.TriggerRatio = 0.9
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = 400000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type commandKind int

const (
	cmdCancel commandKind = iota
	cmdSteer
	cmdFollowUp
	cmdGetState
	cmdWatchdogConfirm
	cmdCancelGraceExpired
)

type command struct {
	kind    commandKind
	text    string
	reason  string
	result  watchdogResult
	replyE  chan error
	replyS  chan State
}

// RunProcess drives one run from admission to termination.
type RunProcess struct {
	cfg Config

	cmdCh  chan command
	events chan agentevent.NormalizedCliEvent
	done   chan struct{}

	mu    sync.Mutex
	state State
}

// New constructs and starts a RunProcess. The caller must arrange for
// cfg.Process to already be started (engine.Engine.Start called).
func New(cfg Config) *RunProcess {
	cfg.applyDefaults()
	p := &RunProcess{
		cfg:    cfg,
		cmdCh:  make(chan command),
		events: make(chan agentevent.NormalizedCliEvent, 256),
		done:   make(chan struct{}),
		state:  StateInit,
	}
	go p.run()
	return p
}

// Events yields this run's normalized event stream. The channel is
// closed once the run terminates. Sends are non-blocking: a slow
// reader misses events rather than stalling the run — the
// authoritative record is run_completed on the run bus plus whatever
// OutboundQueue or controlplane/storage layer persisted.
func (p *RunProcess) Events() <-chan agentevent.NormalizedCliEvent { return p.events }

// GetState returns the run's current state.
func (p *RunProcess) GetState() State {
	reply := make(chan State, 1)
	select {
	case p.cmdCh <- command{kind: cmdGetState, replyS: reply}:
	case <-p.done:
		return p.snapshotState()
	}
	select {
	case s := <-reply:
		return s
	case <-p.done:
		return p.snapshotState()
	}
}

func (p *RunProcess) snapshotState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *RunProcess) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Cancel requests cooperative termination.
func (p *RunProcess) Cancel(reason string) {
	select {
	case p.cmdCh <- command{kind: cmdCancel, reason: reason}:
	case <-p.done:
	}
}

// Steer forwards a mid-run steering directive to the engine.
func (p *RunProcess) Steer(ctx context.Context, text string) error {
	reply := make(chan error, 1)
	select {
	case p.cmdCh <- command{kind: cmdSteer, text: text, replyE: reply}:
	case <-p.done:
		return agentevent.NewError(agentevent.KindConflict, "run already terminated")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-p.done:
		return agentevent.NewError(agentevent.KindConflict, "run already terminated")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FollowUp enqueues a post-completion directive.
func (p *RunProcess) FollowUp(ctx context.Context, text string) error {
	reply := make(chan error, 1)
	select {
	case p.cmdCh <- command{kind: cmdFollowUp, text: text, replyE: reply}:
	case <-p.done:
		return agentevent.NewError(agentevent.KindConflict, "run already terminated")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-p.done:
		return agentevent.NewError(agentevent.KindConflict, "run already terminated")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConfirmWatchdog resolves a pending keepalive confirmation. keep=true
// is "Keep Waiting"; keep=false is "Stop Run".
func (p *RunProcess) ConfirmWatchdog(keep bool) {
	result := watchdogStop
	if keep {
		result = watchdogKeepWaiting
	}
	select {
	case p.cmdCh <- command{kind: cmdWatchdogConfirm, result: result}:
	case <-p.done:
	}
}

func (p *RunProcess) emit(e agentevent.NormalizedCliEvent) {
	select {
	case p.events <- e:
	default:
	}
}

// pendingAction tracks an in-flight tool_execution_* sequence.
type pendingAction struct {
	kind  agentevent.ActionKind
	title string
}

// run is the RunProcess actor loop.
func (p *RunProcess) run() {
	defer close(p.done)
	defer close(p.events)

	p.setState(StateAwaitingStart)
	p.cfg.Bus.Publish(p.cfg.RunID, runbus.Notification{
		Kind:       runbus.KindRunStarted,
		SessionKey: p.cfg.SessionKey,
		Job:        p.cfg.Job,
	})

	pending := make(map[string]*pendingAction)
	var deltaSeq int
	var accumulated strings.Builder
	var lastAssistantText string
	resumeTok := p.cfg.ResumeToken
	startedEmitted := false
	agentEndSeen := false

	var idleTimer *time.Timer
	var confirmTimer *time.Timer
	confirmPending := false

	resetIdleTimer := func() {
		if idleTimer != nil {
			idleTimer.Stop()
		}
		idleTimer = time.NewTimer(p.cfg.IdleTimeout)
	}

	touchWatchdog := func() {
		confirmPending = false
		if confirmTimer != nil {
			confirmTimer.Stop()
			confirmTimer = nil
		}
		resetIdleTimer()
	}

	idleTimerC := func() <-chan time.Time {
		if idleTimer == nil {
			return nil
		}
		return idleTimer.C
	}
	confirmTimerC := func() <-chan time.Time {
		if confirmTimer == nil {
			return nil
		}
		return confirmTimer.C
	}

	finish := func(finalEvt agentevent.NormalizedCliEvent, ok bool, answer, errMsg string, usage *agentevent.Usage) {
		p.setState(StateCompleting)
		p.emit(finalEvt)

		if idleTimer != nil {
			idleTimer.Stop()
		}
		if confirmTimer != nil {
			confirmTimer.Stop()
		}

		if !ok {
			if p.handlePostCompletionPolicy(errMsg, answer) {
				resumeTok = nil // overflow resets the session; never re-persist the stale token
			}
		} else {
			p.handleNearLimitPolicy(usage)
		}

		if resumeTok != nil {
			if err := p.cfg.Store.PutSessionResume(string(p.cfg.SessionKey), resumeTok.Engine, resumeTok.Value); err != nil {
				p.cfg.Logger.Error("persist session resume", "run_id", p.cfg.RunID, "error", err)
			}
		}

		var durationMs int64
		if p.cfg.Job.StartedAtMs > 0 {
			durationMs = nowMs() - p.cfg.Job.StartedAtMs
		}
		p.cfg.Bus.Publish(p.cfg.RunID, runbus.Notification{
			Kind:       runbus.KindRunCompleted,
			OK:         ok,
			Answer:     answer,
			Err:        errMsg,
			Resume:     resumeTok,
			Usage:      usage,
			DurationMs: durationMs,
		})
		p.cfg.Bus.Close(p.cfg.RunID)
		p.setState(StateTerminated)
	}

	resetIdleTimer() // armed now; an expiry before agent_start only re-arms it, see below

	for {
		select {
		case e, ok := <-p.cfg.Process.Events():
			if !ok {
				if agentEndSeen {
					// agent_end is a valid terminal signal on its own —
					// some engines never follow it with a separate
					// completed event. Closing the stream after
					// agent_end is success, not a crash.
					finish(agentevent.NormalizedCliEvent{Kind: agentevent.NCCompletedOK, Answer: lastAssistantText, Resume2: resumeTok}, true, lastAssistantText, "", nil)
					return
				}
				// Engine closed its stream without any terminal event —
				// treat as an internal crash per §7.
				finish(agentevent.NormalizedCliEvent{Kind: agentevent.NCCompletedErr, ErrMsg: "process_crashed:stream_closed", PartialAnswer: accumulated.String()},
					false, "", "process_crashed:stream_closed", nil)
				return
			}

			touchWatchdog()

			switch e.Kind {
			case agentevent.EventAgentStart:
				startedEmitted = true
				p.setState(StateRunning)
				p.emit(agentevent.NormalizedCliEvent{Kind: agentevent.NCStarted, Resume: resumeTok})

			case agentevent.EventToolExecutionStart:
				pending[e.ToolCallID] = &pendingAction{kind: classify(e.ToolName), title: preview(e.ToolName, e.ToolArgs)}
				p.emit(agentevent.NormalizedCliEvent{
					Kind:       agentevent.NCAction,
					ActionID:   "tool_" + e.ToolCallID,
					ActionKind: classify(e.ToolName),
					Title:      preview(e.ToolName, e.ToolArgs),
					Phase:      agentevent.PhaseStarted,
				})

			case agentevent.EventToolExecutionUpdate:
				act := pending[e.ToolCallID]
				kind := agentevent.ActionTool
				title := e.ToolName
				if act != nil {
					kind = act.kind
					title = act.title
				}
				p.emit(agentevent.NormalizedCliEvent{
					Kind:       agentevent.NCAction,
					ActionID:   "tool_" + e.ToolCallID,
					ActionKind: kind,
					Title:      title,
					Phase:      agentevent.PhaseUpdated,
					Detail:     map[string]any{"partial": e.Partial},
				})

			case agentevent.EventToolExecutionEnd:
				act, tracked := pending[e.ToolCallID]
				kind := classify(e.ToolName)
				title := preview(e.ToolName, e.ToolArgs)
				if tracked {
					kind = act.kind
					title = act.title
					delete(pending, e.ToolCallID)
				}
				okFlag := !e.IsError
				full := flattenToolResult(e.Result)
				p.emit(agentevent.NormalizedCliEvent{
					Kind:       agentevent.NCAction,
					ActionID:   "tool_" + e.ToolCallID,
					ActionKind: kind,
					Title:      title,
					Phase:      agentevent.PhaseCompleted,
					OK:         &okFlag,
					Detail:     map[string]any{"result": truncateDisplay(full), "result_full": full},
				})

			case agentevent.EventMessageUpdate:
				if e.Delta != "" {
					deltaSeq++
					accumulated.WriteString(e.Delta)
					p.emit(agentevent.NormalizedCliEvent{
						Kind: agentevent.NCDelta,
						Seq:  deltaSeq,
						Text: e.Delta,
						TsMs: nowMs(),
					})
				}

			case agentevent.EventAgentEnd:
				// Some engines stop here and never emit a separate
				// completed/error/canceled event; others (like
				// ChatEngine) always follow agent_end with completed,
				// carrying authoritative usage/resume. Stash the
				// derived answer and remember we've seen agent_end so
				// that a stream close with no further event completes
				// the run instead of being synthesized as a crash; a
				// completed event arriving afterward still wins, since
				// its fields (usage, resume, answer) are authoritative.
				agentEndSeen = true
				lastAssistantText = extractLastAssistantText(e.NewMessages)
				if lastAssistantText == "" {
					lastAssistantText = accumulated.String()
				}

			case agentevent.EventCompleted:
				if e.OK {
					answer := e.Answer
					if answer == "" {
						answer = lastAssistantText
					}
					if answer == "" {
						answer = accumulated.String()
					}
					resumeTok = e.Resume
					finish(agentevent.NormalizedCliEvent{Kind: agentevent.NCCompletedOK, Answer: answer, Usage: e.Usage, Resume2: resumeTok}, true, answer, "", e.Usage)
				} else {
					finish(agentevent.NormalizedCliEvent{Kind: agentevent.NCCompletedErr, ErrMsg: formatErrorReason(e.Err), PartialAnswer: accumulated.String()}, false, "", e.Err, nil)
				}
				return

			case agentevent.EventError:
				finish(agentevent.NormalizedCliEvent{Kind: agentevent.NCCompletedErr, ErrMsg: formatErrorReason(e.Reason), PartialAnswer: accumulated.String()}, false, "", e.Reason, nil)
				return

			case agentevent.EventCanceled:
				msg := formatCanceledReason(e.CancelReason)
				finish(agentevent.NormalizedCliEvent{Kind: agentevent.NCCompletedErr, ErrMsg: msg, PartialAnswer: accumulated.String()}, false, "", msg, nil)
				return
			}

		case cmd := <-p.cmdCh:
			switch cmd.kind {
			case cmdGetState:
				cmd.replyS <- p.snapshotState()

			case cmdCancel:
				p.cfg.Abort.Abort(p.cfg.AbortHandle)
				p.cfg.Process.Cancel(cmd.reason)
				go p.enforceCancelGrace(cmd.reason)

			case cmdSteer:
				cmd.replyE <- p.cfg.Process.Steer(context.Background(), cmd.text)

			case cmdFollowUp:
				cmd.replyE <- p.cfg.Process.FollowUp(context.Background(), cmd.text)

			case cmdWatchdogConfirm:
				if !confirmPending {
					continue
				}
				if cmd.result == watchdogKeepWaiting {
					touchWatchdog()
				} else {
					p.cfg.Abort.Abort(p.cfg.AbortHandle)
					p.cfg.Process.Cancel("run_idle_watchdog_timeout")
					msg := "run_idle_watchdog_timeout"
					finish(agentevent.NormalizedCliEvent{Kind: agentevent.NCCompletedErr, ErrMsg: msg, PartialAnswer: accumulated.String()}, false, "", msg, nil)
					return
				}

			case cmdCancelGraceExpired:
				msg := formatCanceledReason(cmd.reason)
				finish(agentevent.NormalizedCliEvent{Kind: agentevent.NCCompletedErr, ErrMsg: msg, PartialAnswer: accumulated.String()}, false, "", msg, nil)
				return
			}

		case <-idleTimerC():
			if !startedEmitted {
				resetIdleTimer()
				continue
			}
			confirmPending = true
			if p.cfg.Notifier != nil {
				if err := p.cfg.Notifier.PromptKeepWaiting(context.Background(), p.cfg.SessionKey, p.cfg.RunID); err != nil {
					confirmPending = false
					p.cfg.Abort.Abort(p.cfg.AbortHandle)
					p.cfg.Process.Cancel("run_idle_watchdog_timeout")
					msg := "run_idle_watchdog_timeout"
					finish(agentevent.NormalizedCliEvent{Kind: agentevent.NCCompletedErr, ErrMsg: msg, PartialAnswer: accumulated.String()}, false, "", msg, nil)
					return
				}
				confirmTimer = time.NewTimer(p.cfg.ConfirmTimeout)
			} else {
				confirmPending = false
				p.cfg.Abort.Abort(p.cfg.AbortHandle)
				p.cfg.Process.Cancel("run_idle_watchdog_timeout")
				msg := "run_idle_watchdog_timeout"
				finish(agentevent.NormalizedCliEvent{Kind: agentevent.NCCompletedErr, ErrMsg: msg, PartialAnswer: accumulated.String()}, false, "", msg, nil)
				return
			}

		case <-confirmTimerC():
			confirmPending = false
			p.cfg.Abort.Abort(p.cfg.AbortHandle)
			p.cfg.Process.Cancel("run_idle_watchdog_timeout")
			msg := "run_idle_watchdog_timeout"
			finish(agentevent.NormalizedCliEvent{Kind: agentevent.NCCompletedErr, ErrMsg: msg, PartialAnswer: accumulated.String()}, false, "", msg, nil)
			return
		}
	}
}

// enforceCancelGrace synthesizes a canceled completion if the engine
// does not terminate within CancelGrace after a Cancel request.
func (p *RunProcess) enforceCancelGrace(reason string) {
	select {
	case <-p.done:
	case <-time.After(p.cfg.CancelGrace):
		select {
		case p.cmdCh <- command{kind: cmdCancelGraceExpired, reason: reason}:
		case <-p.done:
		}
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

func extractLastAssistantText(messages []agentevent.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return messages[i].Text
		}
	}
	return ""
}

// handlePostCompletionPolicy applies context-overflow detection and
// zero-answer retry on a failed completion. It reports whether the
// completion was classified as a context overflow, so the caller can
// avoid re-persisting the run's now-stale resume token.
func (p *RunProcess) handlePostCompletionPolicy(errMsg, answer string) bool {
	lower := strings.ToLower(errMsg)
	for _, sub := range agentevent.OverflowSubstrings() {
		if strings.Contains(lower, sub) {
			if err := p.cfg.Store.ClearSessionResume(string(p.cfg.SessionKey)); err != nil {
				p.cfg.Logger.Error("clear session resume on overflow", "run_id", p.cfg.RunID, "error", err)
			}
			if err := p.cfg.Store.MarkPendingCompaction(string(p.cfg.SessionKey), "overflow"); err != nil {
				p.cfg.Logger.Error("mark pending compaction", "run_id", p.cfg.RunID, "reason", "overflow", "error", err)
			}
			return true
		}
	}

	if strings.TrimSpace(answer) != "" || !isZeroAnswerRetryable(errMsg) {
		return false
	}
	attempt := 0
	if v, ok := p.cfg.Job.Meta["zero_answer_retry_attempt"]; ok {
		fmt.Sscanf(v, "%d", &attempt)
	}
	if attempt >= 1 || p.cfg.Resubmitter == nil {
		return false
	}

	meta := make(map[string]string, len(p.cfg.Job.Meta)+1)
	for k, v := range p.cfg.Job.Meta {
		meta[k] = v
	}
	meta["zero_answer_retry_attempt"] = "1"

	retryReq := p.cfg.Job.RunRequest
	retryReq.Meta = meta
	retryReq.Prompt = fmt.Sprintf("[retry of run %s after: %s]\n%s", p.cfg.RunID, sanitizeErrorLabel(errMsg), p.cfg.Job.Prompt)
	if _, err := p.cfg.Resubmitter.Submit(retryReq); err != nil {
		p.cfg.Logger.Error("zero-answer retry resubmit", "run_id", p.cfg.RunID, "error", err)
	}
	return false
}

// isZeroAnswerRetryable reports whether a failed, empty-answer
// completion is eligible for the one-shot zero-answer retry.
func isZeroAnswerRetryable(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	if !strings.HasPrefix(lower, "assistant_error") {
		return false
	}
	excluded := []string{"user_requested", "interrupted", "new_session", "timeout"}
	for _, sub := range excluded {
		if strings.Contains(lower, sub) {
			return false
		}
	}
	for _, sub := range agentevent.OverflowSubstrings() {
		if strings.Contains(lower, sub) {
			return false
		}
	}
	return true
}

func sanitizeErrorLabel(errMsg string) string {
	label := truncateRunes(errMsg, 120)
	return strings.ReplaceAll(label, "\n", " ")
}

// handleNearLimitPolicy applies the near-context-limit compaction
// trigger on a successful completion.
func (p *RunProcess) handleNearLimitPolicy(usage *agentevent.Usage) {
	if usage == nil {
		return
	}
	effective := usage.InputTokens + usage.CacheCreationInputTokens + usage.CacheReadInputTokens
	threshold := p.cfg.ContextWindow - p.cfg.ReserveTokens
	ratioThreshold := int(float64(p.cfg.ContextWindow) * p.cfg.TriggerRatio)
	if ratioThreshold < threshold {
		threshold = ratioThreshold
	}
	if effective >= threshold {
		if err := p.cfg.Store.MarkPendingCompaction(string(p.cfg.SessionKey), "near_limit"); err != nil {
			p.cfg.Logger.Error("mark pending compaction", "run_id", p.cfg.RunID, "reason", "near_limit", "error", err)
		}
	}
}
