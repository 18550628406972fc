package runproc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nugget/agentgate/internal/abortsignal"
	"github.com/nugget/agentgate/internal/agentevent"
	"github.com/nugget/agentgate/internal/runbus"
	"github.com/nugget/agentgate/internal/sessionkey"
	"github.com/nugget/agentgate/internal/store"
)

// fakeProcess is a scripted engine.Process: the test feeds it events
// over a channel and records Steer/FollowUp/Cancel calls.
type fakeProcess struct {
	events chan agentevent.AgentEvent

	steers    []string
	followUps []string
	canceled  bool
	cancelMsg string
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{events: make(chan agentevent.AgentEvent, 32)}
}

func (f *fakeProcess) Events() <-chan agentevent.AgentEvent { return f.events }

func (f *fakeProcess) Steer(ctx context.Context, text string) error {
	f.steers = append(f.steers, text)
	return nil
}

func (f *fakeProcess) FollowUp(ctx context.Context, text string) error {
	f.followUps = append(f.followUps, text)
	return nil
}

func (f *fakeProcess) Cancel(reason string) {
	f.canceled = true
	f.cancelMsg = reason
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/runproc-test.sqlite3")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig(t *testing.T, proc *fakeProcess) Config {
	abort := abortsignal.NewTable()
	return Config{
		RunID:       "run-1",
		SessionKey:  sessionkey.MakeAgentMain("main"),
		Job:         agentevent.Job{RunID: "run-1"},
		Process:     proc,
		Store:       testStore(t),
		Bus:         runbus.New(),
		Abort:       abort,
		AbortHandle: abort.New(),
		CancelGrace: 20 * time.Millisecond,
	}
}

func drainNormalized(t *testing.T, ch <-chan agentevent.NormalizedCliEvent, timeout time.Duration) []agentevent.NormalizedCliEvent {
	t.Helper()
	var out []agentevent.NormalizedCliEvent
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			t.Fatal("timed out draining normalized events")
		}
	}
}

func TestRunProcessHappyPath(t *testing.T) {
	proc := newFakeProcess()
	cfg := testConfig(t, proc)
	sub, unsubscribe := cfg.Bus.Subscribe(cfg.RunID)
	defer unsubscribe()

	rp := New(cfg)

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentStart}
	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventMessageUpdate, Delta: "Hel"}
	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventMessageUpdate, Delta: "lo"}
	proc.events <- agentevent.AgentEvent{
		Kind: agentevent.EventCompleted,
		OK:   true,
		Answer: "Hello",
	}
	close(proc.events)

	events := drainNormalized(t, rp.Events(), time.Second)
	if len(events) < 4 {
		t.Fatalf("expected started + 2 deltas + completed_ok, got %d: %+v", len(events), events)
	}
	if events[0].Kind != agentevent.NCStarted {
		t.Errorf("first event = %+v, want started", events[0])
	}
	last := events[len(events)-1]
	if last.Kind != agentevent.NCCompletedOK || last.Answer != "Hello" {
		t.Fatalf("last event = %+v, want completed_ok{Hello}", last)
	}

	select {
	case n := <-sub:
		if n.Kind != runbus.KindRunStarted {
			t.Errorf("first bus notification = %+v, want run_started", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for run_started")
	}
	select {
	case n := <-sub:
		if n.Kind != runbus.KindRunCompleted || !n.OK {
			t.Errorf("second bus notification = %+v, want run_completed{ok:true}", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for run_completed")
	}

	if rp.GetState() != StateTerminated {
		t.Errorf("GetState() = %v, want terminated", rp.GetState())
	}
}

// TestRunProcessAgentEndThenCompletedUsesCompletedFields mirrors
// ChatEngine's actual emission order: agent_end carries message
// history with no per-message usage, immediately followed by a
// completed event carrying the authoritative answer/usage/resume.
// agent_end alone must not terminate the run early and discard them.
func TestRunProcessAgentEndThenCompletedUsesCompletedFields(t *testing.T) {
	proc := newFakeProcess()
	cfg := testConfig(t, proc)
	rp := New(cfg)

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentStart}
	proc.events <- agentevent.AgentEvent{
		Kind:        agentevent.EventAgentEnd,
		NewMessages: []agentevent.Message{{Role: "assistant", Text: "final answer"}},
	}
	proc.events <- agentevent.AgentEvent{
		Kind:   agentevent.EventCompleted,
		OK:     true,
		Answer: "final answer",
		Usage:  &agentevent.Usage{InputTokens: 42},
		Resume: &agentevent.ResumeToken{Engine: "chat", Value: "[]"},
	}
	close(proc.events)

	events := drainNormalized(t, rp.Events(), time.Second)
	last := events[len(events)-1]
	if last.Kind != agentevent.NCCompletedOK || last.Answer != "final answer" {
		t.Fatalf("last event = %+v, want completed_ok{final answer}", last)
	}
	if last.Usage == nil || last.Usage.InputTokens != 42 {
		t.Errorf("usage = %+v, want InputTokens=42 carried from the completed event", last.Usage)
	}

	if engine, resume, ok, err := cfg.Store.GetSessionResume(string(cfg.SessionKey)); err != nil || !ok || engine != "chat" || resume != "[]" {
		t.Errorf("session resume = %q %q %v %v, want chat/[]/true/nil", engine, resume, ok, err)
	}
}

// TestRunProcessAgentEndAloneCompletesRun mirrors an engine that emits
// its literal agent_start, message_update, agent_end script with no
// separate completed event (S1's script taken at face value): the
// stream then closes, and agent_end alone must terminate the run with
// completed_ok rather than the channel-closed crash path.
func TestRunProcessAgentEndAloneCompletesRun(t *testing.T) {
	proc := newFakeProcess()
	cfg := testConfig(t, proc)
	rp := New(cfg)

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentStart}
	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentEnd, NewMessages: nil}
	close(proc.events)

	events := drainNormalized(t, rp.Events(), time.Second)
	last := events[len(events)-1]
	if last.Kind != agentevent.NCCompletedOK || last.Answer != "" {
		t.Fatalf("last event = %+v, want completed_ok{answer: \"\"}", last)
	}
}

func TestRunProcessToolActionTranslation(t *testing.T) {
	proc := newFakeProcess()
	cfg := testConfig(t, proc)
	rp := New(cfg)

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentStart}
	proc.events <- agentevent.AgentEvent{
		Kind:       agentevent.EventToolExecutionStart,
		ToolCallID: "tc-1",
		ToolName:   "Bash",
		ToolArgs:   map[string]any{"command": "ls"},
	}
	proc.events <- agentevent.AgentEvent{
		Kind:       agentevent.EventToolExecutionEnd,
		ToolCallID: "tc-1",
		ToolName:   "Bash",
		Result:     []agentevent.ToolResultBlock{{Kind: "text", Text: "file1\nfile2"}},
	}
	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventCompleted, OK: true, Answer: "done"}
	close(proc.events)

	events := drainNormalized(t, rp.Events(), time.Second)

	var sawStart, sawEnd bool
	for _, e := range events {
		if e.Kind != agentevent.NCAction {
			continue
		}
		if e.ActionKind != agentevent.ActionCommand {
			t.Errorf("action kind = %q, want command", e.ActionKind)
		}
		switch e.Phase {
		case agentevent.PhaseStarted:
			sawStart = true
			if e.Title != "$ ls" {
				t.Errorf("started title = %q", e.Title)
			}
		case agentevent.PhaseCompleted:
			sawEnd = true
			if e.OK == nil || !*e.OK {
				t.Errorf("completed action ok = %v, want true", e.OK)
			}
		}
	}
	if !sawStart || !sawEnd {
		t.Fatalf("expected action started and completed events, got %+v", events)
	}
}

// TestRunProcessToolResultDetailPreservesUntruncatedText asserts that
// an oversized tool result's completed action carries both the
// truncated display string and the untruncated text, so a reader of
// the normalized stream never loses data the display merely elides.
func TestRunProcessToolResultDetailPreservesUntruncatedText(t *testing.T) {
	proc := newFakeProcess()
	cfg := testConfig(t, proc)
	rp := New(cfg)

	full := strings.Repeat("x", 600)
	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentStart}
	proc.events <- agentevent.AgentEvent{
		Kind:       agentevent.EventToolExecutionStart,
		ToolCallID: "tc-1",
		ToolName:   "Bash",
		ToolArgs:   map[string]any{"command": "cat big.txt"},
	}
	proc.events <- agentevent.AgentEvent{
		Kind:       agentevent.EventToolExecutionEnd,
		ToolCallID: "tc-1",
		ToolName:   "Bash",
		Result:     []agentevent.ToolResultBlock{{Kind: "text", Text: full}},
	}
	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventCompleted, OK: true, Answer: "done"}
	close(proc.events)

	events := drainNormalized(t, rp.Events(), time.Second)
	var detail map[string]any
	for _, e := range events {
		if e.Kind == agentevent.NCAction && e.Phase == agentevent.PhaseCompleted {
			detail = e.Detail
		}
	}
	if detail == nil {
		t.Fatal("no completed tool action event found")
	}
	resultFull, _ := detail["result_full"].(string)
	if resultFull != full {
		t.Errorf("result_full len = %d, want %d (untruncated)", len(resultFull), len(full))
	}
	result, _ := detail["result"].(string)
	if len(result) >= len(full) {
		t.Errorf("result should be truncated, got length %d", len(result))
	}
}

func TestRunProcessErrorCompletion(t *testing.T) {
	proc := newFakeProcess()
	cfg := testConfig(t, proc)
	rp := New(cfg)

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentStart}
	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventMessageUpdate, Delta: "partial..."}
	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventError, Reason: "assistant_error: upstream 500"}
	close(proc.events)

	events := drainNormalized(t, rp.Events(), time.Second)
	last := events[len(events)-1]
	if last.Kind != agentevent.NCCompletedErr {
		t.Fatalf("last event = %+v, want completed_error", last)
	}
	if last.PartialAnswer != "partial..." {
		t.Errorf("partial answer = %q, want %q", last.PartialAnswer, "partial...")
	}
}

func TestRunProcessCanceledCompletion(t *testing.T) {
	proc := newFakeProcess()
	cfg := testConfig(t, proc)
	rp := New(cfg)

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentStart}
	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventCanceled, CancelReason: "interrupted"}
	close(proc.events)

	events := drainNormalized(t, rp.Events(), time.Second)
	last := events[len(events)-1]
	if last.Kind != agentevent.NCCompletedErr || last.ErrMsg != "canceled: interrupted" {
		t.Fatalf("last event = %+v, want completed_error{canceled: interrupted}", last)
	}
}

func TestRunProcessCancelForwardsToEngineAndAbortsSignal(t *testing.T) {
	proc := newFakeProcess()
	cfg := testConfig(t, proc)
	rp := New(cfg)

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentStart}

	rp.Cancel("user_requested")

	deadline := time.After(time.Second)
	for {
		if proc.canceled {
			break
		}
		select {
		case <-deadline:
			t.Fatal("engine process was never canceled")
		case <-time.After(time.Millisecond):
		}
	}
	if proc.cancelMsg != "user_requested" {
		t.Errorf("cancel reason = %q, want user_requested", proc.cancelMsg)
	}
	if !cfg.Abort.Aborted(cfg.AbortHandle) {
		t.Error("abort handle should be marked aborted")
	}

	// The engine does not actually finish in time: cancel grace must
	// synthesize a terminal completion so the run does not hang.
	events := drainNormalized(t, rp.Events(), time.Second)
	last := events[len(events)-1]
	if last.Kind != agentevent.NCCompletedErr {
		t.Fatalf("last event = %+v, want a synthesized completed_error after cancel grace elapses", last)
	}
}

func TestRunProcessStreamClosedWithoutTerminalEventSynthesizesCrash(t *testing.T) {
	proc := newFakeProcess()
	cfg := testConfig(t, proc)
	rp := New(cfg)

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentStart}
	close(proc.events)

	events := drainNormalized(t, rp.Events(), time.Second)
	last := events[len(events)-1]
	if last.Kind != agentevent.NCCompletedErr || last.ErrMsg != "process_crashed:stream_closed" {
		t.Fatalf("last event = %+v, want process_crashed:stream_closed", last)
	}
}

func TestRunProcessOverflowClearsResumeAndMarksCompaction(t *testing.T) {
	proc := newFakeProcess()
	cfg := testConfig(t, proc)
	sessionKey := string(cfg.SessionKey)
	if err := cfg.Store.PutSessionResume(sessionKey, "chat", `[{"role":"user"}]`); err != nil {
		t.Fatalf("seed session resume: %v", err)
	}
	rp := New(cfg)

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentStart}
	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventCompleted, OK: false, Err: "assistant_error: context_length_exceeded"}
	close(proc.events)

	drainNormalized(t, rp.Events(), time.Second)

	if _, _, ok, err := cfg.Store.GetSessionResume(sessionKey); err != nil || ok {
		t.Errorf("session resume should be cleared after overflow, ok=%v err=%v", ok, err)
	}
	reason, pending, err := cfg.Store.PendingCompaction(sessionKey)
	if err != nil || !pending || reason != "overflow" {
		t.Errorf("pending compaction = %q, %v, %v, want overflow/true", reason, pending, err)
	}
}

func TestRunProcessZeroAnswerRetryResubmits(t *testing.T) {
	proc := newFakeProcess()
	cfg := testConfig(t, proc)

	var captured agentevent.RunRequest
	resub := resubmitterFunc(func(req agentevent.RunRequest) (string, error) {
		captured = req
		return "run-2", nil
	})
	cfg.Resubmitter = resub
	cfg.Job.Prompt = "original prompt"
	cfg.Job.Meta = map[string]string{}

	rp := New(cfg)

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentStart}
	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventCompleted, OK: false, Answer: "", Err: "assistant_error: transient TLS"}
	close(proc.events)

	drainNormalized(t, rp.Events(), time.Second)

	deadline := time.After(time.Second)
	for captured.Prompt == "" {
		select {
		case <-deadline:
			t.Fatal("resubmitter was never called")
		case <-time.After(time.Millisecond):
		}
	}
	if captured.Meta["zero_answer_retry_attempt"] != "1" {
		t.Errorf("retry meta = %+v, want zero_answer_retry_attempt=1", captured.Meta)
	}
	if !strings.Contains(captured.Prompt, cfg.RunID) {
		t.Errorf("retry prompt = %q, want it to reference run id %q", captured.Prompt, cfg.RunID)
	}
}

func TestRunProcessZeroAnswerRetryNotRepeated(t *testing.T) {
	proc := newFakeProcess()
	cfg := testConfig(t, proc)

	calls := 0
	cfg.Resubmitter = resubmitterFunc(func(req agentevent.RunRequest) (string, error) {
		calls++
		return "run-x", nil
	})
	cfg.Job.Meta = map[string]string{"zero_answer_retry_attempt": "1"}

	rp := New(cfg)

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentStart}
	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventCompleted, OK: false, Answer: "", Err: "assistant_error: transient TLS"}
	close(proc.events)

	drainNormalized(t, rp.Events(), time.Second)
	time.Sleep(20 * time.Millisecond)
	if calls != 0 {
		t.Errorf("resubmitter called %d times, want 0 (already retried once)", calls)
	}
}

func TestRunProcessNearLimitMarksCompaction(t *testing.T) {
	proc := newFakeProcess()
	cfg := testConfig(t, proc)
	cfg.ContextWindow = 1000
	cfg.ReserveTokens = 100
	cfg.TriggerRatio = 0.9
	rp := New(cfg)

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentStart}
	proc.events <- agentevent.AgentEvent{
		Kind:   agentevent.EventCompleted,
		OK:     true,
		Answer: "done",
		Usage:  &agentevent.Usage{InputTokens: 950},
	}
	close(proc.events)

	drainNormalized(t, rp.Events(), time.Second)

	reason, pending, err := cfg.Store.PendingCompaction(string(cfg.SessionKey))
	if err != nil || !pending || reason != "near_limit" {
		t.Errorf("pending compaction = %q, %v, %v, want near_limit/true", reason, pending, err)
	}
}

func TestRunProcessSteerForwardsToEngine(t *testing.T) {
	proc := newFakeProcess()
	cfg := testConfig(t, proc)
	rp := New(cfg)

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentStart}

	if err := rp.Steer(context.Background(), "look at the other file"); err != nil {
		t.Fatalf("Steer: %v", err)
	}

	deadline := time.After(time.Second)
	for len(proc.steers) == 0 {
		select {
		case <-deadline:
			t.Fatal("steer was never forwarded to the engine process")
		case <-time.After(time.Millisecond):
		}
	}
	if proc.steers[0] != "look at the other file" {
		t.Errorf("steer text = %q", proc.steers[0])
	}

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventCompleted, OK: true, Answer: "ok"}
	close(proc.events)
	drainNormalized(t, rp.Events(), time.Second)
}

func TestRunProcessGetStateTransitions(t *testing.T) {
	proc := newFakeProcess()
	cfg := testConfig(t, proc)
	rp := New(cfg)

	deadline := time.After(time.Second)
	for rp.GetState() == StateInit {
		select {
		case <-deadline:
			t.Fatal("never left init")
		case <-time.After(time.Millisecond):
		}
	}

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventAgentStart}

	deadline = time.After(time.Second)
	for rp.GetState() != StateRunning {
		select {
		case <-deadline:
			t.Fatal("never reached running")
		case <-time.After(time.Millisecond):
		}
	}

	proc.events <- agentevent.AgentEvent{Kind: agentevent.EventCompleted, OK: true, Answer: "ok"}
	close(proc.events)
	drainNormalized(t, rp.Events(), time.Second)

	if rp.GetState() != StateTerminated {
		t.Errorf("GetState() = %v, want terminated", rp.GetState())
	}
}

// resubmitterFunc adapts a function literal to the Resubmitter interface.
type resubmitterFunc func(req agentevent.RunRequest) (string, error)

func (f resubmitterFunc) Submit(req agentevent.RunRequest) (string, error) { return f(req) }
