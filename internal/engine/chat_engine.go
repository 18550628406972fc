package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/agentgate/internal/agentevent"
	"github.com/nugget/agentgate/internal/llm"
)

// maxToolIterations bounds a single turn's tool-call loop, grounded on
// the teacher agent loop's tool call budget.
const maxToolIterations = 50

// ChatEngine adapts an llm.Client into the Engine contract, running a
// single-process tool-call loop: each turn calls the model, executes
// any returned tool calls against the fixed tool set, feeds results
// back, and repeats until the model returns a plain text answer or
// the iteration budget is exhausted. A queued follow-up observed at
// that point starts a new turn in the same process instead of ending it.
type ChatEngine struct {
	client         llm.Client
	defaultModel   string
	contextWindows map[string]int
	tools          []tool
}

// NewChatEngine builds a ChatEngine over client. contextWindows maps
// model name to its token budget; a lookup miss returns 0.
func NewChatEngine(client llm.Client, defaultModel string, contextWindows map[string]int) *ChatEngine {
	return &ChatEngine{
		client:         client,
		defaultModel:   defaultModel,
		contextWindows: contextWindows,
		tools:          defaultTools(),
	}
}

func (e *ChatEngine) ContextWindow(model string) int {
	return e.contextWindows[model]
}

func (e *ChatEngine) Start(ctx context.Context, job agentevent.Job, resume *agentevent.ResumeToken) (Process, error) {
	model := job.EngineID
	if model == "" {
		model = e.defaultModel
	}

	procCtx, cancel := context.WithCancel(ctx)
	p := &chatProcess{
		engine:   e,
		model:    model,
		events:   make(chan agentevent.AgentEvent, 64),
		ctx:      procCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		steerCh:  make(chan string, 8),
		followCh: make(chan string, 8),
	}

	var messages []llm.Message
	if resume != nil && resume.Value != "" {
		var saved []llm.Message
		if err := json.Unmarshal([]byte(resume.Value), &saved); err == nil {
			messages = saved
		}
	}
	messages = append(messages, llm.Message{Role: "user", Content: job.Prompt})

	go p.run(messages)
	return p, nil
}

// chatProcess is the Process handle for one ChatEngine run.
type chatProcess struct {
	engine *ChatEngine
	model  string

	events chan agentevent.AgentEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	steerCh  chan string
	followCh chan string

	mu         sync.Mutex
	canceled   bool
	cancelNote string
}

func (p *chatProcess) Events() <-chan agentevent.AgentEvent { return p.events }

func (p *chatProcess) Steer(ctx context.Context, text string) error {
	select {
	case p.steerCh <- text:
		return nil
	case <-p.done:
		return agentevent.NewError(agentevent.KindConflict, "process already terminated")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *chatProcess) FollowUp(ctx context.Context, text string) error {
	select {
	case p.followCh <- text:
		return nil
	case <-p.done:
		return agentevent.NewError(agentevent.KindConflict, "process already terminated")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *chatProcess) Cancel(reason string) {
	p.mu.Lock()
	if p.canceled {
		p.mu.Unlock()
		return
	}
	p.canceled = true
	p.cancelNote = reason
	p.mu.Unlock()
	p.cancel()
}

func (p *chatProcess) emit(e agentevent.AgentEvent) {
	// Prefer buffering the event even after cancellation, so the
	// terminal event still reaches a consumer that keeps draining.
	select {
	case p.events <- e:
		return
	default:
	}
	select {
	case p.events <- e:
	case <-p.ctx.Done():
	}
}

func (p *chatProcess) isCanceled() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled, p.cancelNote
}

// turnOutcome reports what happened when runTurn finished one
// tool-call iteration loop: either a final answer (possibly followed
// by a queued follow-up that starts another turn) or a hard error.
type turnOutcome struct {
	answer      string
	hasFollowUp bool
	followUp    string
	err         error
}

// run is the process actor's main body: a single goroutine owning the
// conversation messages, draining steer/follow-up injections between
// iterations and honoring cancellation cooperatively at each boundary.
func (p *chatProcess) run(messages []llm.Message) {
	defer close(p.done)
	defer close(p.events)

	p.emit(agentevent.AgentEvent{Kind: agentevent.EventAgentStart})

	toolDefList := toolDefs(p.engine.tools)
	var finalMessages []agentevent.Message
	var answer string
	var usage agentevent.Usage
	ok := true
	errText := ""

	for {
		p.emit(agentevent.AgentEvent{Kind: agentevent.EventTurnStart})
		outcome, canceled, reason := p.runTurn(&messages, toolDefList, &usage)
		if canceled {
			p.emit(agentevent.AgentEvent{Kind: agentevent.EventCanceled, CancelReason: reason})
			return
		}
		p.emit(agentevent.AgentEvent{Kind: agentevent.EventTurnEnd})

		if outcome.err != nil {
			ok = false
			errText = outcome.err.Error()
			break
		}

		answer = outcome.answer
		finalMessages = append(finalMessages, agentevent.Message{Role: "assistant", Text: answer})

		if !outcome.hasFollowUp {
			break
		}
		messages = append(messages, llm.Message{Role: "user", Content: outcome.followUp})
	}

	p.emit(agentevent.AgentEvent{Kind: agentevent.EventAgentEnd, NewMessages: finalMessages})

	var resume *agentevent.ResumeToken
	if ok {
		if encoded, err := json.Marshal(messages); err == nil {
			resume = &agentevent.ResumeToken{Engine: "chat", Value: string(encoded)}
		}
	}

	p.emit(agentevent.AgentEvent{
		Kind:   agentevent.EventCompleted,
		OK:     ok,
		Answer: answer,
		Usage:  &usage,
		Err:    errText,
		Resume: resume,
	})
}

// runTurn drives the model through its tool-call loop for one turn,
// returning once the model answers in plain text or the error/cancel
// path is taken.
func (p *chatProcess) runTurn(messages *[]llm.Message, toolDefList []map[string]any, usage *agentevent.Usage) (turnOutcome, bool, string) {
	for i := 0; i < maxToolIterations; i++ {
		if canceled, reason := p.isCanceled(); canceled {
			return turnOutcome{}, true, reason
		}

		select {
		case steer := <-p.steerCh:
			*messages = append(*messages, llm.Message{Role: "user", Content: "[steer] " + steer})
		default:
		}

		resp, err := p.engine.client.ChatStream(p.ctx, p.model, *messages, toolDefList, func(delta string) {
			p.emit(agentevent.AgentEvent{Kind: agentevent.EventMessageUpdate, Delta: delta})
		})
		if err != nil {
			return turnOutcome{err: err}, false, ""
		}

		usage.InputTokens += resp.InputTokens
		usage.OutputTokens += resp.OutputTokens

		if len(resp.Message.ToolCalls) == 0 {
			select {
			case follow := <-p.followCh:
				return turnOutcome{answer: resp.Message.Content, hasFollowUp: true, followUp: follow}, false, ""
			default:
			}
			return turnOutcome{answer: resp.Message.Content}, false, ""
		}

		*messages = append(*messages, resp.Message)
		p.execToolCalls(messages, resp.Message.ToolCalls)

		if canceled, reason := p.isCanceled(); canceled {
			return turnOutcome{}, true, reason
		}
	}
	return turnOutcome{answer: ""}, false, ""
}

func (p *chatProcess) execToolCalls(messages *[]llm.Message, calls []llm.ToolCall) {
	for _, tc := range calls {
		toolCallID := tc.ID
		if toolCallID == "" {
			toolCallID = uuid.NewString()
		}

		p.emit(agentevent.AgentEvent{
			Kind:       agentevent.EventToolExecutionStart,
			ToolCallID: toolCallID,
			ToolName:   tc.Function.Name,
			ToolArgs:   tc.Function.Arguments,
		})

		result, isErr := p.execTool(tc.Function.Name, tc.Function.Arguments)

		p.emit(agentevent.AgentEvent{
			Kind:       agentevent.EventToolExecutionEnd,
			ToolCallID: toolCallID,
			ToolName:   tc.Function.Name,
			Result:     result,
			IsError:    isErr,
		})

		resultText := ""
		for _, block := range result {
			resultText += block.Text
		}
		*messages = append(*messages, llm.Message{
			Role:       "tool",
			Content:    resultText,
			ToolCallID: toolCallID,
		})
	}
}

func (p *chatProcess) execTool(name string, args map[string]any) ([]agentevent.ToolResultBlock, bool) {
	t, found := findTool(p.engine.tools, name)
	if !found {
		return []agentevent.ToolResultBlock{{Kind: "text", Text: "unknown tool: " + name}}, true
	}
	result, err := t.Handler(p.ctx, args)
	if err != nil {
		return []agentevent.ToolResultBlock{{Kind: "text", Text: err.Error()}}, true
	}
	return []agentevent.ToolResultBlock{{Kind: "text", Text: result}}, false
}
