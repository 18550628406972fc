// Package agentevent defines the data model shared by RunOrchestrator,
// RunProcess, OutboundQueue and the channel adapters: the tagged-union
// engine event stream, the smaller normalized surface emitted to
// downstream consumers, and the request/job/resume-token shapes that
// travel between them.
package agentevent

import "github.com/nugget/agentgate/internal/sessionkey"

// QueueMode controls admission behavior when a session already has an
// active run.
type QueueMode string

const (
	QueueCollect   QueueMode = "collect"
	QueueSteer     QueueMode = "steer"
	QueueFollowup  QueueMode = "followup"
	QueueInterrupt QueueMode = "interrupt"
)

// RunRequest is an immutable submission record.
type RunRequest struct {
	Origin     string
	SessionKey sessionkey.Key
	AgentID    string
	Prompt     string
	QueueMode  QueueMode
	EngineID   string // optional; "" means use the agent/session default
	CWD        string // optional
	ToolPolicy string // optional, opaque to the core
	Meta       map[string]string
	Tags       []string // supplemental: passthrough labels for operational correlation
}

// Job is the post-admission form of a RunRequest inside a RunProcess.
type Job struct {
	RunRequest
	RunID       string
	StartedAtMs int64
}

// ResumeToken is an opaque engine checkpoint, persisted per session as
// the last-known-good state to resume from.
type ResumeToken struct {
	Engine string
	Value  string
}

// Usage is provider-neutral token accounting, summed across the
// messages produced by a run.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// Message is the minimal shape RunProcess needs from engine-produced
// messages to extract a final answer (the engine's own message
// representation is out of scope; this is the subset the translation
// table reads).
type Message struct {
	Role string // "assistant", "user", "tool", ...
	Text string
}

// ToolResultBlock represents one flattenable piece of a structured
// tool result (a text block, a named image placeholder, etc).
type ToolResultBlock struct {
	Kind string // "text", "image", ...
	Text string
}

// AgentEventKind tags the AgentEvent union.
type AgentEventKind string

const (
	EventAgentStart          AgentEventKind = "agent_start"
	EventTurnStart            AgentEventKind = "turn_start"
	EventMessageStart          AgentEventKind = "message_start"
	EventMessageUpdate         AgentEventKind = "message_update"
	EventMessageEnd           AgentEventKind = "message_end"
	EventToolExecutionStart    AgentEventKind = "tool_execution_start"
	EventToolExecutionUpdate   AgentEventKind = "tool_execution_update"
	EventToolExecutionEnd      AgentEventKind = "tool_execution_end"
	EventTurnEnd               AgentEventKind = "turn_end"
	EventAgentEnd              AgentEventKind = "agent_end"
	EventCompleted             AgentEventKind = "completed"
	EventError                 AgentEventKind = "error"
	EventCanceled              AgentEventKind = "canceled"
)

// AgentEvent is the tagged union produced by the engine and consumed
// by RunProcess. Only the fields relevant to Kind are populated.
type AgentEvent struct {
	Kind AgentEventKind

	// message_start/update/end
	Msg   Message
	Delta string

	// tool_execution_*
	ToolCallID string
	ToolName   string
	ToolArgs   map[string]any
	Partial    string
	Result     []ToolResultBlock
	IsError    bool

	// turn_end
	ToolResults []ToolResultBlock

	// agent_end
	NewMessages []Message

	// completed
	OK      bool
	Answer  string
	Resume  *ResumeToken
	Usage   *Usage
	Err     string

	// error
	Reason       string
	PartialState string

	// canceled
	CancelReason string
}

// ActionKind classifies a translated tool_execution_* event for display.
type ActionKind string

const (
	ActionCommand    ActionKind = "command"
	ActionFileChange ActionKind = "file_change"
	ActionTool       ActionKind = "tool"
	ActionWebSearch  ActionKind = "web_search"
	ActionSubagent   ActionKind = "subagent"
)

// ActionPhase tracks an action's lifecycle within NormalizedCliEvent.
type ActionPhase string

const (
	PhaseStarted   ActionPhase = "started"
	PhaseUpdated   ActionPhase = "updated"
	PhaseCompleted ActionPhase = "completed"
)

// NormalizedCliEventKind tags the NormalizedCliEvent union.
type NormalizedCliEventKind string

const (
	NCStarted       NormalizedCliEventKind = "started"
	NCAction        NormalizedCliEventKind = "action"
	NCDelta         NormalizedCliEventKind = "delta"
	NCCompletedOK   NormalizedCliEventKind = "completed_ok"
	NCCompletedErr  NormalizedCliEventKind = "completed_error"
)

// NormalizedCliEvent is the smaller surface RunProcess emits to
// downstream consumers (channel delivery, the /runs/{id}/stream feed).
type NormalizedCliEvent struct {
	Kind NormalizedCliEventKind

	// started
	Resume *ResumeToken

	// action
	ActionID    string
	ActionKind  ActionKind
	Title       string
	Phase       ActionPhase
	OK          *bool
	Detail      map[string]any

	// delta
	Seq   int
	Text  string
	TsMs  int64

	// completed_ok / completed_error
	Answer        string
	Usage         *Usage
	Resume2       *ResumeToken // resume carried on completion (overflow resets omit this)
	ErrMsg        string
	PartialAnswer string
}

// PeerRef identifies a conversation target on a channel.
type PeerRef struct {
	Kind     sessionkey.PeerKind
	ID       string
	ThreadID string
}

// PayloadKind tags the OutboundPayload union.
type PayloadKind string

const (
	PayloadText   PayloadKind = "text"
	PayloadEdit   PayloadKind = "edit"
	PayloadDelete PayloadKind = "delete"
	PayloadFile   PayloadKind = "file"
)

// FileAttachment is one file to deliver in a PayloadFile content batch.
type FileAttachment struct {
	Path    string
	Caption string
}

// OutboundPayload is a single deliverable unit handed to ChannelsDelivery.
type OutboundPayload struct {
	ChannelID      string
	AccountID      string
	Peer           PeerRef
	Kind           PayloadKind
	Text           string           // for text/edit
	MessageID      string           // for edit/delete
	Files          []FileAttachment // for file
	IdempotencyKey string
	ReplyTo        string
	Meta           map[string]string
	NotifyPID      string
	NotifyRef      string
}

// InboundMessage is the normalized shape every channel adapter
// produces from its raw wire update.
type InboundMessage struct {
	ChannelID string
	AccountID string
	Peer      PeerRef
	SenderID  string
	Message   struct {
		ID        string
		Text      string
		Timestamp int64
		ReplyToID string
	}
	Raw  any
	Meta map[string]string
}
