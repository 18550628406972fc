// Package engine defines the consumer-side contract RunProcess drives
// a model-calling backend through, plus one concrete implementation,
// ChatEngine, built on the teacher's llm.Client provider stack. The
// how of model calls and tool execution is explicitly out of scope
// for the gateway itself — RunProcess only needs a Process emitting
// the AgentEvent union and accepting steer/follow-up/cancel. A
// production deployment can swap ChatEngine for an out-of-process
// engine that implements the same Process interface.
package engine

import (
	"context"

	"github.com/nugget/agentgate/internal/agentevent"
)

// Process is a single run's live handle into its engine.
type Process interface {
	// Events yields the run's AgentEvent sequence, terminated by
	// exactly one completed/error/canceled event.
	Events() <-chan agentevent.AgentEvent
	// Steer injects additional instruction text into the current turn.
	Steer(ctx context.Context, text string) error
	// FollowUp queues text to run immediately after the current turn
	// completes, within the same process.
	FollowUp(ctx context.Context, text string) error
	// Cancel requests cooperative termination; it does not block.
	Cancel(reason string)
}

// Engine starts new Process instances and reports context sizing.
type Engine interface {
	// Start launches job, resuming from resume if non-nil.
	Start(ctx context.Context, job agentevent.Job, resume *agentevent.ResumeToken) (Process, error)
	// ContextWindow returns the token budget for model, or 0 if unknown.
	ContextWindow(model string) int
}
