// Package channels implements ChannelsDelivery (spec.md §4.6): the
// thin façade RunProcess and InboundRouter's reply path go through
// instead of talking to internal/outbound directly. It resolves a
// channel id to its registered adapter, applies adapter capability
// defaults, and hands the payload to the shared outbound.Manager.
package channels

import (
	"context"

	"github.com/nugget/agentgate/internal/agentevent"
	"github.com/nugget/agentgate/internal/outbound"
	"github.com/nugget/agentgate/internal/sessionkey"
)

// ConfirmPrompter is implemented by channel adapters that can present
// an interactive watchdog keepalive prompt (Telegram's inline
// keyboard; SMS has no equivalent and implements nothing here).
type ConfirmPrompter interface {
	PromptConfirm(ctx context.Context, accountID string, peer agentevent.PeerRef, runID, text string) error
}

// capability holds the adapter-capability defaults Enqueue applies
// before handing a payload to OutboundQueue.
type capability struct {
	chunkLimit int // max runes per text/edit payload; 0 = unlimited
}

// Registry is ChannelsDelivery: one outbound.Manager shared across
// every registered channel, plus the per-channel capability table and
// the subset of channels that can serve interactive confirm prompts.
type Registry struct {
	manager    *outbound.Manager
	prompters  map[string]ConfirmPrompter
	capability map[string]capability
}

// NewRegistry builds a Registry. chunkLimits maps channel id to its
// adapter's maximum text/edit payload length in runes (0 or absent
// means unlimited).
func NewRegistry(manager *outbound.Manager, prompters map[string]ConfirmPrompter, chunkLimits map[string]int) *Registry {
	caps := make(map[string]capability, len(chunkLimits))
	for id, limit := range chunkLimits {
		caps[id] = capability{chunkLimit: limit}
	}
	return &Registry{manager: manager, prompters: prompters, capability: caps}
}

// Enqueue implements the §4.6 façade: look up the adapter's
// capabilities, apply them, then delegate admission, coalescing and
// idempotency dedupe to the channel's OutboundQueue instance.
func (r *Registry) Enqueue(payload agentevent.OutboundPayload) (outbound.EnqueueResult, error) {
	if caps, ok := r.capability[payload.ChannelID]; ok && caps.chunkLimit > 0 {
		switch payload.Kind {
		case agentevent.PayloadText, agentevent.PayloadEdit:
			payload.Text = truncateRunes(payload.Text, caps.chunkLimit)
		}
	}
	return r.manager.Enqueue(payload)
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

// PromptKeepWaiting implements runproc.Notifier: it resolves the
// interactive channel behind sessionKey and asks its ConfirmPrompter
// to render the keepalive prompt. Sessions with no channel_peer shape,
// or whose channel has no ConfirmPrompter, return an error — the
// watchdog then treats the run as unanswered per runproc's contract.
func (r *Registry) PromptKeepWaiting(ctx context.Context, sessionKey sessionkey.Key, runID string) error {
	parsed := sessionkey.Parse(string(sessionKey))
	if parsed.Kind != sessionkey.KindChannelPeer {
		return agentevent.NewError(agentevent.KindUnsupportedKind, "session has no interactive channel to prompt")
	}
	prompter, ok := r.prompters[parsed.ChannelID]
	if !ok {
		return agentevent.NewError(agentevent.KindUnknownChannel, parsed.ChannelID)
	}
	peer := agentevent.PeerRef{Kind: parsed.PeerKind, ID: parsed.PeerID, ThreadID: parsed.ThreadID}
	return prompter.PromptConfirm(ctx, parsed.AccountID, peer, runID,
		"Still working on it. Keep waiting, or stop the run?")
}
