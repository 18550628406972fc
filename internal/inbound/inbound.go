// Package inbound implements InboundRouter (spec.md §4.8): the single
// entry point every channel adapter's normalized inbound stream feeds
// into. It dedupes retried webhook/long-poll deliveries, resolves
// agent/queue-mode/engine routing for the message's conversation scope,
// builds the session's canonical key, and submits a RunRequest.
package inbound

import (
	"log/slog"
	"time"

	"github.com/nugget/agentgate/internal/agentevent"
	"github.com/nugget/agentgate/internal/sessionkey"
	"github.com/nugget/agentgate/internal/store"
)

// Submitter is the subset of RunOrchestrator the router needs. Declared
// locally so this package has no import-path dependency on
// internal/orchestrator.
type Submitter interface {
	Submit(req agentevent.RunRequest) (runID string, err error)
}

// Config constructs a Router.
type Config struct {
	Store      *store.Store
	Bindings   *BindingTable
	Submitter  Submitter
	DedupeTTL  time.Duration // default 10 minutes
	Logger     *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 10 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Router is InboundRouter.
type Router struct {
	cfg Config
}

// New builds a Router.
func New(cfg Config) *Router {
	cfg.applyDefaults()
	return &Router{cfg: cfg}
}

// HandleInbound implements handle_inbound: dedupe, resolve routing,
// build the session key and submit. A duplicate delivery (same
// peer.id+message.id observed within the dedupe window) is silently
// dropped, matching an at-least-once delivery channel's expectations.
func (r *Router) HandleInbound(msg agentevent.InboundMessage) (string, error) {
	duplicate, err := r.cfg.Store.CheckOrClaimInbound(msg.Peer.ID, msg.Message.ID, r.cfg.DedupeTTL)
	if err != nil {
		return "", err
	}
	if duplicate {
		r.cfg.Logger.Debug("dropped duplicate inbound message",
			"channel", msg.ChannelID, "peer", msg.Peer.ID, "message_id", msg.Message.ID)
		return "", nil
	}

	d := parseDirectives(msg.Message.Text)

	binding := r.cfg.Bindings.Resolve(msg.ChannelID, msg.Peer.ID, msg.Peer.ThreadID)

	queueMode := binding.QueueMode
	if d.queueModeForced != "" {
		queueMode = d.queueModeForced
	}
	engineID := binding.EngineID
	if d.engineForced != "" {
		engineID = d.engineForced
	}

	sk := sessionkey.MakeChannelPeer(msg.ChannelID, msg.AccountID, msg.Peer.Kind, msg.Peer.ID, msg.Peer.ThreadID)

	meta := make(map[string]string, len(msg.Meta)+1)
	for k, v := range msg.Meta {
		meta[k] = v
	}
	if msg.Message.ReplyToID != "" {
		meta["reply_to_id"] = msg.Message.ReplyToID
	}

	req := agentevent.RunRequest{
		Origin:     msg.ChannelID,
		SessionKey: sk,
		AgentID:    binding.AgentID,
		Prompt:     d.text,
		QueueMode:  queueMode,
		EngineID:   engineID,
		Meta:       meta,
	}

	runID, err := r.cfg.Submitter.Submit(req)
	if err != nil {
		r.cfg.Logger.Warn("inbound submit failed", "session_key", sk, "error", err)
		return "", err
	}
	return runID, nil
}
