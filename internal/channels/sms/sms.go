// Package sms implements a generic webhook-backed SMS channel
// adapter. No SMS provider SDK exists anywhere in the retrieval pack,
// so delivery is a plain POST against a configured webhook URL, built
// on the same shared transport the LLM provider clients use.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/agentgate/internal/agentevent"
	"github.com/nugget/agentgate/internal/httpkit"
	"github.com/nugget/agentgate/internal/outbound"
)

// ChannelID is the channel_id this adapter registers under.
const ChannelID = "sms"

// TextChunkLimit is the conventional single-SMS segment length; longer
// text is truncated rather than silently split across segments.
const TextChunkLimit = 1600

// Config constructs a Channel.
type Config struct {
	WebhookURL string
	AuthToken  string
	FromNumber string
	Logger     *slog.Logger
}

// Channel is the webhook SMS adapter. It implements outbound.Adapter
// only — SMS has no native edit/delete or media-group capability, so
// those payload kinds are rejected as unsupported at delivery time
// rather than pretended-at with a fake success.
type Channel struct {
	cfg        Config
	httpClient *http.Client
}

// New builds a Channel ready to deliver.
func New(cfg Config) *Channel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Channel{
		cfg:        cfg,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

type webhookRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

type webhookResponse struct {
	MessageID string `json:"message_id"`
}

// Deliver implements outbound.Adapter. Only PayloadText is supported;
// edit, delete and file all return a permanent KindUnsupportedKind
// error so OutboundQueue notifies failure and drops rather than
// retrying something that can never succeed.
func (c *Channel) Deliver(ctx context.Context, payload agentevent.OutboundPayload) (string, error) {
	if payload.Kind != agentevent.PayloadText {
		return "", &outbound.DeliverError{Kind: agentevent.KindUnsupportedKind, Detail: "sms: " + string(payload.Kind) + " not supported"}
	}

	body, err := json.Marshal(webhookRequest{
		To:   payload.Peer.ID,
		From: c.cfg.FromNumber,
		Body: payload.Text,
	})
	if err != nil {
		return "", fmt.Errorf("sms: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.cfg.Logger.Error("sms webhook error", "status", resp.StatusCode, "body", errBody)
		return "", classifyStatusError(resp.StatusCode, errBody)
	}

	var out webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// A 2xx with an unparsable body still delivered; the caller
		// just has no provider message id to key a later edit/delete on.
		return "", nil
	}
	return out.MessageID, nil
}

func classifyStatusError(status int, detail string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &outbound.DeliverError{Kind: agentevent.KindHTTP429, Detail: detail, RetryAfter: time.Second}
	case status >= 500:
		return &outbound.DeliverError{Kind: agentevent.KindHTTP5xx, Detail: detail}
	default:
		return &outbound.DeliverError{Kind: agentevent.KindHTTP4xx, Detail: detail}
	}
}

func classifyTransportError(err error) error {
	if ctxErr := err; ctxErr != nil {
		if ne, ok := ctxErr.(interface{ Timeout() bool }); ok && ne.Timeout() {
			return &outbound.DeliverError{Kind: agentevent.KindConnectionTimeout, Detail: err.Error()}
		}
	}
	return &outbound.DeliverError{Kind: agentevent.KindConnectionReset, Detail: err.Error()}
}
