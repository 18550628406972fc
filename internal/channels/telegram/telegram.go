// Package telegram implements the Telegram Bot API channel: a
// long-poll receive loop producing agentevent.InboundMessage, and an
// outbound.Adapter/outbound.BatchAdapter/channels.ConfirmPrompter
// implementation for delivery and the watchdog keepalive prompt.
// Grounded on other_examples' go-claw TelegramChannel: reconnect-with-
// backoff poll loop, HITL inline-keyboard callback parsing, and
// MarkdownV2 escaping.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/nugget/agentgate/internal/agentevent"
	"github.com/nugget/agentgate/internal/outbound"
	"github.com/nugget/agentgate/internal/sessionkey"
)

// ChannelID is the channel_id this adapter registers under.
const ChannelID = "telegram"

// TextChunkLimit is this adapter's declared chunk_limit capability
// (Telegram's real cap is 4096 UTF-16 code units; this stays
// conservatively under it to leave room for MarkdownV2 escaping).
const TextChunkLimit = 4000

// WatchdogCallback is invoked when a user presses a keepalive button.
// keep=true is "Keep Waiting"; keep=false is "Stop Run". The caller
// (internal/orchestrator, which holds the run_id → RunProcess map)
// resolves runID to the right RunProcess.ConfirmWatchdog call.
type WatchdogCallback func(runID string, keep bool)

// Config constructs a Channel.
type Config struct {
	BotToken          string
	AllowedIDs        []int64 // empty means unrestricted
	OnWatchdogConfirm WatchdogCallback
	Logger            *slog.Logger
}

// Channel is the Telegram adapter.
type Channel struct {
	cfg     Config
	bot     *tgbotapi.BotAPI
	allowed map[int64]struct{}
	inbound chan agentevent.InboundMessage
}

// New authenticates against the Bot API and returns a ready Channel.
// Call Run to start the receive loop.
func New(cfg Config) (*Channel, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram: init: %w", err)
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Channel{
		cfg:     cfg,
		bot:     bot,
		allowed: allowed,
		inbound: make(chan agentevent.InboundMessage, 64),
	}, nil
}

// Inbound yields normalized messages as they are received.
func (c *Channel) Inbound() <-chan agentevent.InboundMessage { return c.inbound }

const stallTimeout = 150 * time.Second

// Run drives the long-poll receive loop until ctx is canceled,
// reconnecting with exponential backoff on disconnect.
func (c *Channel) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := c.bot.GetUpdatesChan(u)

		err := c.poll(ctx, updates)
		c.bot.StopReceivingUpdates()

		if err == nil {
			return
		}
		c.cfg.Logger.Warn("telegram poll disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// poll reads updates until ctx is done, the channel closes, or no
// update arrives within stallTimeout (the library blocks on a dead
// connection rather than closing the channel, so this is the only
// disconnect signal available).
func (c *Channel) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				c.handleMessage(update.Message)
				continue
			}
			if update.CallbackQuery != nil {
				c.handleCallback(update.CallbackQuery)
				continue
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (c *Channel) allowedUser(id int64) bool {
	if len(c.allowed) == 0 {
		return true
	}
	_, ok := c.allowed[id]
	return ok
}

func (c *Channel) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || !c.allowedUser(msg.From.ID) {
		c.cfg.Logger.Warn("telegram access denied", "chat_id", msg.Chat.ID)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	peerKind := sessionkey.PeerDM
	switch {
	case msg.Chat.IsGroup() || msg.Chat.IsSuperGroup():
		peerKind = sessionkey.PeerGroup
	case msg.Chat.IsChannel():
		peerKind = sessionkey.PeerChannel
	}

	in := agentevent.InboundMessage{
		ChannelID: ChannelID,
		AccountID: "default",
		Peer: agentevent.PeerRef{
			Kind: peerKind,
			ID:   strconv.FormatInt(msg.Chat.ID, 10),
		},
		SenderID: strconv.FormatInt(msg.From.ID, 10),
		Raw:      msg,
	}
	in.Message.ID = strconv.Itoa(msg.MessageID)
	in.Message.Text = text
	in.Message.Timestamp = int64(msg.Date)
	if msg.ReplyToMessage != nil {
		in.Message.ReplyToID = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}

	select {
	case c.inbound <- in:
	default:
		c.cfg.Logger.Warn("telegram inbound dropped, consumer too slow", "chat_id", msg.Chat.ID)
	}
}

// handleCallback parses watchdog confirm button presses: callback data
// of the form "wd:<run_id>:keep" or "wd:<run_id>:stop".
func (c *Channel) handleCallback(q *tgbotapi.CallbackQuery) {
	if q.From == nil || !c.allowedUser(q.From.ID) {
		return
	}
	runID, keep, ok := parseWatchdogCallback(q.Data)

	ack := tgbotapi.NewCallback(q.ID, "")
	if _, err := c.bot.Request(ack); err != nil {
		c.cfg.Logger.Warn("telegram callback ack failed", "error", err)
	}

	if !ok || c.cfg.OnWatchdogConfirm == nil {
		return
	}
	c.cfg.OnWatchdogConfirm(runID, keep)
}

func parseWatchdogCallback(data string) (runID string, keep bool, ok bool) {
	if !strings.HasPrefix(data, "wd:") {
		return "", false, false
	}
	rest := strings.TrimPrefix(data, "wd:")
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return "", false, false
	}
	runID, action := rest[:idx], rest[idx+1:]
	if runID == "" {
		return "", false, false
	}
	switch action {
	case "keep":
		return runID, true, true
	case "stop":
		return runID, false, true
	default:
		return "", false, false
	}
}

// Deliver implements outbound.Adapter.
func (c *Channel) Deliver(ctx context.Context, payload agentevent.OutboundPayload) (string, error) {
	chatID, err := strconv.ParseInt(payload.Peer.ID, 10, 64)
	if err != nil {
		return "", &outbound.DeliverError{Kind: agentevent.KindSchemaInvalid, Detail: "invalid chat id: " + payload.Peer.ID}
	}

	switch payload.Kind {
	case agentevent.PayloadText:
		msg := tgbotapi.NewMessage(chatID, escapeMarkdownV2(payload.Text))
		msg.ParseMode = "MarkdownV2"
		if payload.ReplyTo != "" {
			if id, err := strconv.Atoi(payload.ReplyTo); err == nil {
				msg.ReplyToMessageID = id
			}
		}
		sent, err := c.bot.Send(msg)
		if err != nil {
			return "", classifySendError(err)
		}
		return strconv.Itoa(sent.MessageID), nil

	case agentevent.PayloadEdit:
		messageID, err := strconv.Atoi(payload.MessageID)
		if err != nil {
			return "", &outbound.DeliverError{Kind: agentevent.KindSchemaInvalid, Detail: "invalid message id: " + payload.MessageID}
		}
		edit := tgbotapi.NewEditMessageText(chatID, messageID, escapeMarkdownV2(payload.Text))
		edit.ParseMode = "MarkdownV2"
		if _, err := c.bot.Send(edit); err != nil {
			return "", classifySendError(err)
		}
		return payload.MessageID, nil

	case agentevent.PayloadDelete:
		messageID, err := strconv.Atoi(payload.MessageID)
		if err != nil {
			return "", &outbound.DeliverError{Kind: agentevent.KindSchemaInvalid, Detail: "invalid message id: " + payload.MessageID}
		}
		del := tgbotapi.NewDeleteMessage(chatID, messageID)
		if _, err := c.bot.Request(del); err != nil {
			return "", classifySendError(err)
		}
		return payload.MessageID, nil

	case agentevent.PayloadFile:
		return c.deliverFile(chatID, payload)

	default:
		return "", &outbound.DeliverError{Kind: agentevent.KindUnsupportedKind, Detail: string(payload.Kind)}
	}
}

func (c *Channel) deliverFile(chatID int64, payload agentevent.OutboundPayload) (string, error) {
	if len(payload.Files) == 0 {
		return "", &outbound.DeliverError{Kind: agentevent.KindSchemaInvalid, Detail: "file payload with no files"}
	}
	f := payload.Files[0]
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(f.Path))
	doc.Caption = f.Caption
	sent, err := c.bot.Send(doc)
	if err != nil {
		return "", classifySendError(err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// DeliverBatch implements outbound.BatchAdapter: up to 10 files as one
// Telegram media group. A single-file payload falls back to a plain
// document send (Telegram rejects one-item media groups).
func (c *Channel) DeliverBatch(ctx context.Context, payload agentevent.OutboundPayload) (string, error) {
	chatID, err := strconv.ParseInt(payload.Peer.ID, 10, 64)
	if err != nil {
		return "", &outbound.DeliverError{Kind: agentevent.KindSchemaInvalid, Detail: "invalid chat id: " + payload.Peer.ID}
	}
	if len(payload.Files) < 2 {
		return c.deliverFile(chatID, payload)
	}

	media := make([]interface{}, 0, len(payload.Files))
	for _, f := range payload.Files {
		item := tgbotapi.NewInputMediaDocument(tgbotapi.FilePath(f.Path))
		item.Caption = f.Caption
		media = append(media, item)
	}
	group := tgbotapi.NewMediaGroup(chatID, media)
	sent, err := c.bot.SendMediaGroup(group)
	if err != nil {
		return "", classifySendError(err)
	}
	if len(sent) == 0 {
		return "", nil
	}
	return strconv.Itoa(sent[len(sent)-1].MessageID), nil
}

// PromptConfirm implements channels.ConfirmPrompter: a message with an
// inline "Keep Waiting" / "Stop Run" keyboard, grounded on the go-claw
// example's HITL approval buttons.
func (c *Channel) PromptConfirm(ctx context.Context, accountID string, peer agentevent.PeerRef, runID, text string) error {
	chatID, err := strconv.ParseInt(peer.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid peer id %q: %w", peer.ID, err)
	}
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Keep Waiting", "wd:"+runID+":keep"),
			tgbotapi.NewInlineKeyboardButtonData("Stop Run", "wd:"+runID+":stop"),
		),
	)
	msg := tgbotapi.NewMessage(chatID, escapeMarkdownV2(text))
	msg.ParseMode = "MarkdownV2"
	msg.ReplyMarkup = keyboard
	_, err = c.bot.Send(msg)
	return err
}

// classifySendError maps a tgbotapi API error onto the outbound
// delivery error taxonomy the queue classifies retries against.
func classifySendError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			retry := time.Second
			if apiErr.RetryAfter > 0 {
				retry = time.Duration(apiErr.RetryAfter) * time.Second
			}
			return &outbound.DeliverError{Kind: agentevent.KindHTTP429, Detail: apiErr.Message, RetryAfter: retry}
		case apiErr.Code >= 500:
			return &outbound.DeliverError{Kind: agentevent.KindHTTP5xx, Detail: apiErr.Message}
		case apiErr.Code >= 400:
			return &outbound.DeliverError{Kind: agentevent.KindHTTP4xx, Detail: apiErr.Message}
		}
	}
	return &outbound.DeliverError{Kind: agentevent.KindConnectionReset, Detail: err.Error()}
}

// escapeMarkdownV2 escapes Telegram MarkdownV2 special characters.
func escapeMarkdownV2(s string) string {
	const special = "_*[]()~`>#+-=|{}.!\\"
	out := make([]byte, 0, len(s)+8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(special, c) >= 0 {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
