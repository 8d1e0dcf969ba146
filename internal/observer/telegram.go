package observer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"roundtable/internal/bus"
	"roundtable/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Conversation is the control surface the Telegram bridge drives. Satisfied
// by *engine.Engine.
type Conversation interface {
	Start(ctx context.Context, content string) error
	Publish(ctx context.Context, msg domain.Message) error
	Pause()
	Resume()
	Active() bool
}

// Telegram mirrors the conversation to a Telegram chat and feeds replies
// from that chat back in as user messages.
type Telegram struct {
	token     string
	allowFrom []int64 // empty = allow all
	parseMode string

	bot    *tgbotapi.BotAPI
	conv   Conversation
	logger *slog.Logger
	names  map[domain.AgentID]string

	// chatID is bound to the first allowed chat that speaks. Written by the
	// update-polling goroutine, read by bus handlers on engine goroutines.
	chatID atomic.Int64
}

type TelegramConfig struct {
	Token     string
	ChatID    string   // optional pre-bound chat; otherwise bound on first message
	AllowFrom []string // user IDs as strings
	ParseMode string
	Roster    []domain.AgentProfile
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	names := make(map[domain.AgentID]string, len(cfg.Roster))
	for _, p := range cfg.Roster {
		names[p.ID] = p.Name
	}
	t := &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		logger:    cfg.Logger,
		names:     names,
	}
	if cfg.ChatID != "" {
		if id, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64); err == nil {
			t.chatID.Store(id)
		}
	}
	return t
}

// Run connects to Telegram, mirrors the event stream, and polls for updates
// until the context is cancelled.
func (t *Telegram) Run(ctx context.Context, conv Conversation, eb *bus.EventBus) error {
	t.conv = conv

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	eb.On(bus.EventMessage, func(ev bus.Event) {
		if ev.Message == nil || ev.Message.Kind == domain.KindUser {
			return
		}
		chatID := t.chatID.Load()
		if chatID == 0 {
			return // nobody has joined from Telegram yet
		}
		t.sendMessage(chatID, t.format(*ev.Message))
	})
	eb.On(bus.EventConversationEnded, func(ev bus.Event) {
		if chatID := t.chatID.Load(); chatID != 0 {
			t.sendMessage(chatID, "The conversation has ended. Send a message to start a new one.")
		}
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram bridge stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) format(msg domain.Message) string {
	if msg.Kind == domain.KindSystem {
		return "• " + msg.Content
	}
	id := msg.AuthorAgent()
	name := string(id)
	if n, ok := t.names[id]; ok && n != "" {
		name = n
	}
	return fmt.Sprintf("*%s*\n%s", name, msg.Content)
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", update.Message.From.UserName)
		t.sendMessage(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}
	t.chatID.Store(chatID)

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	if update.Message.IsCommand() {
		t.handleCommand(ctx, chatID, update.Message)
		return
	}

	t.logger.Info("telegram message received", "user_id", userID, "chat_id", chatID, "text_len", len(text))

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = t.bot.Send(typing)

	if !t.conv.Active() {
		if err := t.conv.Start(ctx, text); err != nil {
			t.logger.Error("start conversation", "error", err)
			t.sendMessage(chatID, "Could not start the conversation: "+err.Error())
		}
		return
	}
	if err := t.conv.Publish(ctx, domain.Message{
		Content:   text,
		Author:    domain.AuthorUser,
		Kind:      domain.KindUser,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	}); err != nil {
		t.logger.Error("publish user message", "error", err)
	}
}

func (t *Telegram) handleCommand(ctx context.Context, chatID int64, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		t.sendMessage(chatID, "Send a message to talk with the round table.\n\nCommands:\n/pause - pause agent turns\n/resume - resume agent turns\n/status - bridge status")
	case "pause":
		t.conv.Pause()
		t.sendMessage(chatID, "Agents paused. The log keeps accepting messages.")
	case "resume":
		t.conv.Resume()
		t.sendMessage(chatID, "Agents resumed.")
	case "status":
		state := "idle"
		if t.conv.Active() {
			state = "active"
		}
		t.sendMessage(chatID, fmt.Sprintf("Bot: @%s\nConversation: %s\nYour ID: %d", t.bot.Self.UserName, state, msg.From.ID))
	default:
		t.sendMessage(chatID, "Unknown command. Type /help for available commands.")
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// sendMessage splits text to fit Telegram's per-message limit.
func (t *Telegram) sendMessage(chatID int64, text string) {
	for len(text) > 0 {
		chunk := text
		if len(chunk) > telegramMaxMsgLen {
			cutAt := strings.LastIndex(chunk[:telegramMaxMsgLen], "\n")
			if cutAt < telegramMaxMsgLen/2 {
				cutAt = telegramMaxMsgLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends one chunk with retry and rate limit handling. Markdown
// first, plain text on parse errors.
func (t *Telegram) sendChunk(chatID int64, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter, "attempt", attempt+1)
			time.Sleep(retryAfter)
			continue
		}

		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "error", err)
			plain := tgbotapi.NewMessage(chatID, text)
			if _, err2 := t.bot.Send(plain); err2 == nil {
				return
			}
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		t.logger.Error("telegram send failed after retries", "error", err)
	}
}
