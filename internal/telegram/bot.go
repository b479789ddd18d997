package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/harun/sonolbot/internal/observability"
)

const updateBatchLimit = 100

// API is the subset of tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

// Bot polls one Telegram bot into a MessageStore and sends replies.
type Bot struct {
	api      API
	store    *MessageStore
	logger   zerolog.Logger
	username string

	mu      sync.RWMutex
	allowed map[int64]struct{}
}

// New authenticates token and opens the message store at storePath.
func New(token, storePath string, allowed []int64, logger zerolog.Logger) (*Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	bot := NewWithAPI(api, NewMessageStore(storePath), allowed, logger)
	bot.username = api.Self.UserName
	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")
	return bot, nil
}

// NewWithAPI wires an existing API client.
func NewWithAPI(api API, store *MessageStore, allowed []int64, logger zerolog.Logger) *Bot {
	b := &Bot{
		api:    api,
		store:  store,
		logger: logger.With().Str("component", "telegram").Logger(),
	}
	b.SetAllowedUsers(allowed)
	return b
}

// Username returns the authenticated bot username, if known.
func (b *Bot) Username() string {
	return b.username
}

// Store returns the backing message store.
func (b *Bot) Store() *MessageStore {
	return b.store
}

// SetAllowedUsers replaces the allow-list. An empty list admits nobody.
func (b *Bot) SetAllowedUsers(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	b.mu.Lock()
	b.allowed = set
	b.mu.Unlock()
}

func (b *Bot) isAllowed(userID int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.allowed[userID]
	return ok
}

// QuickCheck fetches new updates without long-polling and stores the
// allowed ones. It returns how many rows were added.
func (b *Bot) QuickCheck(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	last, err := b.store.LastUpdateID()
	if err != nil {
		return 0, err
	}

	u := tgbotapi.NewUpdate(last + 1)
	u.Timeout = 0
	u.Limit = updateBatchLimit
	updates, err := b.api.GetUpdates(u)
	if err != nil {
		return 0, fmt.Errorf("get updates: %w", err)
	}
	if len(updates) == 0 {
		return 0, nil
	}

	maxID := last
	var rows []Message
	for _, update := range updates {
		if update.UpdateID > maxID {
			maxID = update.UpdateID
		}
		if cb := update.CallbackQuery; cb != nil {
			b.answerCallback(cb.ID)
		}
		msg, ok := fromUpdate(update)
		if !ok {
			continue
		}
		if !b.isAllowed(msg.UserID) {
			b.logger.Warn().Int64("user_id", msg.UserID).Int64("chat_id", msg.ChatID).Msg("Dropping message from user outside allow-list")
			continue
		}
		rows = append(rows, msg)
	}
	return b.store.Append(maxID, rows)
}

func (b *Bot) answerCallback(id string) {
	if id == "" {
		return
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(id, "")); err != nil {
		b.logger.Debug().Err(err).Msg("Failed to answer callback query")
	}
}

// GetPendingMessages returns unprocessed messages in arrival order.
func (b *Bot) GetPendingMessages(ctx context.Context, includeBot bool) ([]Message, error) {
	return b.store.Pending(includeBot)
}

// SendText sends text and returns the new message id. A parse-mode message
// Telegram cannot parse is resent once as plain text.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string, opts SendOptions) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = opts.ParseMode
	if opts.ReplyTo > 0 {
		msg.ReplyToMessageID = int(opts.ReplyTo)
	}
	switch {
	case len(opts.Inline) > 0:
		msg.ReplyMarkup = inlineMarkup(opts.Inline)
	case len(opts.Keyboard) > 0:
		msg.ReplyMarkup = replyKeyboard(opts.Keyboard)
	case opts.RemoveKeyboard:
		msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	}

	sent, err := b.api.Send(msg)
	if err != nil && msg.ParseMode != "" && isParseEntitiesError(err) {
		b.logger.Warn().Int64("chat_id", chatID).Msg("Telegram rejected entities; resending without parse mode")
		msg.ParseMode = ""
		sent, err = b.api.Send(msg)
	}
	observability.RecordTelegramSend(err == nil)
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}

	b.logger.Debug().
		Int64("chat_id", chatID).
		Int("message_id", sent.MessageID).
		Msg("Message sent")
	return sent.MessageID, nil
}

// EditMessageText replaces the text (and inline keyboard) of a sent message.
// An edit that changes nothing is not an error.
func (b *Bot) EditMessageText(ctx context.Context, chatID int64, messageID int, text string, inline [][]InlineButton) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if len(inline) > 0 {
		markup := inlineMarkup(inline)
		edit.ReplyMarkup = &markup
	}
	_, err := b.api.Send(edit)
	if err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

// SaveBotResponse records a reply in the message store.
func (b *Bot) SaveBotResponse(ctx context.Context, chatID int64, text string, replyTo []int64) error {
	return b.store.SaveBotResponse(chatID, text, replyTo)
}

// MarkMessagesProcessed flags ids as handled.
func (b *Bot) MarkMessagesProcessed(ctx context.Context, ids []int64) (int, error) {
	return b.store.MarkProcessed(ids)
}

func isParseEntitiesError(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 400 && strings.Contains(apiErr.Message, "can't parse entities") {
		return true
	}
	return strings.Contains(err.Error(), "can't parse entities")
}

func replyKeyboard(rows [][]string) tgbotapi.ReplyKeyboardMarkup {
	buttons := make([][]tgbotapi.KeyboardButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tgbotapi.KeyboardButton, 0, len(row))
		for _, label := range row {
			r = append(r, tgbotapi.NewKeyboardButton(label))
		}
		buttons = append(buttons, r)
	}
	kb := tgbotapi.NewReplyKeyboard(buttons...)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func inlineMarkup(rows [][]InlineButton) tgbotapi.InlineKeyboardMarkup {
	buttons := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			r = append(r, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.Data))
		}
		buttons = append(buttons, r)
	}
	return tgbotapi.NewInlineKeyboardMarkup(buttons...)
}
