package daemon

import (
	"context"
	"time"

	"github.com/harun/sonolbot/internal/telegram"
	"github.com/harun/sonolbot/pkg/appserver"
	"github.com/harun/sonolbot/pkg/taskstore"
)

// AppServer is the bridge surface the worker drives. *appserver.Client
// implements it.
type AppServer interface {
	EnsureRunning(ctx context.Context) error
	Running() bool
	CheckAlive() bool
	Generation() int
	PID() int
	Stop(reason string)
	AttachOrCreateThread(ctx context.Context, b *appserver.ThreadBinding) (appserver.AttachResult, error)
	StartTurn(ctx context.Context, threadID, text string) (string, error)
	SteerTurn(ctx context.Context, threadID, expectedTurnID, text string) error
	InterruptTurn(ctx context.Context, threadID, turnID string) error
	DrainEvents() []appserver.Event
	RunOneShot(ctx context.Context, prompt string, timeout time.Duration) any
}

// Messenger is the Telegram collaborator. *telegram.Bot implements it.
type Messenger interface {
	QuickCheck(ctx context.Context) (int, error)
	GetPendingMessages(ctx context.Context, includeBot bool) ([]telegram.Message, error)
	SendText(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (int, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text string, inline [][]telegram.InlineButton) error
	SaveBotResponse(ctx context.Context, chatID int64, text string, replyTo []int64) error
	MarkMessagesProcessed(ctx context.Context, ids []int64) (int, error)
}

// Rewriter turns a raw intermediate agent message into chat-friendly text.
type Rewriter interface {
	Rewrite(ctx context.Context, chatID int64, text string) (string, error)
}

// TaskRanker orders resume candidates for a free-text query.
type TaskRanker interface {
	Rank(ctx context.Context, chatID int64, query string, limit int) []taskstore.Match
}

// AliasWriter persists a bot's display alias.
type AliasWriter interface {
	SetAlias(ctx context.Context, botID, alias string) error
}
