package tracing

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// BotIDKey is the context key for the worker's bot id
	BotIDKey ContextKey = "bot_id"
	// ChatIDKey is the context key for the chat being driven
	ChatIDKey ContextKey = "chat_id"
)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithBotID adds a bot id to the context
func WithBotID(ctx context.Context, botID string) context.Context {
	return context.WithValue(ctx, BotIDKey, botID)
}

// WithChatID adds a chat id to the context
func WithChatID(ctx context.Context, chatID int64) context.Context {
	return context.WithValue(ctx, ChatIDKey, chatID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetBotID retrieves the bot id from the context
func GetBotID(ctx context.Context) string {
	if botID, ok := ctx.Value(BotIDKey).(string); ok {
		return botID
	}
	return ""
}

// GetChatID retrieves the chat id from the context
func GetChatID(ctx context.Context) (int64, bool) {
	chatID, ok := ctx.Value(ChatIDKey).(int64)
	return chatID, ok
}

// NewChatContext tags ctx with a chat id and a fresh trace id.
func NewChatContext(ctx context.Context, chatID int64) context.Context {
	ctx = WithChatID(ctx, chatID)
	return WithTraceID(ctx, NewTraceID())
}

// Logger enriches base with the tracing fields carried by ctx.
func Logger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	lc := base.With()
	if traceID := GetTraceID(ctx); traceID != "" {
		lc = lc.Str("trace_id", traceID)
	}
	if botID := GetBotID(ctx); botID != "" {
		lc = lc.Str("bot_id", botID)
	}
	if chatID, ok := GetChatID(ctx); ok {
		lc = lc.Str("chat_id", strconv.FormatInt(chatID, 10))
	}
	return lc.Logger()
}
