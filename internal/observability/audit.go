package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ActivityEvent is one line of the worker activity journal.
type ActivityEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	ChatID    int64                  `json:"chat_id,omitempty"`
	Action    string                 `json:"action"` // turn_started, turn_completed, lease_busy, ...
	Status    string                 `json:"status"` // success, failure, pending
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// Rotator is implemented by writers that rotate on a calendar boundary.
type Rotator interface {
	MaybeRotate(now time.Time) error
}

// ActivityLog records turn lifecycle events as JSON lines.
type ActivityLog struct {
	logger zerolog.Logger
	mu     sync.Mutex
	out    io.Writer
}

var (
	activityOnce sync.Once
	activityInst *ActivityLog
	activityMu   sync.RWMutex
)

// GetActivityLog returns the process activity journal (stderr until initialized).
func GetActivityLog() *ActivityLog {
	activityOnce.Do(func() {
		activityMu.Lock()
		if activityInst == nil {
			activityInst = &ActivityLog{
				logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
				out:    os.Stderr,
			}
		}
		activityMu.Unlock()
	})
	activityMu.RLock()
	defer activityMu.RUnlock()
	return activityInst
}

// InitActivityLog points the journal at w.
func InitActivityLog(w io.Writer) {
	activityOnce.Do(func() {})
	activityMu.Lock()
	activityInst = &ActivityLog{
		logger: zerolog.New(w).With().Timestamp().Logger(),
		out:    w,
	}
	activityMu.Unlock()
}

// Record emits an activity event and mirrors it onto the current span.
func (a *ActivityLog) Record(ctx context.Context, event ActivityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("activity.type", event.Type),
			attribute.String("activity.status", event.Status),
			attribute.Int64("activity.chat_id", event.ChatID),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("event_type", event.Type).
		Int64("chat_id", event.ChatID).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}
	entry.Msg("")
}

// Rotate forwards to the underlying writer when it supports rotation.
func (a *ActivityLog) Rotate(now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.out.(Rotator); ok {
		return r.MaybeRotate(now)
	}
	return nil
}

// Close closes the underlying writer when it is closable.
func (a *ActivityLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.out.(io.Closer); ok && a.out != os.Stderr {
		return c.Close()
	}
	return nil
}

// RecordTurnActivity is the helper used by the worker for turn lifecycle events.
func RecordTurnActivity(ctx context.Context, chatID int64, action, status string, metadata map[string]interface{}) {
	GetActivityLog().Record(ctx, ActivityEvent{
		Type:     "turn",
		ChatID:   chatID,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordWorkerActivity is the helper used by the supervisor for worker lifecycle events.
func RecordWorkerActivity(ctx context.Context, botID, action, status string, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["bot_id"] = botID
	GetActivityLog().Record(ctx, ActivityEvent{
		Type:     "worker",
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}
