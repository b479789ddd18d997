package daemon

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/harun/sonolbot/internal/observability"
	"github.com/harun/sonolbot/internal/telegram"
	"github.com/harun/sonolbot/internal/tracing"
	"github.com/harun/sonolbot/pkg/appserver"
	"github.com/harun/sonolbot/pkg/taskstore"
)

const (
	finalReplyNote   = "최종 답변 전송"
	failedTurnNote   = "턴 실패"
	failedTurnNotice = "요청을 처리하지 못했습니다. 다시 시도해 주세요."
	maxReplyRunes    = 4000
	defaultRetryBase = 500 * time.Millisecond
)

// drainEvents routes buffered app-server notifications to their chats.
func (d *Daemon) drainEvents(ctx context.Context) {
	byThread := make(map[string]*ChatState, len(d.chats))
	for _, st := range d.chats {
		if st.ThreadID != "" {
			byThread[st.ThreadID] = st
		}
	}

	for _, ev := range d.app.DrainEvents() {
		st := byThread[ev.ThreadID]
		if st == nil {
			d.logger.Debug().Str("method", ev.Method).Str("thread_id", ev.ThreadID).Msg("Event for unknown thread")
			continue
		}
		d.applyEvent(tracing.NewChatContext(ctx, st.ChatID), st, ev)
	}

	if d.app.Running() {
		return
	}
	for _, st := range d.chats {
		if st.ActiveTurnID == "" {
			continue
		}
		d.logger.Warn().Int64("chat_id", st.ChatID).Str("turn_id", st.ActiveTurnID).Msg("App-server exited during turn; requeueing")
		cctx := tracing.NewChatContext(ctx, st.ChatID)
		st.queue(st.ActiveMessages...)
		d.progress.Finish(st.ChatID)
		d.leases.Release(cctx, st.ChatID, "app-server exited")
		st.clearTurn()
	}
}

func (d *Daemon) applyEvent(ctx context.Context, st *ChatState, ev appserver.Event) {
	sameTurn := ev.TurnID == "" || ev.TurnID == st.ActiveTurnID

	switch ev.Kind {
	case appserver.EventTurnStarted:
		if st.ActiveTurnID != "" && ev.TurnID != "" && ev.TurnID != st.ActiveTurnID {
			d.logger.Debug().Str("turn_id", ev.TurnID).Str("active_turn_id", st.ActiveTurnID).Msg("turn/started for another turn")
		}

	case appserver.EventAgentDelta:
		if st.ActiveTurnID != "" && sameTurn {
			st.DeltaText += ev.Text
		}

	case appserver.EventAgentMessage:
		if st.ActiveTurnID == "" || !sameTurn || strings.TrimSpace(ev.Text) == "" {
			return
		}
		st.LastAgentMessage = ev.Text
		if d.settings.ForwardAgentMessages {
			d.forwardAgentMessage(ctx, st, ev.Text)
		}

	case appserver.EventItemCompleted:
		if ev.AgentMessageItem() && st.ActiveTurnID != "" && sameTurn && strings.TrimSpace(ev.Text) != "" {
			st.LastAgentMessage = ev.Text
		}

	case appserver.EventTaskComplete:
		if st.ActiveTurnID != "" && sameTurn && strings.TrimSpace(ev.Text) != "" {
			st.FinalText = ev.Text
		}

	case appserver.EventTurnCompleted:
		if st.ActiveTurnID == "" || (ev.TurnID != "" && ev.TurnID != st.ActiveTurnID) {
			d.logger.Debug().Str("turn_id", ev.TurnID).Str("active_turn_id", st.ActiveTurnID).Msg("Ignoring turn/completed for stale turn")
			return
		}
		d.finalizeTurn(ctx, st, ev)
	}
}

// forwardAgentMessage relays an intermediate agent message.
func (d *Daemon) forwardAgentMessage(ctx context.Context, st *ChatState, raw string) {
	text := rewriteForChat(ctx, d.rewriter, 0, st.ChatID, raw)
	if _, err := d.tg.SendText(ctx, st.ChatID, truncateRunes(text, maxReplyRunes), telegram.SendOptions{}); err != nil {
		d.logger.Warn().Err(err).Int64("chat_id", st.ChatID).Msg("Failed to forward agent message")
		return
	}
	if text != rewriteFallbackText {
		st.markStreamed(raw)
	}
	if err := d.tg.SaveBotResponse(ctx, st.ChatID, text, st.ActiveMessageIDs()); err != nil {
		d.logger.Warn().Err(err).Int64("chat_id", st.ChatID).Msg("Failed to record forwarded message")
	}
}

func (d *Daemon) finalizeTurn(ctx context.Context, st *ChatState, ev appserver.Event) {
	log := tracing.Logger(ctx, d.logger)
	elapsed := d.now().Sub(st.LastTurnStartedAt)
	ids := st.ActiveMessageIDs()
	turnID := st.ActiveTurnID
	d.progress.Finish(st.ChatID)

	if !ev.Completed() {
		log.Warn().Str("turn_id", turnID).Str("status", ev.Status).Str("error", ev.ErrorText).Msg("Turn ended without completing")
		if _, err := d.tg.SendText(ctx, st.ChatID, failedTurnNotice, telegram.SendOptions{}); err == nil {
			_ = d.tg.SaveBotResponse(ctx, st.ChatID, failedTurnNotice, ids)
		}
		if _, err := d.tg.MarkMessagesProcessed(ctx, ids); err != nil {
			log.Warn().Err(err).Msg("Failed to mark messages processed")
		}
		d.completed.Remember(ids...)
		note := failedTurnNote + ": " + ev.Status
		if ev.ErrorText != "" {
			note += " (" + ev.ErrorText + ")"
		}
		d.recordChange(ctx, st.ChatID, st.TaskID, note, "", ids)
		observability.RecordTurnCompleted(ev.Status, elapsed)
		observability.RecordTurnActivity(ctx, st.ChatID, "turn_failed", "error", map[string]interface{}{"turn_id": turnID, "status": ev.Status})
		d.leases.Release(ctx, st.ChatID, "turn "+ev.Status)
		st.clearTurn()
		return
	}

	final := firstNonEmpty(st.FinalText, st.LastAgentMessage, st.DeltaText)
	if final == "" {
		log.Warn().Str("turn_id", turnID).Msg("Turn completed without a reply; requeueing")
		st.queue(st.ActiveMessages...)
		d.leases.Release(ctx, st.ChatID, "empty reply")
		st.clearTurn()
		return
	}

	streamed := st.wasStreamed(final)
	if !streamed {
		if err := d.sendWithRetry(ctx, st.ChatID, final); err != nil {
			log.Warn().Err(err).Str("turn_id", turnID).Msg("Final reply failed; stashing for retry")
			st.FailedReplyText = final
			st.FailedReplyIDs = ids
			st.FailedReplyTaskID = st.TaskID
			d.leases.Release(ctx, st.ChatID, "reply send failed")
			st.clearTurn()
			return
		}
	}

	d.deliver(ctx, st, final, ids, st.TaskID, !streamed)
	observability.RecordTurnCompleted(appserver.TurnStatusCompleted, elapsed)
	observability.RecordTurnActivity(ctx, st.ChatID, "turn_completed", "ok", map[string]interface{}{
		"turn_id":     turnID,
		"message_ids": ids,
		"elapsed_ms":  elapsed.Milliseconds(),
	})
	log.Info().Str("turn_id", turnID).Ints64("message_ids", ids).Dur("elapsed", elapsed).Msg("Turn completed")
	d.leases.Release(ctx, st.ChatID, "turn completed")
	st.clearTurn()
	d.lastActivity = d.now()
}

// deliver records a reply that reached the chat. A reply already forwarded
// as an agent message was saved then, so save is false for it.
func (d *Daemon) deliver(ctx context.Context, st *ChatState, text string, ids []int64, taskID string, save bool) {
	if save {
		if err := d.tg.SaveBotResponse(ctx, st.ChatID, text, ids); err != nil {
			d.logger.Warn().Err(err).Int64("chat_id", st.ChatID).Msg("Failed to save bot response")
		}
	}
	if _, err := d.tg.MarkMessagesProcessed(ctx, ids); err != nil {
		d.logger.Warn().Err(err).Int64("chat_id", st.ChatID).Msg("Failed to mark messages processed")
	}
	d.completed.Remember(ids...)
	d.recordChange(ctx, st.ChatID, taskID, finalReplyNote, text, ids)
}

func (d *Daemon) recordChange(ctx context.Context, chatID int64, taskID, note, result string, ids []int64) {
	if taskID == "" {
		return
	}
	err := d.tasks.RecordTaskChange(taskstore.ChangeRequest{
		ChatID:           chatID,
		TaskID:           taskID,
		Note:             note,
		ResultSummary:    truncateRunes(result, 600),
		SourceMessageIDs: ids,
	})
	if err != nil && !errors.Is(err, taskstore.ErrTaskNotFound) {
		log := tracing.Logger(ctx, d.logger)
		log.Warn().Err(err).Str("task_id", taskID).Msg("Failed to record task change")
	}
}

// retryFailedReply resends a stashed reply once per tick.
func (d *Daemon) retryFailedReply(ctx context.Context, st *ChatState) {
	if _, err := d.tg.SendText(ctx, st.ChatID, truncateRunes(st.FailedReplyText, maxReplyRunes), telegram.SendOptions{}); err != nil {
		observability.RecordTelegramSend(false)
		d.logger.Debug().Err(err).Int64("chat_id", st.ChatID).Msg("Stashed reply still failing")
		return
	}
	d.deliver(ctx, st, st.FailedReplyText, st.FailedReplyIDs, st.FailedReplyTaskID, true)
	d.logger.Info().Int64("chat_id", st.ChatID).Ints64("message_ids", st.FailedReplyIDs).Msg("Delivered stashed reply")
	st.clearFailedReply()
}

func (d *Daemon) sendWithRetry(ctx context.Context, chatID int64, text string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	_, err := backoff.Retry(ctx, func() (int, error) {
		return d.tg.SendText(ctx, chatID, truncateRunes(text, maxReplyRunes), telegram.SendOptions{})
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(d.settings.FallbackSendMaxAttempts)))
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
