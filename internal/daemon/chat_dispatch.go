package daemon

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/sonolbot/internal/observability"
	"github.com/harun/sonolbot/internal/telegram"
	"github.com/harun/sonolbot/internal/tracing"
	"github.com/harun/sonolbot/pkg/appserver"
	"github.com/harun/sonolbot/pkg/taskstore"
)

const (
	steerHeader       = "[additional instructions]"
	requestHeader     = "[dynamic request]"
	memoryPacketTasks = 3
	memoryPacketChars = 1000
	carryOverTasks    = 3
	carryOverChars    = 800
)

// processChat advances one chat by one step.
func (d *Daemon) processChat(ctx context.Context, st *ChatState, msgs []telegram.Message) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "daemon.process_chat", attribute.Int64("chat.id", st.ChatID))
	defer span.End()

	if st.FailedReplyText != "" {
		d.retryFailedReply(ctx, st)
	}

	fresh := d.freshMessages(st, msgs)
	fresh = d.filterUI(ctx, st, fresh)

	if st.ActiveTurnID != "" {
		d.continueTurn(ctx, st, fresh)
		return
	}
	if st.FailedReplyText != "" || st.UI.Mode != UIIdle {
		st.queue(fresh...)
		return
	}
	d.startTurn(ctx, st, fresh)
}

// freshMessages drops ids already in flight and ids answered recently.
func (d *Daemon) freshMessages(st *ChatState, msgs []telegram.Message) []telegram.Message {
	out := make([]telegram.Message, 0, len(msgs))
	for _, m := range msgs {
		if st.known(m.MessageID) || d.completed.IsRecentlyCompleted(m.MessageID) {
			continue
		}
		if st.UI.Seed != nil && st.UI.Seed.MessageID == m.MessageID {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (d *Daemon) withoutCompleted(msgs []telegram.Message) []telegram.Message {
	out := make([]telegram.Message, 0, len(msgs))
	for _, m := range msgs {
		if !d.completed.IsRecentlyCompleted(m.MessageID) {
			out = append(out, m)
		}
	}
	return out
}

// continueTurn handles a chat whose turn is still running: timeout guard,
// lease heartbeat, progress and steering.
func (d *Daemon) continueTurn(ctx context.Context, st *ChatState, fresh []telegram.Message) {
	log := tracing.Logger(ctx, d.logger)
	now := d.now()

	if d.settings.TurnTimeout > 0 && !st.LastTurnStartedAt.IsZero() && now.Sub(st.LastTurnStartedAt) > d.settings.TurnTimeout {
		log.Warn().Str("turn_id", st.ActiveTurnID).Dur("elapsed", now.Sub(st.LastTurnStartedAt)).Msg("Turn timed out; interrupting")
		if err := d.app.InterruptTurn(ctx, st.ThreadID, st.ActiveTurnID); err != nil {
			log.Warn().Err(err).Msg("turn/interrupt failed")
		}
		st.queue(st.ActiveMessages...)
		st.queue(fresh...)
		d.progress.Finish(st.ChatID)
		d.leases.Release(ctx, st.ChatID, "turn timeout")
		observability.RecordTurnTimeout()
		observability.RecordTurnActivity(ctx, st.ChatID, "turn_timeout", "error", map[string]interface{}{"turn_id": st.ActiveTurnID})
		st.clearTurn()
		return
	}

	if now.Sub(st.LastLeaseTouchAt) >= d.settings.LeaseHeartbeat {
		switch {
		case d.leases.Touch(ctx, st.ChatID, st.ActiveTurnID, st.ActiveMessageIDs()):
			st.LastLeaseTouchAt = now
		case !d.leases.Owns(st.ChatID):
			// Another worker holds the chat now; two turns must not overlap.
			log.Warn().Str("turn_id", st.ActiveTurnID).Msg("Chat lease lost during turn; interrupting")
			if err := d.app.InterruptTurn(ctx, st.ThreadID, st.ActiveTurnID); err != nil {
				log.Warn().Err(err).Msg("turn/interrupt failed")
			}
			st.queue(st.ActiveMessages...)
			st.queue(fresh...)
			d.progress.Finish(st.ChatID)
			observability.RecordTurnActivity(ctx, st.ChatID, "lease_lost", "error", map[string]interface{}{"turn_id": st.ActiveTurnID})
			st.clearTurn()
			return
		}
	}

	if len(fresh) == 0 {
		if !d.settings.ForwardAgentMessages {
			d.updateProgress(ctx, st)
		}
		return
	}
	if st.ForceNewThreadOnce {
		st.queue(fresh...)
		return
	}
	d.steer(ctx, st, fresh)
}

func (d *Daemon) updateProgress(ctx context.Context, st *ChatState) {
	text := strings.TrimSpace(st.DeltaText)
	if text == "" || len(text) == st.progressLen {
		return
	}
	if d.progress.Update(ctx, st.ChatID, truncateRunes(text, 3500)) {
		st.progressLen = len(text)
	}
}

// steer folds fresh messages into the running turn after a short batch
// window. A rejected steer leaves them queued for the next turn.
func (d *Daemon) steer(ctx context.Context, st *ChatState, fresh []telegram.Message) {
	log := tracing.Logger(ctx, d.logger)
	if d.settings.SteerBatchWindow > 0 {
		d.sleep(d.settings.SteerBatchWindow)
		fresh = mergeMessages(fresh, d.refetch(ctx, st, fresh))
	}
	fresh = d.withoutCompleted(fresh)
	if len(fresh) == 0 {
		return
	}

	text := steerHeader + "\n" + d.requestBlock(st, fresh, "")
	if err := d.app.SteerTurn(ctx, st.ThreadID, st.ActiveTurnID, text); err != nil {
		log.Warn().Err(err).Str("turn_id", st.ActiveTurnID).Int("messages", len(fresh)).Msg("Steer failed; queueing for next turn")
		st.queue(fresh...)
		observability.RecordSteer(false)
		return
	}

	st.ActiveMessages = mergeMessages(st.ActiveMessages, fresh)
	if d.leases.Touch(ctx, st.ChatID, st.ActiveTurnID, st.ActiveMessageIDs()) {
		st.LastLeaseTouchAt = d.now()
	}
	observability.RecordSteer(true)
	observability.RecordTurnActivity(ctx, st.ChatID, "turn_steered", "ok", map[string]interface{}{
		"turn_id":     st.ActiveTurnID,
		"message_ids": messageIDs(fresh),
	})
	log.Info().Str("turn_id", st.ActiveTurnID).Int("messages", len(fresh)).Msg("Steered running turn")
}

// refetch picks up messages for st that arrived during the batch window.
func (d *Daemon) refetch(ctx context.Context, st *ChatState, have []telegram.Message) []telegram.Message {
	pending, err := d.tg.GetPendingMessages(ctx, false)
	if err != nil {
		return nil
	}
	seen := make(map[int64]struct{}, len(have))
	for _, m := range have {
		seen[m.MessageID] = struct{}{}
	}
	var extra []telegram.Message
	for _, m := range pending {
		if m.ChatID != st.ChatID {
			continue
		}
		if _, ok := seen[m.MessageID]; ok {
			continue
		}
		extra = append(extra, m)
	}
	extra = d.freshMessages(st, extra)
	return d.filterUI(ctx, st, extra)
}

// startTurn opens a turn for the queued and fresh messages of an idle chat.
func (d *Daemon) startTurn(ctx context.Context, st *ChatState, fresh []telegram.Message) {
	log := tracing.Logger(ctx, d.logger)

	batch := mergeMessages(st.QueuedMessages, fresh)
	if st.UI.Seed != nil {
		batch = mergeMessages([]telegram.Message{*st.UI.Seed}, batch)
	}
	batch = d.withoutCompleted(batch)
	st.QueuedMessages = nil
	st.UI.Seed = nil
	if len(batch) == 0 {
		return
	}
	ids := messageIDs(batch)

	if !d.leases.TryAcquire(ctx, st.ChatID, ids) {
		log.Debug().Ints64("message_ids", ids).Msg("Chat lease busy; queueing")
		st.queue(batch...)
		return
	}
	fail := func(reason string, err error) {
		log.Warn().Err(err).Ints64("message_ids", ids).Msg("Could not start turn: " + reason)
		st.queue(batch...)
		d.leases.Release(ctx, st.ChatID, reason)
	}

	if err := d.app.EnsureRunning(ctx); err != nil {
		fail("app-server unavailable", err)
		return
	}
	d.applyResumeTarget(st)

	res, err := d.app.AttachOrCreateThread(ctx, &appserver.ThreadBinding{
		ThreadID:   st.ThreadID,
		Generation: st.ThreadGeneration,
		ForceNew:   st.ForceNewThreadOnce,
	})
	if err != nil {
		fail("thread attach failed", err)
		return
	}
	if res.Created || res.ThreadID != st.ThreadID {
		if res.DroppedThreadID != "" {
			log.Info().Str("dropped_thread_id", res.DroppedThreadID).Str("thread_id", res.ThreadID).Msg("Replaced unusable thread")
		}
		st.TaskID = ""
	}
	st.ThreadID = res.ThreadID
	st.ThreadGeneration = d.app.Generation()
	d.threadsDirty = true

	if !d.migrated[st.ChatID] {
		d.migrated[st.ChatID] = true
		if n, err := d.tasks.MigrateLegacy(st.ChatID); err != nil {
			log.Warn().Err(err).Msg("Legacy task migration failed")
		} else if n > 0 {
			log.Info().Int("migrated", n).Msg("Migrated legacy tasks")
		}
	}
	if taskstore.IsLegacyTaskID(st.TaskID) {
		if target, ok := d.tasks.ResolveRedirect(st.ChatID, st.TaskID); ok {
			st.TaskID = target
		}
	}

	latest := batch[len(batch)-1]
	sess, err := d.tasks.InitTaskSession(taskstore.InitRequest{
		ChatID:           st.ChatID,
		TaskID:           st.TaskID,
		ThreadID:         st.ThreadID,
		Instruction:      latest.Text,
		MessageID:        latest.MessageID,
		SourceMessageIDs: ids,
		CodexSession:     &taskstore.CodexSession{ThreadID: st.ThreadID, AppGeneration: st.ThreadGeneration},
	})
	if err != nil {
		log.Warn().Err(err).Msg("Task session init failed; continuing without memo")
	} else {
		st.TaskID = sess.TaskID
	}

	batch = d.withoutCompleted(batch)
	if len(batch) == 0 {
		d.leases.Release(ctx, st.ChatID, "batch already answered")
		return
	}
	ids = messageIDs(batch)

	turnID, err := d.app.StartTurn(ctx, st.ThreadID, d.composeInput(st, batch, sess))
	if err != nil {
		fail("turn/start failed", err)
		return
	}

	now := d.now()
	st.ActiveTurnID = turnID
	st.ActiveMessages = batch
	st.LastTurnStartedAt = now
	if d.leases.Touch(ctx, st.ChatID, turnID, ids) {
		st.LastLeaseTouchAt = now
	}
	st.ForceNewThreadOnce = false
	st.CarryOver = ""
	st.ResumeContext = ""
	st.RecentChatSummary = ""
	d.lastActivity = now

	observability.RecordTurnStarted()
	observability.RecordTurnActivity(ctx, st.ChatID, "turn_started", "ok", map[string]interface{}{
		"turn_id":     turnID,
		"thread_id":   st.ThreadID,
		"task_id":     st.TaskID,
		"message_ids": ids,
	})
	log.Info().Str("turn_id", turnID).Str("thread_id", st.ThreadID).Ints64("message_ids", ids).Msg("Turn started")
}

// applyResumeTarget swaps in the thread picked from the resume menu.
func (d *Daemon) applyResumeTarget(st *ChatState) {
	if st.ResumeTaskID == "" && st.ResumeThreadID == "" {
		return
	}
	if st.ResumeThreadID == "" {
		st.ForceNewThreadOnce = true
	} else if st.ResumeThreadID != st.ThreadID {
		st.ThreadID = st.ResumeThreadID
		st.ThreadGeneration = 0
		st.ForceNewThreadOnce = false
	}
	st.TaskID = st.ResumeTaskID
	st.ResumeThreadID = ""
	st.ResumeTaskID = ""
}

// composeInput builds the turn/start text: carried context, the request
// block and the related task memory.
func (d *Daemon) composeInput(st *ChatState, batch []telegram.Message, sess *taskstore.Session) string {
	var parts []string
	for _, block := range []string{st.CarryOver, st.ResumeContext, st.RecentChatSummary} {
		if s := strings.TrimSpace(block); s != "" {
			parts = append(parts, s)
		}
	}
	memo := ""
	if sess != nil {
		memo = sess.MemoPath
	}
	parts = append(parts, requestHeader+"\n"+d.requestBlock(st, batch, memo))
	if packet := d.tasks.BuildCompactMemoryPacket(st.ChatID, batch[len(batch)-1].Text, memoryPacketTasks, memoryPacketChars); packet != "" {
		parts = append(parts, packet)
	}
	return strings.Join(parts, "\n\n")
}

func (d *Daemon) requestBlock(st *ChatState, msgs []telegram.Message, memoPath string) string {
	lines := make([]string, 0, len(msgs)+1)
	for _, m := range msgs {
		lines = append(lines, requestLine(m))
	}
	if memoPath != "" {
		lines = append(lines, "task memory: "+memoPath)
	}
	return strings.Join(lines, "\n")
}

func requestLine(m telegram.Message) string {
	var b strings.Builder
	b.WriteString("[msg_" + strconv.FormatInt(m.MessageID, 10) + "] ")
	b.WriteString(strings.TrimSpace(m.Text))
	if len(m.Files) > 0 {
		names := make([]string, 0, len(m.Files))
		for _, f := range m.Files {
			name := f.FileName
			if name == "" {
				name = f.Type + ":" + f.FileID
			}
			names = append(names, name)
		}
		b.WriteString(" | files: " + strings.Join(names, ", "))
	}
	if m.Location != nil {
		fmt.Fprintf(&b, " | location: %.6f,%.6f", m.Location.Latitude, m.Location.Longitude)
	}
	return b.String()
}
