package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/harun/sonolbot/internal/telegram"
	"github.com/harun/sonolbot/pkg/taskstore"
)

// Button labels shown on the reply keyboards.
const (
	BtnNewTask    = "새 TASK 시작하기"
	BtnResumeTask = "기존 TASK 이어하기"
	BtnEditGuide  = "TASK 지침 수정"
	BtnRenameBot  = "봇 이름 변경"
	BtnCancel     = "취소"

	resumeCallbackPrefix = "resume:"
	taskGuideFileName    = "AGENTS.md"
)

var (
	mainKeyboard = [][]string{{BtnNewTask, BtnResumeTask}, {BtnEditGuide, BtnRenameBot}}
	seedKeyboard = [][]string{{BtnNewTask}, {BtnResumeTask}, {BtnCancel}}
	waitKeyboard = [][]string{{BtnCancel}}
)

func isButton(text string) bool {
	switch text {
	case BtnNewTask, BtnResumeTask, BtnEditGuide, BtnRenameBot, BtnCancel:
		return true
	}
	return false
}

// filterUI consumes menu traffic and returns the messages that should reach
// the app-server, possibly rewritten.
func (d *Daemon) filterUI(ctx context.Context, st *ChatState, msgs []telegram.Message) []telegram.Message {
	var forward []telegram.Message
	for _, m := range msgs {
		if st.known(m.MessageID) {
			forward = append(forward, m)
			continue
		}
		d.expireUI(st)
		if out, ok := d.handleUIMessage(ctx, st, m); ok {
			forward = append(forward, out)
		}
	}
	return forward
}

func (d *Daemon) expireUI(st *ChatState) {
	if st.UI.Mode == UIIdle || st.UI.ExpiresAt.IsZero() || d.now().Before(st.UI.ExpiresAt) {
		return
	}
	d.logger.Info().Int64("chat_id", st.ChatID).Str("mode", string(st.UI.Mode)).Msg("UI mode expired")
	st.resetUI()
}

func (d *Daemon) setMode(st *ChatState, mode UIMode) {
	st.UI.Mode = mode
	st.UI.ExpiresAt = d.now().Add(d.settings.UIModeTimeout)
}

// consume marks a control message processed so it never reaches a turn.
func (d *Daemon) consume(ctx context.Context, m telegram.Message) {
	if _, err := d.tg.MarkMessagesProcessed(ctx, []int64{m.MessageID}); err != nil {
		d.logger.Warn().Err(err).Int64("message_id", m.MessageID).Msg("Failed to mark control message processed")
	}
	d.completed.Remember(m.MessageID)
}

func (d *Daemon) reply(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) {
	if _, err := d.tg.SendText(ctx, chatID, text, opts); err != nil {
		d.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send UI reply")
	}
}

// handleUIMessage returns the message to forward and true, or false when
// the message was consumed.
func (d *Daemon) handleUIMessage(ctx context.Context, st *ChatState, m telegram.Message) (telegram.Message, bool) {
	if m.IsCallback() {
		if st.UI.Mode == UIAwaitResumeChoice {
			d.handleResumeChoice(ctx, st, m)
		} else {
			d.consume(ctx, m)
		}
		return telegram.Message{}, false
	}

	text := strings.TrimSpace(m.Text)
	if isButton(text) {
		d.handleButton(ctx, st, m, text)
		return telegram.Message{}, false
	}

	switch st.UI.Mode {
	case UIAwaitTempDecision:
		d.captureSeed(ctx, st, m)
		return telegram.Message{}, false

	case UIAwaitNewTaskInput:
		st.ForceNewThreadOnce = true
		st.ResumeThreadID, st.ResumeTaskID, st.ResumeContext, st.RecentChatSummary = "", "", "", ""
		st.CarryOver = d.tasks.BuildCarryOverSummary(st.ChatID, carryOverTasks, carryOverChars)
		seed := st.UI.Seed
		st.resetUI()
		st.UI.Seed = seed
		return m, true

	case UIAwaitResumeQuery:
		d.handleResumeQuery(ctx, st, m, text)
		return telegram.Message{}, false

	case UIAwaitResumeChoice:
		d.handleResumeChoice(ctx, st, m)
		return telegram.Message{}, false

	case UIAwaitTaskGuideEdit:
		m.Text = d.guideInstruction(st, text)
		st.resetUI()
		return m, true

	case UIAwaitBotRenameAlias:
		d.handleRename(ctx, st, m, text)
		return telegram.Message{}, false
	}

	if st.coldStart() && st.UI.Seed == nil {
		d.captureSeed(ctx, st, m)
		return telegram.Message{}, false
	}
	return m, true
}

func (d *Daemon) handleButton(ctx context.Context, st *ChatState, m telegram.Message, label string) {
	d.consume(ctx, m)
	switch label {
	case BtnCancel:
		st.resetUI()
		d.reply(ctx, st.ChatID, "취소했습니다.", telegram.SendOptions{Keyboard: mainKeyboard})
	case BtnNewTask:
		d.setMode(st, UIAwaitNewTaskInput)
		d.reply(ctx, st.ChatID, "새 TASK 내용을 입력해 주세요.", telegram.SendOptions{Keyboard: waitKeyboard})
	case BtnResumeTask:
		d.setMode(st, UIAwaitResumeQuery)
		d.reply(ctx, st.ChatID, "이어갈 TASK를 찾을 키워드를 입력해 주세요.", telegram.SendOptions{Keyboard: waitKeyboard})
	case BtnEditGuide:
		if st.TaskID == "" && st.ThreadID == "" {
			d.reply(ctx, st.ChatID, "지침을 수정할 TASK가 없습니다.", telegram.SendOptions{Keyboard: mainKeyboard})
			return
		}
		d.setMode(st, UIAwaitTaskGuideEdit)
		d.reply(ctx, st.ChatID, "현재 TASK의 지침으로 반영할 내용을 입력해 주세요.", telegram.SendOptions{Keyboard: waitKeyboard})
	case BtnRenameBot:
		d.setMode(st, UIAwaitBotRenameAlias)
		d.reply(ctx, st.ChatID, "새 봇 이름을 입력해 주세요.", telegram.SendOptions{Keyboard: waitKeyboard})
	}
}

// captureSeed holds a cold-start message until the user picks new or resume.
func (d *Daemon) captureSeed(ctx context.Context, st *ChatState, m telegram.Message) {
	if _, err := d.tg.MarkMessagesProcessed(ctx, []int64{m.MessageID}); err != nil {
		d.logger.Warn().Err(err).Int64("message_id", m.MessageID).Msg("Failed to mark seed message processed")
	}
	seed := m
	st.UI.Seed = &seed
	d.setMode(st, UIAwaitTempDecision)
	d.reply(ctx, st.ChatID, "새 TASK로 시작할까요, 기존 TASK를 이어갈까요?", telegram.SendOptions{Keyboard: seedKeyboard})
}

func (d *Daemon) handleResumeQuery(ctx context.Context, st *ChatState, m telegram.Message, query string) {
	d.consume(ctx, m)
	candidates := d.ranker.Rank(ctx, st.ChatID, query, resumeCandidateLimit)
	if len(candidates) == 0 {
		d.setMode(st, UIAwaitResumeQuery)
		d.reply(ctx, st.ChatID, "이어갈 TASK를 찾지 못했습니다. 다른 키워드를 입력하거나 취소를 눌러 주세요.", telegram.SendOptions{Keyboard: waitKeyboard})
		return
	}

	choices := make(map[string]string, len(candidates)*2)
	var b strings.Builder
	b.WriteString("이어갈 TASK를 선택해 주세요.\n")
	rows := make([][]telegram.InlineButton, 0, len(candidates))
	for i, c := range candidates {
		label := fmt.Sprintf("%d. %s", i+1, displayTitle(c))
		data := resumeCallbackPrefix + strconv.Itoa(i+1)
		choices[data] = c.TaskID
		choices[label] = c.TaskID
		b.WriteString(label + "\n")
		rows = append(rows, []telegram.InlineButton{{Text: label, Data: data}})
	}
	st.UI.Candidates = candidates
	st.UI.Choices = choices
	d.setMode(st, UIAwaitResumeChoice)
	d.reply(ctx, st.ChatID, strings.TrimRight(b.String(), "\n"), telegram.SendOptions{Inline: rows})
}

func displayTitle(m taskstore.Match) string {
	if t := strings.TrimSpace(m.Title); t != "" {
		return t
	}
	return truncateRunes(m.Instruction, 40)
}

// resolveChoice maps a reply onto a candidate task: callback data, then the
// exact label, then a 1-based index, then a literal task id.
func (d *Daemon) resolveChoice(st *ChatState, m telegram.Message) (taskstore.Entry, bool) {
	text := strings.TrimSpace(m.Text)
	var taskID string
	if m.CallbackData != "" {
		taskID = st.UI.Choices[m.CallbackData]
	}
	if taskID == "" {
		taskID = st.UI.Choices[text]
	}
	if taskID == "" {
		if n, err := strconv.Atoi(strings.TrimSuffix(text, ".")); err == nil && n >= 1 && n <= len(st.UI.Candidates) {
			taskID = st.UI.Candidates[n-1].TaskID
		}
	}
	if taskID == "" {
		taskID = text
	}
	if id := taskstore.NormalizeTaskID(taskID); id != "" {
		if target, ok := d.tasks.ResolveRedirect(st.ChatID, id); ok {
			id = target
		}
		return d.tasks.Lookup(st.ChatID, id)
	}
	return taskstore.Entry{}, false
}

func (d *Daemon) handleResumeChoice(ctx context.Context, st *ChatState, m telegram.Message) {
	d.consume(ctx, m)
	entry, ok := d.resolveChoice(st, m)
	if !ok {
		d.setMode(st, UIAwaitResumeChoice)
		d.reply(ctx, st.ChatID, "목록에서 번호를 선택해 주세요.", telegram.SendOptions{})
		return
	}

	st.ResumeThreadID = entry.ThreadID
	st.ResumeTaskID = entry.TaskID
	st.ResumeContext = d.selectedTaskPacket(st.ChatID, entry)
	st.RecentChatSummary = d.tasks.BuildCarryOverSummary(st.ChatID, 3, 600)
	st.ForceNewThreadOnce = false
	st.CarryOver = ""
	seed := st.UI.Seed
	st.resetUI()
	st.UI.Seed = seed

	title := entry.DisplayTitle
	if title == "" {
		title = entry.TaskID
	}
	d.reply(ctx, st.ChatID, fmt.Sprintf("TASK를 이어갑니다: %s\n다음 메시지부터 이 TASK에서 계속합니다.", title),
		telegram.SendOptions{Keyboard: mainKeyboard})
	d.logger.Info().Int64("chat_id", st.ChatID).Str("task_id", entry.TaskID).Msg("Resume target selected")
}

func (d *Daemon) selectedTaskPacket(chatID int64, e taskstore.Entry) string {
	var b strings.Builder
	b.WriteString("[selected task]\n")
	fmt.Fprintf(&b, "task: %s\n", e.TaskID)
	if e.DisplayTitle != "" {
		fmt.Fprintf(&b, "title: %s\n", e.DisplayTitle)
	}
	if e.Instruction != "" {
		fmt.Fprintf(&b, "instruction: %s\n", truncateRunes(e.Instruction, 300))
	}
	if e.ResultSummary != "" {
		fmt.Fprintf(&b, "last result: %s\n", truncateRunes(e.ResultSummary, 300))
	}
	fmt.Fprintf(&b, "memo: %s", d.tasks.MemoPath(chatID, e.TaskID))
	return b.String()
}

func (d *Daemon) guideInstruction(st *ChatState, text string) string {
	taskID := st.TaskID
	if taskID == "" && st.ThreadID != "" {
		taskID = taskstore.ThreadTaskID(st.ThreadID)
	}
	path := filepath.Join(d.tasks.TaskDir(st.ChatID, taskID), taskGuideFileName)
	return fmt.Sprintf("다음 내용을 TASK 지침 파일 %s 에 반영해 주세요. 파일이 없으면 새로 만들고, 기존 지침과 충돌하면 새 내용을 우선합니다.\n\n%s", path, text)
}

func (d *Daemon) handleRename(ctx context.Context, st *ChatState, m telegram.Message, alias string) {
	d.consume(ctx, m)
	st.resetUI()
	if d.aliases == nil {
		d.reply(ctx, st.ChatID, "봇 이름을 변경할 수 없습니다.", telegram.SendOptions{Keyboard: mainKeyboard})
		return
	}
	if err := d.aliases.SetAlias(ctx, d.settings.BotID, alias); err != nil {
		d.logger.Warn().Err(err).Str("alias", alias).Msg("Bot alias update failed")
		d.reply(ctx, st.ChatID, "봇 이름 변경에 실패했습니다.", telegram.SendOptions{Keyboard: mainKeyboard})
		return
	}
	d.reply(ctx, st.ChatID, fmt.Sprintf("봇 이름을 '%s'(으)로 변경했습니다.", alias), telegram.SendOptions{Keyboard: mainKeyboard})
}
