package taskstore

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harun/sonolbot/pkg/fsutil"
)

const memoRecentChanges = 8

func (s *Store) writeTaskFiles(taskDir string, meta *Meta, related []Match) error {
	if meta.Changes == nil {
		meta.Changes = []ChangeNote{}
	}
	if related == nil {
		related = []Match{}
	}
	if err := fsutil.WriteTextAtomic(filepath.Join(taskDir, memoFileName), renderMemo(meta, related)); err != nil {
		return err
	}
	if err := fsutil.WriteTextAtomic(filepath.Join(taskDir, infoFileName), renderInfo(meta)); err != nil {
		return err
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(taskDir, metaFileName), meta); err != nil {
		return err
	}
	return fsutil.WriteJSONAtomic(filepath.Join(taskDir, relatedFileName), related)
}

func renderMemo(meta *Meta, related []Match) string {
	var b strings.Builder
	e := meta.Entry

	fmt.Fprintf(&b, "# TASK %s\n\n", e.TaskID)
	fmt.Fprintf(&b, "- title: %s\n", e.DisplayTitle)
	if e.DisplaySubtitle != "" {
		fmt.Fprintf(&b, "- subtitle: %s\n", e.DisplaySubtitle)
	}
	fmt.Fprintf(&b, "- thread_id: %s\n", e.ThreadID)
	fmt.Fprintf(&b, "- chat_id: %d\n", e.ChatID)
	fmt.Fprintf(&b, "- updated_at: %s\n", e.Timestamp)
	fmt.Fprintf(&b, "- source_message_ids: %s\n", joinIDs(e.SourceMessageIDs))

	b.WriteString("\n## Instruction\n\n")
	b.WriteString(compactMultiline(e.Instruction, maxMemoInstruction))
	b.WriteString("\n")

	if e.ResultSummary != "" {
		b.WriteString("\n## Result\n\n")
		b.WriteString(e.ResultSummary)
		b.WriteString("\n")
	}

	if len(e.Files) > 0 {
		b.WriteString("\n## Files\n\n")
		for _, f := range e.Files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if len(meta.Changes) > 0 {
		b.WriteString("\n## Recent changes\n\n")
		changes := meta.Changes
		if len(changes) > memoRecentChanges {
			changes = changes[len(changes)-memoRecentChanges:]
		}
		for _, c := range changes {
			fmt.Fprintf(&b, "- [%s] %s\n", c.At, c.Note)
		}
	}

	if len(related) > 0 {
		b.WriteString("\n## Related tasks\n\n")
		for _, m := range related {
			fmt.Fprintf(&b, "- %s: %s\n", m.TaskID, m.Title)
		}
	}
	return b.String()
}

func renderInfo(meta *Meta) string {
	e := meta.Entry
	lines := []string{
		"task_id=" + e.TaskID,
		"thread_id=" + e.ThreadID,
		"chat_id=" + formatInt(e.ChatID),
		"created_at=" + e.CreatedAt,
		"updated_at=" + e.Timestamp,
		"latest_message_id=" + formatInt(e.LatestMessageID),
		"source_message_ids=" + joinIDs(e.SourceMessageIDs),
		"title_state=" + string(e.TitleState),
		"display_title=" + e.DisplayTitle,
		"change_count=" + fmt.Sprint(e.ChangeCount),
		"instruction=" + compactText(e.Instruction, 300),
	}
	return strings.Join(lines, "\n") + "\n"
}

func joinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, formatInt(id))
	}
	return strings.Join(parts, ",")
}

// compactMultiline keeps line breaks but drops blank runs and truncates.
func compactMultiline(s string, max int) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimRight(line, " \t\r"); strings.TrimSpace(t) != "" {
			lines = append(lines, t)
		}
	}
	out := strings.Join(lines, "\n")
	runes := []rune(out)
	if len(runes) > max {
		return string(runes[:max-1]) + "…"
	}
	return out
}
