package taskstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/sonolbot/pkg/fsutil"
)

// LegacyMapPath returns the legacy_task_thread_map.json path of a chat.
func (s *Store) LegacyMapPath(chatID int64) string {
	return filepath.Join(s.ChatDir(chatID), legacyMapFileName)
}

// RecordLegacyMapping remembers that legacy task msgTaskID belongs to threadID.
func (s *Store) RecordLegacyMapping(chatID int64, msgTaskID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mapping, err := s.loadLegacyMap(chatID)
	if err != nil {
		return err
	}
	mapping[NormalizeTaskID(msgTaskID)] = strings.TrimSpace(threadID)
	return fsutil.WriteJSONAtomic(s.LegacyMapPath(chatID), mapping)
}

func (s *Store) loadLegacyMap(chatID int64) (map[string]string, error) {
	raw := map[string]string{}
	if _, err := fsutil.ReadJSON(s.LegacyMapPath(chatID), &raw); err != nil {
		return nil, err
	}
	mapping := make(map[string]string, len(raw))
	for k, v := range raw {
		if v = strings.TrimSpace(v); v != "" {
			mapping[NormalizeTaskID(k)] = v
		}
	}
	return mapping, nil
}

// MigrateLegacy promotes msg_<N> rows to thread_<uuid> rows wherever a thread
// is known from the row itself or from the legacy map. Colliding rows are
// merged, the newer one winning. Each moved folder leaves a
// MIGRATED_TO_THREAD.txt redirect behind. It returns the number of rows
// migrated.
func (s *Store) MigrateLegacy(chatID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.LoadIndex(chatID)
	if err != nil {
		return 0, err
	}
	mapping, err := s.loadLegacyMap(chatID)
	if err != nil {
		return 0, err
	}

	renamed := map[string]string{}
	var kept []Entry
	byID := map[string]int{}

	for _, e := range idx.Tasks {
		e.TaskID = NormalizeTaskID(e.TaskID)
		if IsLegacyTaskID(e.TaskID) {
			threadID := strings.TrimSpace(e.ThreadID)
			if threadID == "" {
				threadID = mapping[e.TaskID]
			}
			if threadID != "" {
				newID := ThreadTaskID(threadID)
				renamed[e.TaskID] = newID
				e.TaskID = newID
				e.ThreadID = ThreadIDFromTaskID(newID)
				if e.CodexSession.ThreadID == "" {
					e.CodexSession.ThreadID = e.ThreadID
				}
			}
		}

		if pos, ok := byID[e.TaskID]; ok {
			kept[pos] = mergeEntries(kept[pos], e)
			continue
		}
		byID[e.TaskID] = len(kept)
		kept = append(kept, e)
	}

	if len(renamed) == 0 {
		return 0, nil
	}

	for i := range kept {
		kept[i].RelatedTaskIDs = remapIDs(kept[i].RelatedTaskIDs, renamed, kept[i].TaskID)
	}
	idx.Tasks = kept
	if err := s.saveIndex(chatID, idx); err != nil {
		return 0, err
	}

	for oldID, newID := range renamed {
		if err := s.moveTaskDir(chatID, oldID, newID); err != nil {
			s.logger.Warn().Err(err).Str("from", oldID).Str("to", newID).Msg("Legacy task folder move failed")
		}
	}

	s.logger.Info().Int64("chat_id", chatID).Int("migrated", len(renamed)).Msg("Migrated legacy tasks")
	return len(renamed), nil
}

// mergeEntries merges two rows for the same task; the newer row by sort key
// is the base and keeps its scalar fields.
func mergeEntries(a, b Entry) Entry {
	newer, older := a, b
	if less(b, a) {
		newer, older = b, a
	}
	out := newer
	out.SourceMessageIDs = MergeSourceMessageIDs(a.SourceMessageIDs, b.SourceMessageIDs)
	out.LatestMessageID = maxID(out.SourceMessageIDs)
	out.RelatedTaskIDs = mergeStrings(newer.RelatedTaskIDs, older.RelatedTaskIDs)
	out.Files = mergeStrings(newer.Files, older.Files)
	if out.Instruction == "" {
		out.Instruction = older.Instruction
	}
	if out.ResultSummary == "" {
		out.ResultSummary = older.ResultSummary
	}
	if older.TitleState == TitleFinal && out.TitleState != TitleFinal {
		out.DisplayTitle = older.DisplayTitle
		out.TitleState = TitleFinal
	}
	if older.CreatedAt != "" && (out.CreatedAt == "" || older.CreatedAt < out.CreatedAt) {
		out.CreatedAt = older.CreatedAt
	}
	out.ChangeCount = a.ChangeCount + b.ChangeCount
	out.WorkSignalCount = a.WorkSignalCount + b.WorkSignalCount
	out.CompletionSeen = a.CompletionSeen || b.CompletionSeen
	return out
}

func remapIDs(ids []string, renamed map[string]string, self string) []string {
	out := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		id = NormalizeTaskID(id)
		if n, ok := renamed[id]; ok {
			id = n
		}
		if id == "" || id == self || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (s *Store) moveTaskDir(chatID int64, oldID, newID string) error {
	oldDir := s.TaskDir(chatID, oldID)
	newDir := s.TaskDir(chatID, newID)

	info, err := os.Stat(oldDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", oldDir)
	}
	if _, err := os.Stat(filepath.Join(oldDir, redirectFileName)); err == nil {
		return nil
	}

	if _, err := os.Stat(newDir); errors.Is(err, os.ErrNotExist) {
		if err := os.Rename(oldDir, newDir); err != nil {
			return err
		}
		if err := fsutil.EnsureDir(oldDir); err != nil {
			return err
		}
	}

	stub := strings.Join([]string{
		"migrated_to=" + newID,
		"thread_id=" + ThreadIDFromTaskID(newID),
		"task_dir=" + newDir,
		"migrated_at=" + s.now().Format(TimestampLayout),
	}, "\n") + "\n"
	return fsutil.WriteTextAtomic(filepath.Join(oldDir, redirectFileName), stub)
}

// ResolveRedirect follows a MIGRATED_TO_THREAD.txt stub, returning the
// thread task id a legacy id moved to.
func (s *Store) ResolveRedirect(chatID int64, taskID string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.TaskDir(chatID, taskID), redirectFileName))
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "migrated_to="); ok && strings.TrimSpace(v) != "" {
			return NormalizeTaskID(v), true
		}
	}
	return "", false
}
