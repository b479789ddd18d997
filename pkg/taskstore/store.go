package taskstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sonolbot/pkg/fsutil"
)

var (
	// ErrInvalidTaskID is returned for an empty or unusable task id.
	ErrInvalidTaskID = errors.New("invalid task id")
	// ErrTaskNotFound is returned when a task is not in the index.
	ErrTaskNotFound = errors.New("task not found")
)

// Options configures a Store.
type Options struct {
	PartitionByChat bool
	Logger          zerolog.Logger
	Now             func() time.Time
}

// Store reads and writes the task tree rooted at one tasks directory.
// A single worker process owns each tree.
type Store struct {
	root            string
	partitionByChat bool
	logger          zerolog.Logger
	now             func() time.Time
	mu              sync.Mutex
}

// New creates a store rooted at root.
func New(root string, opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		root:            root,
		partitionByChat: opts.PartitionByChat,
		logger:          opts.Logger.With().Str("component", "taskstore").Logger(),
		now:             now,
	}
}

// Root returns the tasks directory.
func (s *Store) Root() string {
	return s.root
}

// ChatDir is tasks/chat_<id> when partitioned, the root otherwise.
func (s *Store) ChatDir(chatID int64) string {
	if !s.partitionByChat {
		return s.root
	}
	return filepath.Join(s.root, "chat_"+formatInt(chatID))
}

// TaskDir returns the folder of taskID.
func (s *Store) TaskDir(chatID int64, taskID string) string {
	return filepath.Join(s.ChatDir(chatID), NormalizeTaskID(taskID))
}

// MemoPath returns the INSTRUNCTION.md path of taskID.
func (s *Store) MemoPath(chatID int64, taskID string) string {
	return filepath.Join(s.TaskDir(chatID, taskID), memoFileName)
}

func (s *Store) indexPath(chatID int64) string {
	return filepath.Join(s.ChatDir(chatID), indexFileName)
}

func (s *Store) timestamp(ts string) string {
	if strings.TrimSpace(ts) != "" {
		return strings.TrimSpace(ts)
	}
	return s.now().Format(TimestampLayout)
}

// LoadIndex reads the chat's index; a missing or blank file yields an empty index.
func (s *Store) LoadIndex(chatID int64) (*Index, error) {
	idx := &Index{}
	if _, err := fsutil.ReadJSON(s.indexPath(chatID), idx); err != nil {
		return &Index{}, err
	}
	if idx.Tasks == nil {
		idx.Tasks = []Entry{}
	}
	return idx, nil
}

func (s *Store) saveIndex(chatID int64, idx *Index) error {
	idx.sort()
	idx.LastUpdated = s.now().Format(TimestampLayout)
	return fsutil.WriteJSONAtomic(s.indexPath(chatID), idx)
}

// Lookup returns the index row for taskID.
func (s *Store) Lookup(chatID int64, taskID string) (Entry, bool) {
	idx, err := s.LoadIndex(chatID)
	if err != nil {
		return Entry{}, false
	}
	if i := idx.find(NormalizeTaskID(taskID)); i >= 0 {
		return idx.Tasks[i], true
	}
	return Entry{}, false
}

// LookupByThread returns the index row bound to threadID.
func (s *Store) LookupByThread(chatID int64, threadID string) (Entry, bool) {
	return s.Lookup(chatID, ThreadTaskID(threadID))
}

// RecentTasks returns up to limit rows in index order.
func (s *Store) RecentTasks(chatID int64, limit int) []Entry {
	idx, err := s.LoadIndex(chatID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Task index unreadable")
		return nil
	}
	idx.sort()
	if limit > 0 && len(idx.Tasks) > limit {
		return idx.Tasks[:limit]
	}
	return idx.Tasks
}

// InitTaskSession creates or refreshes the task folder and index row for a
// turn. Calling it twice with the same request leaves one identical row.
func (s *Store) InitTaskSession(req InitRequest) (*Session, error) {
	taskID := NormalizeTaskID(req.TaskID)
	if taskID == "" && req.ThreadID != "" {
		taskID = ThreadTaskID(req.ThreadID)
	}
	if taskID == "" {
		return nil, ErrInvalidTaskID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.timestamp(req.Timestamp)
	idx, err := s.LoadIndex(req.ChatID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", req.ChatID).Msg("Rebuilding unreadable task index")
	}

	taskDir := s.TaskDir(req.ChatID, taskID)
	created := false
	if _, statErr := os.Stat(taskDir); errors.Is(statErr, os.ErrNotExist) {
		created = true
	}
	if err := fsutil.EnsureDir(taskDir); err != nil {
		return nil, err
	}

	pos := idx.find(taskID)
	var entry Entry
	if pos >= 0 {
		entry = idx.Tasks[pos]
	} else {
		entry = Entry{
			TaskID:     taskID,
			ChatID:     req.ChatID,
			CreatedAt:  ts,
			TitleState: TitleProvisional,
		}
	}

	if entry.ThreadID == "" {
		entry.ThreadID = strings.TrimSpace(req.ThreadID)
		if entry.ThreadID == "" {
			entry.ThreadID = ThreadIDFromTaskID(taskID)
		}
	}
	ids := MergeSourceMessageIDs(req.SourceMessageIDs, []int64{req.MessageID})
	entry.SourceMessageIDs = MergeSourceMessageIDs(entry.SourceMessageIDs, ids)
	entry.LatestMessageID = maxID(entry.SourceMessageIDs)
	if instr := strings.TrimSpace(req.Instruction); instr != "" && req.MessageID >= entry.LatestMessageID {
		entry.Instruction = instr
	}
	entry.Timestamp = ts
	entry.Keywords = extractKeywords(entry.Instruction, entry.ResultSummary)
	if req.CodexSession != nil {
		entry.CodexSession = *req.CodexSession
		if entry.CodexSession.ThreadID == "" {
			entry.CodexSession.ThreadID = entry.ThreadID
		}
	} else if entry.CodexSession.ThreadID == "" {
		entry.CodexSession.ThreadID = entry.ThreadID
	}
	if entry.Files == nil {
		entry.Files = []string{}
	}
	refreshDisplay(&entry, "")

	related := rankEntries(idx.Tasks, entry.Instruction, maxRelatedOnInit, defaultMinScore, s.now(), taskID)
	entry.RelatedTaskIDs = relatedIDs(related)

	if pos >= 0 {
		idx.Tasks[pos] = entry
	} else {
		idx.Tasks = append(idx.Tasks, entry)
	}
	if err := s.saveIndex(req.ChatID, idx); err != nil {
		return nil, err
	}

	meta := s.loadMeta(taskDir)
	meta.Entry = entry
	if err := s.writeTaskFiles(taskDir, meta, related); err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("Task memo write failed")
	}

	return &Session{
		TaskDir:      taskDir,
		TaskID:       taskID,
		ThreadID:     entry.ThreadID,
		MemoPath:     filepath.Join(taskDir, memoFileName),
		Created:      created,
		RelatedTasks: related,
	}, nil
}

// RecordTaskChange appends a change note and refreshes the task's files and
// index row.
func (s *Store) RecordTaskChange(req ChangeRequest) error {
	taskID := NormalizeTaskID(req.TaskID)
	if taskID == "" {
		return ErrInvalidTaskID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.LoadIndex(req.ChatID)
	if err != nil {
		return err
	}
	pos := idx.find(taskID)
	if pos < 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	entry := idx.Tasks[pos]
	ts := s.timestamp(req.Timestamp)

	if summary := strings.TrimSpace(req.ResultSummary); summary != "" {
		entry.ResultSummary = compactText(summary, 600)
	}
	entry.Files = mergeStrings(entry.Files, req.SentFiles)
	entry.SourceMessageIDs = MergeSourceMessageIDs(entry.SourceMessageIDs, req.SourceMessageIDs)
	entry.LatestMessageID = maxID(entry.SourceMessageIDs)
	entry.Timestamp = ts
	entry.Keywords = extractKeywords(entry.Instruction, entry.ResultSummary)
	note := compactText(req.Note, 400)
	applyChange(&entry, note)
	idx.Tasks[pos] = entry

	if err := s.saveIndex(req.ChatID, idx); err != nil {
		return err
	}

	taskDir := s.TaskDir(req.ChatID, taskID)
	meta := s.loadMeta(taskDir)
	meta.Entry = entry
	if note != "" {
		meta.Changes = append(meta.Changes, ChangeNote{
			At:            ts,
			Note:          note,
			ResultSummary: compactText(req.ResultSummary, 200),
			Files:         req.SentFiles,
			MessageIDs:    MergeSourceMessageIDs(req.SourceMessageIDs, nil),
		})
		if len(meta.Changes) > maxChangeNotes {
			meta.Changes = meta.Changes[len(meta.Changes)-maxChangeNotes:]
		}
	}
	related := s.relatedMatches(idx, entry)
	if err := s.writeTaskFiles(taskDir, meta, related); err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("Task memo write failed")
	}
	return nil
}

// ChangeNotes returns the ring buffer of taskID.
func (s *Store) ChangeNotes(chatID int64, taskID string) []ChangeNote {
	return s.loadMeta(s.TaskDir(chatID, taskID)).Changes
}

func (s *Store) loadMeta(taskDir string) *Meta {
	meta := &Meta{}
	if _, err := fsutil.ReadJSON(filepath.Join(taskDir, metaFileName), meta); err != nil {
		s.logger.Warn().Err(err).Str("task_dir", taskDir).Msg("Ignoring unreadable task meta")
		meta = &Meta{}
	}
	return meta
}

func (s *Store) relatedMatches(idx *Index, entry Entry) []Match {
	var out []Match
	for _, id := range entry.RelatedTaskIDs {
		if i := idx.find(id); i >= 0 {
			out = append(out, matchOf(idx.Tasks[i], 0))
		}
	}
	return out
}

func relatedIDs(matches []Match) []string {
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.TaskID)
	}
	return ids
}
