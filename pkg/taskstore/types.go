// Package taskstore persists the per-chat task index and the task folders
// that back every app-server thread.
package taskstore

import (
	"sort"
	"strconv"
)

// TimestampLayout is used for every timestamp in the index and memo files.
const TimestampLayout = "2006-01-02 15:04:05"

// TitleState tells whether a task's display title may still change.
type TitleState string

const (
	TitleProvisional TitleState = "provisional"
	TitleFinal       TitleState = "final"
)

const (
	indexFileName     = "index.json"
	legacyMapFileName = "legacy_task_thread_map.json"
	memoFileName      = "INSTRUNCTION.md"
	infoFileName      = "task_info.txt"
	metaFileName      = "task_meta.json"
	relatedFileName   = "related_tasks.json"
	redirectFileName  = "MIGRATED_TO_THREAD.txt"

	maxChangeNotes     = 20
	maxRelatedOnInit   = 3
	defaultMinScore    = 0.08
	maxMemoInstruction = 1200
)

// CodexSession is the app-server snapshot attached to a task.
type CodexSession struct {
	ThreadID      string `json:"thread_id"`
	Model         string `json:"model,omitempty"`
	AppGeneration int    `json:"app_generation,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

// Entry is one row of index.json.
type Entry struct {
	TaskID           string       `json:"task_id"`
	ThreadID         string       `json:"thread_id"`
	ChatID           int64        `json:"chat_id"`
	Instruction      string       `json:"instruction"`
	SourceMessageIDs []int64      `json:"source_message_ids"`
	LatestMessageID  int64        `json:"latest_message_id"`
	Timestamp        string       `json:"timestamp"`
	CreatedAt        string       `json:"created_at,omitempty"`
	Keywords         []string     `json:"keywords"`
	ResultSummary    string       `json:"result_summary"`
	Files            []string     `json:"files"`
	RelatedTaskIDs   []string     `json:"related_task_ids"`
	CodexSession     CodexSession `json:"codex_session"`
	DisplayTitle     string       `json:"display_title"`
	DisplaySubtitle  string       `json:"display_subtitle"`
	TitleState       TitleState   `json:"title_state"`
	ChangeCount      int          `json:"change_count"`
	WorkSignalCount  int          `json:"work_signal_count"`
	CompletionSeen   bool         `json:"completion_seen,omitempty"`
}

// Index is the content of index.json.
type Index struct {
	LastUpdated string  `json:"last_updated"`
	Tasks       []Entry `json:"tasks"`
}

func (idx *Index) find(taskID string) int {
	for i := range idx.Tasks {
		if idx.Tasks[i].TaskID == taskID {
			return i
		}
	}
	return -1
}

// less orders entries by timestamp desc, latest_message_id desc, task_id asc.
func less(a, b Entry) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	if a.LatestMessageID != b.LatestMessageID {
		return a.LatestMessageID > b.LatestMessageID
	}
	return a.TaskID < b.TaskID
}

func (idx *Index) sort() {
	sort.SliceStable(idx.Tasks, func(i, j int) bool { return less(idx.Tasks[i], idx.Tasks[j]) })
}

// ChangeNote is one entry of a task's change ring buffer.
type ChangeNote struct {
	At            string   `json:"at"`
	Note          string   `json:"note"`
	ResultSummary string   `json:"result_summary,omitempty"`
	Files         []string `json:"files,omitempty"`
	MessageIDs    []int64  `json:"message_ids,omitempty"`
}

// Meta is the content of task_meta.json.
type Meta struct {
	Entry
	Changes []ChangeNote `json:"changes"`
}

// Match is one ranked search hit.
type Match struct {
	TaskID      string  `json:"task_id"`
	ThreadID    string  `json:"thread_id"`
	Title       string  `json:"title"`
	Instruction string  `json:"instruction"`
	Timestamp   string  `json:"timestamp"`
	Score       float64 `json:"score"`
}

// Session is what InitTaskSession hands back to the orchestrator.
type Session struct {
	TaskDir      string
	TaskID       string
	ThreadID     string
	MemoPath     string
	Created      bool
	RelatedTasks []Match
}

// InitRequest describes a task being opened for a turn.
type InitRequest struct {
	ChatID           int64
	TaskID           string
	ThreadID         string
	Instruction      string
	MessageID        int64
	SourceMessageIDs []int64
	Timestamp        string
	CodexSession     *CodexSession
}

// ChangeRequest describes one change to record on a task.
type ChangeRequest struct {
	ChatID           int64
	TaskID           string
	Note             string
	ResultSummary    string
	SentFiles        []string
	SourceMessageIDs []int64
	Timestamp        string
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
