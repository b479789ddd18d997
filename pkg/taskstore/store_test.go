package taskstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testThread = "11111111-2222-3333-4444-555555555555"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	return New(t.TempDir(), Options{
		PartitionByChat: true,
		Logger:          zerolog.Nop(),
		Now:             func() time.Time { return now },
	})
}

func TestInitTaskSessionCreatesLayout(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.InitTaskSession(InitRequest{
		ChatID:           7,
		ThreadID:         testThread,
		Instruction:      "summarize the AGENTS file",
		MessageID:        103,
		SourceMessageIDs: []int64{103},
		Timestamp:        "2026-03-01 12:00:00",
	})
	require.NoError(t, err)

	assert.True(t, sess.Created)
	assert.Equal(t, "thread_"+testThread, sess.TaskID)
	assert.Equal(t, filepath.Join(store.Root(), "chat_7", "thread_"+testThread), sess.TaskDir)

	for _, name := range []string{memoFileName, infoFileName, metaFileName, relatedFileName} {
		_, err := os.Stat(filepath.Join(sess.TaskDir, name))
		assert.NoError(t, err, name)
	}
	_, err = os.Stat(filepath.Join(store.Root(), "chat_7", indexFileName))
	require.NoError(t, err)

	memo, err := os.ReadFile(sess.MemoPath)
	require.NoError(t, err)
	assert.Contains(t, string(memo), "summarize the AGENTS file")

	entry, ok := store.Lookup(7, sess.TaskID)
	require.True(t, ok)
	assert.Equal(t, testThread, entry.ThreadID)
	assert.Equal(t, []int64{103}, entry.SourceMessageIDs)
	assert.Equal(t, int64(103), entry.LatestMessageID)
	assert.Equal(t, TitleProvisional, entry.TitleState)
	assert.Equal(t, "summarize the AGENTS file", entry.DisplayTitle)
}

func TestInitTaskSessionIdempotent(t *testing.T) {
	store := newTestStore(t)
	req := InitRequest{
		ChatID:           7,
		ThreadID:         testThread,
		Instruction:      "write release notes",
		MessageID:        110,
		SourceMessageIDs: []int64{109, 110},
		Timestamp:        "2026-03-01 12:00:00",
	}

	_, err := store.InitTaskSession(req)
	require.NoError(t, err)
	first, ok := store.Lookup(7, ThreadTaskID(testThread))
	require.True(t, ok)

	sess, err := store.InitTaskSession(req)
	require.NoError(t, err)
	assert.False(t, sess.Created)

	idx, err := store.LoadIndex(7)
	require.NoError(t, err)
	require.Len(t, idx.Tasks, 1)
	assert.Equal(t, first, idx.Tasks[0])
}

func TestInitTaskSessionRejectsEmptyID(t *testing.T) {
	_, err := newTestStore(t).InitTaskSession(InitRequest{ChatID: 1})
	assert.ErrorIs(t, err, ErrInvalidTaskID)
}

func TestUnpartitionedLayout(t *testing.T) {
	root := t.TempDir()
	store := New(root, Options{Logger: zerolog.Nop()})

	sess, err := store.InitTaskSession(InitRequest{ChatID: 7, ThreadID: testThread, Instruction: "x", MessageID: 1})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "thread_"+testThread), sess.TaskDir)
}

func TestRecordTaskChange(t *testing.T) {
	store := newTestStore(t)
	_, err := store.InitTaskSession(InitRequest{
		ChatID: 7, ThreadID: testThread, Instruction: "summarize the AGENTS file",
		MessageID: 103, Timestamp: "2026-03-01 12:00:00",
	})
	require.NoError(t, err)

	err = store.RecordTaskChange(ChangeRequest{
		ChatID:           7,
		TaskID:           ThreadTaskID(testThread),
		Note:             "최종 답변 전송: AGENTS summary",
		ResultSummary:    "AGENTS file summary. It lists three agents.",
		SentFiles:        []string{"results/summary.md"},
		SourceMessageIDs: []int64{103, 104},
		Timestamp:        "2026-03-01 12:05:00",
	})
	require.NoError(t, err)

	entry, ok := store.Lookup(7, ThreadTaskID(testThread))
	require.True(t, ok)
	assert.Equal(t, []int64{103, 104}, entry.SourceMessageIDs)
	assert.Equal(t, int64(104), entry.LatestMessageID)
	assert.Equal(t, []string{"results/summary.md"}, entry.Files)
	assert.Equal(t, "2026-03-01 12:05:00", entry.Timestamp)
	assert.Equal(t, 1, entry.ChangeCount)
	assert.Equal(t, "AGENTS file summary.", entry.DisplaySubtitle)

	notes := store.ChangeNotes(7, ThreadTaskID(testThread))
	require.Len(t, notes, 1)
	assert.True(t, strings.Contains(notes[0].Note, "최종 답변 전송"))

	err = store.RecordTaskChange(ChangeRequest{ChatID: 7, TaskID: "thread_missing", Note: "x"})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestChangeNoteRingBuffer(t *testing.T) {
	store := newTestStore(t)
	taskID := ThreadTaskID(testThread)
	_, err := store.InitTaskSession(InitRequest{ChatID: 7, ThreadID: testThread, Instruction: "loop", MessageID: 1})
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		require.NoError(t, store.RecordTaskChange(ChangeRequest{ChatID: 7, TaskID: taskID, Note: "note " + formatInt(int64(i))}))
	}

	notes := store.ChangeNotes(7, taskID)
	require.Len(t, notes, maxChangeNotes)
	assert.Equal(t, "note 5", notes[0].Note)
	assert.Equal(t, "note 24", notes[len(notes)-1].Note)
}

func TestIndexSortOrder(t *testing.T) {
	store := newTestStore(t)
	ids := []string{
		"aaaaaaaa-0000-0000-0000-000000000001",
		"aaaaaaaa-0000-0000-0000-000000000002",
		"aaaaaaaa-0000-0000-0000-000000000003",
	}
	_, err := store.InitTaskSession(InitRequest{ChatID: 1, ThreadID: ids[0], Instruction: "a", MessageID: 5, Timestamp: "2026-01-01 00:00:00"})
	require.NoError(t, err)
	_, err = store.InitTaskSession(InitRequest{ChatID: 1, ThreadID: ids[1], Instruction: "b", MessageID: 9, Timestamp: "2026-01-02 00:00:00"})
	require.NoError(t, err)
	_, err = store.InitTaskSession(InitRequest{ChatID: 1, ThreadID: ids[2], Instruction: "c", MessageID: 12, Timestamp: "2026-01-02 00:00:00"})
	require.NoError(t, err)

	recent := store.RecentTasks(1, 0)
	require.Len(t, recent, 3)
	assert.Equal(t, ThreadTaskID(ids[2]), recent[0].TaskID)
	assert.Equal(t, ThreadTaskID(ids[1]), recent[1].TaskID)
	assert.Equal(t, ThreadTaskID(ids[0]), recent[2].TaskID)

	assert.Len(t, store.RecentTasks(1, 2), 2)
}

func TestLoadIndexToleratesMissingAndBlank(t *testing.T) {
	store := newTestStore(t)

	idx, err := store.LoadIndex(99)
	require.NoError(t, err)
	assert.Empty(t, idx.Tasks)

	require.NoError(t, os.MkdirAll(store.ChatDir(99), 0o700))
	require.NoError(t, os.WriteFile(store.indexPath(99), []byte("  \n"), 0o600))
	idx, err = store.LoadIndex(99)
	require.NoError(t, err)
	assert.Empty(t, idx.Tasks)
}
