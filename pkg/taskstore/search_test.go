package taskstore

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTasks(t *testing.T, store *Store) {
	t.Helper()
	rows := []struct {
		thread string
		text   string
		msg    int64
		ts     string
	}{
		{"aaaaaaaa-0000-0000-0000-000000000001", "build the invoice parser for pdf files", 10, "2026-02-27 10:00:00"},
		{"aaaaaaaa-0000-0000-0000-000000000002", "write blog post about gardening", 20, "2026-02-28 10:00:00"},
		{"aaaaaaaa-0000-0000-0000-000000000003", "fix invoice totals rounding", 30, "2026-03-01 10:00:00"},
	}
	for _, r := range rows {
		_, err := store.InitTaskSession(InitRequest{ChatID: 7, ThreadID: r.thread, Instruction: r.text, MessageID: r.msg, Timestamp: r.ts})
		require.NoError(t, err)
	}
}

func TestFindRelevantTasks(t *testing.T) {
	store := newTestStore(t)
	seedTasks(t, store)

	matches := store.FindRelevantTasks(7, "invoice parser", 5, 0)
	require.NotEmpty(t, matches)
	assert.Equal(t, ThreadTaskID("aaaaaaaa-0000-0000-0000-000000000001"), matches[0].TaskID)
	for _, m := range matches {
		assert.NotContains(t, m.Instruction, "gardening")
	}

	assert.Empty(t, store.FindRelevantTasks(7, "", 5, 0))
	assert.Empty(t, store.FindRelevantTasks(7, "quantum", 5, 0))
	assert.Len(t, store.FindRelevantTasks(7, "invoice", 1, 0), 1)
}

func TestInitAttachesRelatedTasks(t *testing.T) {
	store := newTestStore(t)
	seedTasks(t, store)

	sess, err := store.InitTaskSession(InitRequest{
		ChatID: 7, ThreadID: "aaaaaaaa-0000-0000-0000-000000000009",
		Instruction: "invoice parser handles totals", MessageID: 40, Timestamp: "2026-03-01 11:00:00",
	})
	require.NoError(t, err)
	require.NotEmpty(t, sess.RelatedTasks)
	assert.LessOrEqual(t, len(sess.RelatedTasks), maxRelatedOnInit)
	for _, m := range sess.RelatedTasks {
		assert.NotEqual(t, sess.TaskID, m.TaskID)
	}

	entry, ok := store.Lookup(7, sess.TaskID)
	require.True(t, ok)
	assert.Equal(t, relatedIDs(sess.RelatedTasks), entry.RelatedTaskIDs)
}

func TestBuildCompactMemoryPacket(t *testing.T) {
	store := newTestStore(t)
	seedTasks(t, store)

	packet := store.BuildCompactMemoryPacket(7, "invoice", 3, 5000)
	assert.True(t, strings.HasPrefix(packet, "[related task memory]"))
	assert.Contains(t, packet, "invoice")
	assert.LessOrEqual(t, utf8.RuneCountInString(packet), 1024)

	short := store.BuildCompactMemoryPacket(7, "invoice", 3, 40)
	assert.LessOrEqual(t, utf8.RuneCountInString(short), 40)

	assert.Empty(t, store.BuildCompactMemoryPacket(7, "nothing matches here", 3, 500))
}

func TestBuildCarryOverSummary(t *testing.T) {
	store := newTestStore(t)
	assert.Empty(t, store.BuildCarryOverSummary(7, 3, 500))

	seedTasks(t, store)
	summary := store.BuildCarryOverSummary(7, 2, 500)
	assert.True(t, strings.HasPrefix(summary, "[carry-over from recent tasks]"))
	assert.Contains(t, summary, "fix invoice totals rounding")
	assert.NotContains(t, summary, "build the invoice parser")
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"invoice", "parser", "pdf"}, tokenize("the Invoice-parser, for a PDF!"))
	assert.Equal(t, []string{"보고서", "작성"}, tokenize("보고서 작성 해줘"))
}
