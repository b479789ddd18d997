package taskstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTaskID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  ", ""},
		{"thread_3F2504E0-4F89-11D3-9A0C-0305E82C3301", "thread_3f2504e0-4f89-11d3-9a0c-0305e82c3301"},
		{"THREAD_3f2504e0-4f89-11d3-9a0c-0305e82c3301", "thread_3f2504e0-4f89-11d3-9a0c-0305e82c3301"},
		{"3f2504e0-4f89-11d3-9a0c-0305e82c3301", "thread_3f2504e0-4f89-11d3-9a0c-0305e82c3301"},
		{"msg_00101", "msg_101"},
		{"MSG_7", "msg_7"},
		{"101", "msg_101"},
		{"000", "msg_0"},
		{"thread_custom", "thread_custom"},
		{"something-else", "something-else"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTaskID(tt.in))
		})
	}
}

func TestNormalizeTaskIDIdempotent(t *testing.T) {
	inputs := []string{
		"", "x", "msg_", "thread_", "msg_0042", "42", "Thread_ABC",
		"{3f2504e0-4f89-11d3-9a0c-0305e82c3301}",
		"urn:uuid:3f2504e0-4f89-11d3-9a0c-0305e82c3301",
		"thread_{3F2504E0-4F89-11D3-9A0C-0305E82C3301}",
		" msg_abc ", "MSG_Abc", "한글", "thread_한글",
	}
	for _, in := range inputs {
		once := NormalizeTaskID(in)
		assert.Equal(t, once, NormalizeTaskID(once), "input %q", in)
	}
}

func TestTaskIDHelpers(t *testing.T) {
	id := ThreadTaskID("3F2504E0-4F89-11D3-9A0C-0305E82C3301")
	assert.Equal(t, "thread_3f2504e0-4f89-11d3-9a0c-0305e82c3301", id)
	assert.True(t, IsThreadTaskID(id))
	assert.False(t, IsLegacyTaskID(id))
	assert.Equal(t, "3f2504e0-4f89-11d3-9a0c-0305e82c3301", ThreadIDFromTaskID(id))

	assert.Equal(t, "msg_9", LegacyTaskID(9))
	assert.True(t, IsLegacyTaskID("msg_9"))
	assert.Equal(t, "", ThreadIDFromTaskID("msg_9"))
}

func TestMergeSourceMessageIDs(t *testing.T) {
	a := []int64{5, 3, 3, -1, 0}
	b := []int64{4, 5, 10}

	ab := MergeSourceMessageIDs(a, b)
	assert.Equal(t, []int64{3, 4, 5, 10}, ab)
	assert.Equal(t, ab, MergeSourceMessageIDs(b, a))
	assert.Equal(t, ab, MergeSourceMessageIDs(ab, ab))
	assert.Equal(t, ab, MergeSourceMessageIDs(ab, nil))
	assert.Empty(t, MergeSourceMessageIDs(nil, nil))
}
