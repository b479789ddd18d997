package taskstore

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	threadPrefix = "thread_"
	msgPrefix    = "msg_"
)

// ThreadTaskID returns the task id for an app-server thread.
func ThreadTaskID(threadID string) string {
	return NormalizeTaskID(threadPrefix + strings.TrimSpace(threadID))
}

// LegacyTaskID returns the legacy task id for a Telegram message.
func LegacyTaskID(messageID int64) string {
	return NormalizeTaskID(msgPrefix + formatInt(messageID))
}

// NormalizeTaskID canonicalizes task ids: thread_<lower uuid>, msg_<int>.
// Bare UUIDs gain the thread_ prefix and bare integers the msg_ prefix.
// It is idempotent.
func NormalizeTaskID(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)

	switch {
	case strings.HasPrefix(lower, threadPrefix):
		return threadPrefix + normalizeThreadPart(s[len(threadPrefix):])
	case strings.HasPrefix(lower, msgPrefix):
		rest := s[len(msgPrefix):]
		if isDigits(rest) {
			return msgPrefix + stripZeros(rest)
		}
		return msgPrefix + strings.ToLower(rest)
	case isDigits(s):
		return msgPrefix + stripZeros(s)
	}

	if id, err := uuid.Parse(s); err == nil {
		return threadPrefix + id.String()
	}
	return s
}

// IsThreadTaskID reports whether id names a thread-backed task.
func IsThreadTaskID(id string) bool {
	return strings.HasPrefix(NormalizeTaskID(id), threadPrefix)
}

// IsLegacyTaskID reports whether id is a msg_<int> task.
func IsLegacyTaskID(id string) bool {
	n := NormalizeTaskID(id)
	return strings.HasPrefix(n, msgPrefix) && isDigits(n[len(msgPrefix):])
}

// ThreadIDFromTaskID strips the thread_ prefix.
func ThreadIDFromTaskID(id string) string {
	n := NormalizeTaskID(id)
	if !strings.HasPrefix(n, threadPrefix) {
		return ""
	}
	return n[len(threadPrefix):]
}

func normalizeThreadPart(part string) string {
	part = strings.TrimSpace(part)
	if id, err := uuid.Parse(part); err == nil {
		return id.String()
	}
	return strings.ToLower(part)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func stripZeros(s string) string {
	t := strings.TrimLeft(s, "0")
	if t == "" {
		return "0"
	}
	return t
}

// MergeSourceMessageIDs returns the sorted union of the positive ids in a and b.
func MergeSourceMessageIDs(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, list := range [][]int64{a, b} {
		for _, id := range list {
			if id <= 0 {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func mergeStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func maxID(ids []int64) int64 {
	var m int64
	for _, id := range ids {
		if id > m {
			m = id
		}
	}
	return m
}
