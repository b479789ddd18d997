package taskstore

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	titleMaxRunes    = 40
	subtitleMaxRunes = 60
)

var (
	completionKeywords = []string{"완료", "done", "completed", "finished"}

	workSignalKeywords = []string{
		"수정", "추가", "구현", "생성", "작성", "삭제", "변경", "정리", "파일", "분석", "요약",
		"fix", "add", "implement", "update", "create", "refactor", "write", "remove",
		"test", "build", "file", "summar", "analy",
	}

	noisePhrases = []string{
		"network", "retry", "retrying", "재시도", "전송 실패", "send failed",
		"timeout", "timed out", "connection", "네트워크", "연결",
	}
)

func containsAny(s string, words []string) bool {
	lower := strings.ToLower(s)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func isNoise(s string) bool {
	return containsAny(s, noisePhrases)
}

func hasWorkSignal(note string) bool {
	return containsAny(note, workSignalKeywords) && !isNoise(note)
}

func hasCompletionKeyword(note string) bool {
	return containsAny(note, completionKeywords)
}

// compactText collapses whitespace and truncates to max runes.
func compactText(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 1 {
		return string(runes[:max])
	}
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}

func titleFrom(instruction string) string {
	return compactText(firstLine(instruction), titleMaxRunes)
}

func sentences(s string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if t := strings.TrimSpace(b.String()); t != "" {
			out = append(out, t)
		}
		b.Reset()
	}
	for _, r := range s {
		if r == '\n' {
			flush()
			continue
		}
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '。' {
			flush()
		}
	}
	flush()
	return out
}

func meaningful(s string) bool {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n >= 2
}

// subtitleFrom prefers a work-meaningful sentence from the result, then the
// latest change note, then the instruction.
func subtitleFrom(result, note, instruction string) string {
	var fallback string
	for _, source := range []string{result, note, instruction} {
		for _, sentence := range sentences(source) {
			if !meaningful(sentence) {
				continue
			}
			if fallback == "" {
				fallback = sentence
			}
			if !isNoise(sentence) {
				return compactText(sentence, subtitleMaxRunes)
			}
		}
	}
	return compactText(fallback, subtitleMaxRunes)
}

// applyChange folds one change note into the entry's counters and display fields.
func applyChange(e *Entry, note string) {
	if strings.TrimSpace(note) != "" {
		e.ChangeCount++
		if hasWorkSignal(note) {
			e.WorkSignalCount++
		}
		if hasCompletionKeyword(note) {
			e.CompletionSeen = true
		}
	}
	refreshDisplay(e, note)
}

func refreshDisplay(e *Entry, note string) {
	if e.TitleState != TitleFinal {
		if title := titleFrom(e.Instruction); title != "" {
			e.DisplayTitle = title
		}
		if e.CompletionSeen || e.WorkSignalCount >= 2 || e.ChangeCount >= 4 {
			e.TitleState = TitleFinal
		} else {
			e.TitleState = TitleProvisional
		}
	}
	e.DisplaySubtitle = subtitleFrom(e.ResultSummary, note, e.Instruction)
}
