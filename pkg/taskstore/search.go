package taskstore

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const maxKeywords = 12

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "this": true, "that": true,
	"please": true, "from": true, "into": true, "are": true, "was": true, "you": true,
	"해줘": true, "해주세요": true, "그리고": true, "이거": true, "좀": true,
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func tokenSet(parts ...string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, p := range parts {
		for _, t := range tokenize(p) {
			set[t] = struct{}{}
		}
	}
	return set
}

// extractKeywords returns up to maxKeywords tokens ordered by frequency,
// then first occurrence.
func extractKeywords(texts ...string) []string {
	counts := make(map[string]int)
	var order []string
	for _, text := range texts {
		for _, t := range tokenize(text) {
			if counts[t] == 0 {
				order = append(order, t)
			}
			counts[t]++
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > maxKeywords {
		order = order[:maxKeywords]
	}
	return order
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func recency(ts string, now time.Time) float64 {
	t, err := time.ParseInLocation(TimestampLayout, ts, now.Location())
	if err != nil {
		return 0
	}
	days := now.Sub(t).Hours() / 24
	if days < 0 {
		days = 0
	}
	return 1 / (1 + days/7)
}

func scoreEntry(query map[string]struct{}, e Entry, now time.Time) float64 {
	doc := tokenSet(e.DisplayTitle, strings.Join(e.Keywords, " "))
	j := jaccard(query, doc)
	if j == 0 {
		return 0
	}
	return math.Round((0.8*j+0.2*recency(e.Timestamp, now))*10000) / 10000
}

func rankEntries(entries []Entry, query string, limit int, minScore float64, now time.Time, exclude string) []Match {
	if limit <= 0 {
		limit = 5
	}
	q := tokenSet(query)
	if len(q) == 0 {
		return nil
	}
	var matches []Match
	for _, e := range entries {
		if e.TaskID == exclude {
			continue
		}
		score := scoreEntry(q, e, now)
		if score <= 0 || score < minScore {
			continue
		}
		matches = append(matches, matchOf(e, score))
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Timestamp != matches[j].Timestamp {
			return matches[i].Timestamp > matches[j].Timestamp
		}
		return matches[i].TaskID < matches[j].TaskID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func matchOf(e Entry, score float64) Match {
	title := e.DisplayTitle
	if title == "" {
		title = titleFrom(e.Instruction)
	}
	return Match{
		TaskID:      e.TaskID,
		ThreadID:    e.ThreadID,
		Title:       title,
		Instruction: compactText(e.Instruction, 200),
		Timestamp:   e.Timestamp,
		Score:       score,
	}
}

// FindRelevantTasks ranks the chat's tasks against query by token overlap
// and recency.
func (s *Store) FindRelevantTasks(chatID int64, query string, limit int, minScore float64) []Match {
	idx, err := s.LoadIndex(chatID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Task index unreadable for search")
		return nil
	}
	return rankEntries(idx.Tasks, query, limit, minScore, s.now(), "")
}

// BuildCompactMemoryPacket renders the top related tasks as a short prompt
// fragment of at most maxChars runes.
func (s *Store) BuildCompactMemoryPacket(chatID int64, query string, limit, maxChars int) string {
	if maxChars <= 0 || maxChars > 1024 {
		maxChars = 1024
	}
	matches := s.FindRelevantTasks(chatID, query, limit, defaultMinScore)
	if len(matches) == 0 {
		return ""
	}
	idx, _ := s.LoadIndex(chatID)

	var b strings.Builder
	b.WriteString("[related task memory]\n")
	for _, m := range matches {
		line := fmt.Sprintf("- %s | %s", m.TaskID, m.Title)
		if idx != nil {
			if i := idx.find(m.TaskID); i >= 0 && idx.Tasks[i].ResultSummary != "" {
				line += " | result: " + compactText(idx.Tasks[i].ResultSummary, 120)
			}
		}
		b.WriteString(line + "\n")
	}
	return compactBlock(b.String(), maxChars)
}

// BuildCarryOverSummary lists the chat's most recent tasks for a fresh thread.
func (s *Store) BuildCarryOverSummary(chatID int64, limit, maxChars int) string {
	if maxChars <= 0 || maxChars > 1024 {
		maxChars = 1024
	}
	recent := s.RecentTasks(chatID, limit)
	if len(recent) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[carry-over from recent tasks]\n")
	for _, e := range recent {
		line := "- " + e.DisplayTitle
		if e.DisplaySubtitle != "" && e.DisplaySubtitle != e.DisplayTitle {
			line += ": " + e.DisplaySubtitle
		}
		b.WriteString(line + "\n")
	}
	return compactBlock(b.String(), maxChars)
}

// compactBlock truncates a multi-line block on a line boundary where possible.
func compactBlock(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
		return strings.TrimRight(s, "\n")
	}
	var b strings.Builder
	n := 0
	for _, line := range strings.SplitAfter(s, "\n") {
		c := utf8.RuneCountInString(line)
		if n+c > maxChars {
			break
		}
		b.WriteString(line)
		n += c
	}
	if b.Len() == 0 {
		return compactText(s, maxChars)
	}
	return strings.TrimRight(b.String(), "\n")
}
