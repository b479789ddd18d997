package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sonolbot/pkg/taskstore"
)

const (
	resumeCandidateLimit = 5
	llmCandidatePool     = 20
	llmRankTimeout       = 40 * time.Second
	lexicalMinScore      = 0.01
)

// LexicalRanker ranks by token overlap and recency, falling back to the
// most recent tasks when nothing matches.
type LexicalRanker struct {
	Tasks *taskstore.Store
}

func (r LexicalRanker) Rank(_ context.Context, chatID int64, query string, limit int) []taskstore.Match {
	if limit <= 0 {
		limit = resumeCandidateLimit
	}
	if strings.TrimSpace(query) != "" {
		if matches := r.Tasks.FindRelevantTasks(chatID, query, limit, lexicalMinScore); len(matches) > 0 {
			return matches
		}
	}
	return recentMatches(r.Tasks, chatID, limit)
}

func recentMatches(tasks *taskstore.Store, chatID int64, limit int) []taskstore.Match {
	recent := tasks.RecentTasks(chatID, limit)
	out := make([]taskstore.Match, 0, len(recent))
	for _, e := range recent {
		out = append(out, taskstore.Match{
			TaskID:      e.TaskID,
			ThreadID:    e.ThreadID,
			Title:       e.DisplayTitle,
			Instruction: e.Instruction,
			Timestamp:   e.Timestamp,
		})
	}
	return out
}

// LLMRanker asks the app-server, through a one-shot turn, to order the
// chat's recent tasks. Any failure falls back to the lexical ranker.
type LLMRanker struct {
	App      AppServer
	Tasks    *taskstore.Store
	Fallback TaskRanker
	Timeout  time.Duration
	Logger   zerolog.Logger
}

func (r LLMRanker) Rank(ctx context.Context, chatID int64, query string, limit int) []taskstore.Match {
	if limit <= 0 {
		limit = resumeCandidateLimit
	}
	fallback := r.Fallback
	if fallback == nil {
		fallback = LexicalRanker{Tasks: r.Tasks}
	}
	pool := recentMatches(r.Tasks, chatID, llmCandidatePool)
	if len(pool) == 0 || strings.TrimSpace(query) == "" {
		return fallback.Rank(ctx, chatID, query, limit)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = llmRankTimeout
	}
	reply := r.App.RunOneShot(ctx, rankPrompt(query, pool), timeout)
	ranked := pickRanked(reply, pool, limit)
	if len(ranked) == 0 {
		r.Logger.Debug().Int64("chat_id", chatID).Msg("LLM task ranking unavailable; using lexical ranking")
		return fallback.Rank(ctx, chatID, query, limit)
	}
	return ranked
}

func rankPrompt(query string, pool []taskstore.Match) string {
	type candidate struct {
		TaskID      string `json:"task_id"`
		Title       string `json:"title"`
		Instruction string `json:"instruction"`
		Timestamp   string `json:"timestamp"`
	}
	list := make([]candidate, 0, len(pool))
	for _, m := range pool {
		list = append(list, candidate{TaskID: m.TaskID, Title: m.Title, Instruction: truncateRunes(m.Instruction, 160), Timestamp: m.Timestamp})
	}
	data, _ := json.Marshal(list)
	return fmt.Sprintf("The user wants to resume an earlier task. Their description: %q\n"+
		"Candidate tasks (JSON): %s\n"+
		`Reply with JSON {"task_ids": [...]} listing the matching task_id values, best first. Use [] when none match.`,
		query, data)
}

// pickRanked maps a one-shot reply back onto pool entries.
func pickRanked(reply any, pool []taskstore.Match, limit int) []taskstore.Match {
	var ids []any
	switch v := reply.(type) {
	case map[string]any:
		ids, _ = v["task_ids"].([]any)
	case []any:
		ids = v
	}
	byID := make(map[string]taskstore.Match, len(pool))
	for _, m := range pool {
		byID[m.TaskID] = m
	}
	var out []taskstore.Match
	seen := make(map[string]struct{})
	for _, raw := range ids {
		id, ok := raw.(string)
		if !ok {
			continue
		}
		id = taskstore.NormalizeTaskID(id)
		m, ok := byID[id]
		if _, dup := seen[id]; !ok || dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func truncateRunes(s string, max int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max]) + "…"
}
