package appserver

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

const oneShotInstructions = "Answer with a single JSON value and nothing else."

// RunOneShot runs prompt on a disposable thread and returns the final reply
// parsed as JSON, or nil on any failure. The thread's events never reach
// DrainEvents.
func (c *Client) RunOneShot(ctx context.Context, prompt string, timeout time.Duration) any {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.EnsureRunning(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("One-shot skipped; app-server unavailable")
		return nil
	}
	threadID, err := c.StartThread(ctx, oneShotInstructions)
	if err != nil {
		c.logger.Debug().Err(err).Msg("One-shot thread/start failed")
		return nil
	}

	events := c.watch(threadID)
	defer c.unwatch(threadID)

	turnID, err := c.StartTurn(ctx, threadID, prompt)
	if err != nil {
		c.logger.Debug().Err(err).Msg("One-shot turn/start failed")
		return nil
	}

	var delta strings.Builder
	var final, lastAgent string
	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case EventAgentDelta:
				delta.WriteString(ev.Text)
			case EventAgentMessage:
				lastAgent = ev.Text
			case EventItemCompleted:
				if ev.AgentMessageItem() && ev.Text != "" {
					lastAgent = ev.Text
				}
			case EventTaskComplete:
				final = ev.Text
			case EventTurnCompleted:
				if !ev.Completed() {
					return nil
				}
				text := firstNonEmpty(final, lastAgent, delta.String())
				return ParseJSONReply(text)
			}
		case <-ctx.Done():
			interruptCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.InterruptTurn(interruptCtx, threadID, turnID)
			stop()
			c.logger.Debug().Str("thread_id", threadID).Msg("One-shot timed out")
			return nil
		}
	}
}

// ParseJSONReply decodes text as JSON, unwrapping one fenced code block.
func ParseJSONReply(text string) any {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if start := strings.Index(text, "```"); start >= 0 {
		rest := text[start+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			lang := strings.TrimSpace(rest[:nl])
			if lang == "" || !strings.ContainsAny(lang, "{[\"") {
				rest = rest[nl+1:]
			}
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		}
	}
	var out any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
