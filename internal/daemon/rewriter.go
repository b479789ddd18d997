package daemon

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	defaultRewriteTimeout = 8 * time.Second
	rewriteFallbackText   = "작업 중입니다. 잠시만 기다려 주세요."
)

// PassthroughRewriter forwards agent messages unchanged.
type PassthroughRewriter struct{}

func (PassthroughRewriter) Rewrite(_ context.Context, _ int64, text string) (string, error) {
	return text, nil
}

// rewriteForChat applies r with a deadline. A timeout yields the generic
// working-on-it text; any other failure forwards the raw text.
func rewriteForChat(ctx context.Context, r Rewriter, timeout time.Duration, chatID int64, raw string) string {
	if r == nil {
		return raw
	}
	if timeout <= 0 {
		timeout = defaultRewriteTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		out, err := r.Rewrite(ctx, chatID, raw)
		done <- result{text: out, err: err}
	}()

	select {
	case res := <-done:
		if errors.Is(res.err, context.DeadlineExceeded) {
			return rewriteFallbackText
		}
		if res.err != nil || strings.TrimSpace(res.text) == "" {
			return raw
		}
		return res.text
	case <-ctx.Done():
		return rewriteFallbackText
	}
}
