package appserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/sonolbot/internal/tracing"
)

// ThreadBinding is the per-chat view of a thread the bridge attaches to.
type ThreadBinding struct {
	ThreadID   string
	Generation int
	ForceNew   bool
	// DeveloperInstructions overrides the client default when set.
	DeveloperInstructions string
}

// AttachResult tells the caller what AttachOrCreateThread did.
type AttachResult struct {
	ThreadID        string
	Created         bool
	Resumed         bool
	DroppedThreadID string
}

type threadParams struct {
	ThreadID              string `json:"threadId,omitempty"`
	Cwd                   string `json:"cwd,omitempty"`
	ApprovalPolicy        string `json:"approvalPolicy,omitempty"`
	Sandbox               string `json:"sandbox,omitempty"`
	Model                 string `json:"model,omitempty"`
	DeveloperInstructions string `json:"developerInstructions,omitempty"`
}

type inputItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type turnStartParams struct {
	ThreadID       string      `json:"threadId"`
	Input          []inputItem `json:"input"`
	Model          string      `json:"model,omitempty"`
	Effort         string      `json:"effort,omitempty"`
	ApprovalPolicy string      `json:"approvalPolicy,omitempty"`
}

type turnSteerParams struct {
	ThreadID       string      `json:"threadId"`
	ExpectedTurnID string      `json:"expectedTurnId"`
	Input          []inputItem `json:"input"`
}

type turnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

type idResult struct {
	Thread struct {
		ID string `json:"id"`
	} `json:"thread"`
	Turn struct {
		ID string `json:"id"`
	} `json:"turn"`
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

func decodeIDs(raw json.RawMessage) idResult {
	var r idResult
	_ = json.Unmarshal(raw, &r)
	return r
}

func (c *Client) threadParams(threadID, developerInstructions string) threadParams {
	if developerInstructions == "" {
		developerInstructions = c.cfg.DeveloperInstructions
	}
	return threadParams{
		ThreadID:              threadID,
		Cwd:                   c.cfg.Dir,
		ApprovalPolicy:        c.cfg.ApprovalPolicy,
		Sandbox:               c.cfg.Sandbox,
		Model:                 c.cfg.Model,
		DeveloperInstructions: developerInstructions,
	}
}

// StartThread issues thread/start and returns the new thread id.
func (c *Client) StartThread(ctx context.Context, developerInstructions string) (string, error) {
	raw, err := c.Request(ctx, "thread/start", c.threadParams("", developerInstructions), 0)
	if err != nil {
		return "", err
	}
	ids := decodeIDs(raw)
	threadID := strings.TrimSpace(ids.Thread.ID)
	if threadID == "" {
		threadID = strings.TrimSpace(ids.ThreadID)
	}
	if threadID == "" {
		return "", fmt.Errorf("%w: thread/start", ErrMissingID)
	}
	return threadID, nil
}

// ResumeThread issues thread/resume for threadID.
func (c *Client) ResumeThread(ctx context.Context, threadID, developerInstructions string) error {
	_, err := c.Request(ctx, "thread/resume", c.threadParams(threadID, developerInstructions), 0)
	return err
}

// AttachOrCreateThread makes b point at a thread usable under the current
// generation: a forced new thread discards the remembered id, a stale
// generation triggers thread/resume (dropping the id when that fails), and
// no id means thread/start.
func (c *Client) AttachOrCreateThread(ctx context.Context, b *ThreadBinding) (AttachResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "appserver.attach_thread",
		attribute.Bool("thread.force_new", b.ForceNew))
	defer span.End()

	var res AttachResult
	gen := c.Generation()

	if b.ForceNew && b.ThreadID != "" {
		res.DroppedThreadID = b.ThreadID
		b.ThreadID = ""
	}

	if b.ThreadID != "" && b.Generation != gen {
		if err := c.ResumeThread(ctx, b.ThreadID, b.DeveloperInstructions); err != nil {
			c.logger.Warn().Err(err).Str("thread_id", b.ThreadID).Msg("thread/resume failed; starting a new thread")
			res.DroppedThreadID = b.ThreadID
			b.ThreadID = ""
		} else {
			b.Generation = gen
			res.Resumed = true
		}
	}

	if b.ThreadID == "" {
		threadID, err := c.StartThread(ctx, b.DeveloperInstructions)
		if err != nil {
			return res, err
		}
		b.ThreadID = threadID
		b.Generation = gen
		res.Created = true
	}

	res.ThreadID = b.ThreadID
	span.SetAttributes(attribute.String("thread.id", b.ThreadID))
	return res, nil
}

// StartTurn issues turn/start and returns the turn id.
func (c *Client) StartTurn(ctx context.Context, threadID, text string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "appserver.turn_start", attribute.String("thread.id", threadID))
	defer span.End()

	raw, err := c.Request(ctx, "turn/start", turnStartParams{
		ThreadID:       threadID,
		Input:          []inputItem{{Type: "text", Text: text}},
		Model:          c.cfg.Model,
		Effort:         c.cfg.ReasoningEffort,
		ApprovalPolicy: c.cfg.ApprovalPolicy,
	}, 0)
	if err != nil {
		return "", err
	}
	ids := decodeIDs(raw)
	turnID := strings.TrimSpace(ids.Turn.ID)
	if turnID == "" {
		turnID = strings.TrimSpace(ids.TurnID)
	}
	if turnID == "" {
		return "", fmt.Errorf("%w: turn/start", ErrMissingID)
	}
	span.SetAttributes(attribute.String("turn.id", turnID))
	return turnID, nil
}

// SteerTurn adds input to the running turn. An answer naming another turn
// is ErrSteerRejected.
func (c *Client) SteerTurn(ctx context.Context, threadID, expectedTurnID, text string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "appserver.turn_steer",
		attribute.String("thread.id", threadID), attribute.String("turn.id", expectedTurnID))
	defer span.End()

	raw, err := c.Request(ctx, "turn/steer", turnSteerParams{
		ThreadID:       threadID,
		ExpectedTurnID: expectedTurnID,
		Input:          []inputItem{{Type: "text", Text: text}},
	}, 0)
	if err != nil {
		return err
	}
	ids := decodeIDs(raw)
	got := strings.TrimSpace(ids.TurnID)
	if got == "" {
		got = strings.TrimSpace(ids.Turn.ID)
	}
	if got != "" && got != expectedTurnID {
		return fmt.Errorf("%w: expected %s, server answered %s", ErrSteerRejected, expectedTurnID, got)
	}
	return nil
}

// InterruptTurn issues turn/interrupt.
func (c *Client) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	_, err := c.Request(ctx, "turn/interrupt", turnInterruptParams{ThreadID: threadID, TurnID: turnID}, 10*time.Second)
	return err
}
