package appserver

import (
	"encoding/json"
)

// Server-initiated request methods answered by policy.
const (
	MethodCommandApproval    = "item/commandExecution/requestApproval"
	MethodFileChangeApproval = "item/fileChange/requestApproval"
	MethodRequestUserInput   = "item/tool/requestUserInput"
	MethodToolCall           = "item/tool/call"
	MethodExecApproval       = "execCommandApproval"
	MethodPatchApproval      = "applyPatchApproval"

	defaultUserInputAnswer = "confirm"
)

// PolicyResolver answers server-initiated requests. known is false when the
// method is not recognized; the reply is then {} and a warning is logged.
type PolicyResolver interface {
	Resolve(method string, params json.RawMessage) (result any, known bool)
}

// PolicyFunc adapts a function to PolicyResolver.
type PolicyFunc func(method string, params json.RawMessage) (any, bool)

func (f PolicyFunc) Resolve(method string, params json.RawMessage) (any, bool) {
	return f(method, params)
}

// DefaultPolicy approves everything and picks the first offered option for
// user-input questions.
var DefaultPolicy PolicyResolver = PolicyFunc(resolveDefault)

type userInputParams struct {
	Questions []struct {
		ID      string `json:"id"`
		Options []struct {
			Label string `json:"label"`
		} `json:"options"`
	} `json:"questions"`
}

type userInputAnswer struct {
	Answers []string `json:"answers"`
}

func resolveDefault(method string, params json.RawMessage) (any, bool) {
	switch method {
	case MethodCommandApproval, MethodFileChangeApproval:
		return map[string]any{"decision": "accept"}, true
	case MethodExecApproval, MethodPatchApproval:
		return map[string]any{"decision": "approved"}, true
	case MethodRequestUserInput:
		return map[string]any{"answers": answerQuestions(params)}, true
	case MethodToolCall:
		return map[string]any{
			"success": false,
			"contentItems": []map[string]any{
				{"type": "inputText", "text": "dynamic tool calls are not supported by this client"},
			},
		}, true
	default:
		return map[string]any{}, false
	}
}

func answerQuestions(params json.RawMessage) map[string]userInputAnswer {
	answers := map[string]userInputAnswer{}
	var p userInputParams
	if err := json.Unmarshal(params, &p); err != nil {
		return answers
	}
	for _, q := range p.Questions {
		answer := defaultUserInputAnswer
		if len(q.Options) > 0 && q.Options[0].Label != "" {
			answer = q.Options[0].Label
		}
		answers[q.ID] = userInputAnswer{Answers: []string{answer}}
	}
	return answers
}
