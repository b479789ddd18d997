package appserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind tags an Incoming line.
type Kind int

const (
	// KindResponse answers one of our requests.
	KindResponse Kind = iota + 1
	// KindServerRequest is a server-initiated call that needs a reply.
	KindServerRequest
	// KindNotification is a server event.
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindServerRequest:
		return "server_request"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Incoming is one decoded stdout line.
type Incoming struct {
	Kind   Kind
	ID     int64           // response id; zero when the id is not numeric
	RawID  json.RawMessage // id exactly as sent, echoed on replies
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *RPCError
}

type wireMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type outgoing struct {
	ID     *int64 `json:"id,omitempty"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type reply struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result"`
}

func hasID(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func parseID(raw json.RawMessage) int64 {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v
		}
	}
	return 0
}

// decodeIncoming classifies one stdout line.
func decodeIncoming(line []byte) (Incoming, error) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return Incoming{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	in := Incoming{
		Method: msg.Method,
		Params: msg.Params,
		Result: msg.Result,
		Error:  msg.Error,
	}
	switch {
	case msg.Method != "" && hasID(msg.ID):
		in.Kind = KindServerRequest
		in.RawID = msg.ID
		in.ID = parseID(msg.ID)
	case msg.Method != "":
		in.Kind = KindNotification
	case hasID(msg.ID):
		in.Kind = KindResponse
		in.RawID = msg.ID
		in.ID = parseID(msg.ID)
	default:
		return Incoming{}, fmt.Errorf("%w: no id and no method", ErrInvalidMessage)
	}
	return in, nil
}
