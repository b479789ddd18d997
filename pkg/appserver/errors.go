package appserver

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned when no app-server child is attached.
	ErrNotRunning = errors.New("app-server is not running")
	// ErrRequestTimeout is returned when a request gets no response in time.
	// The pending id is abandoned; a late response is discarded.
	ErrRequestTimeout = errors.New("app-server request timed out")
	// ErrRestartBackoff is returned by Start while the restart gate is closed.
	ErrRestartBackoff = errors.New("app-server restart backoff in effect")
	// ErrSteerRejected is returned when turn/steer answers for a different turn.
	ErrSteerRejected = errors.New("turn/steer rejected")
	// ErrInvalidMessage is returned for stdout lines that are not JSON-RPC objects.
	ErrInvalidMessage = errors.New("invalid app-server message")
	// ErrMissingID is returned when a thread or turn response carries no id.
	ErrMissingID = errors.New("app-server response missing id")
)

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("app-server rpc error %d: %s", e.Code, e.Message)
}
