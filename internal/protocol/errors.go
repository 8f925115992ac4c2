package protocol

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the hub client. Callers match them with errors.Is.
var (
	// ErrConnection means the socket is unavailable or was lost before a
	// response arrived.
	ErrConnection = errors.New("connection error")

	// ErrTimeout means no response arrived within the deadline. The hub may or
	// may not have applied the command; issue a status query to find out.
	ErrTimeout = errors.New("timeout: command state uncertain")

	// ErrProtocol marks a malformed or unexpected frame.
	ErrProtocol = errors.New("protocol error")

	// ErrRejected is a local admission decision: an activity command is
	// already pending.
	ErrRejected = errors.New("rejected: activity command already pending")

	// ErrUnknownCommand is returned when an alias cannot be resolved against
	// the catalog.
	ErrUnknownCommand = errors.New("unknown command")
)

// HubError is returned when the hub answers a request with a failure code.
type HubError struct {
	Code int
	Msg  string
}

func (e *HubError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("hub error %d", e.Code)
	}
	return fmt.Sprintf("hub error %d: %s", e.Code, e.Msg)
}
