package coordinator

import (
	"time"

	"github.com/markus-barta/harmonyfast/internal/protocol"
)

// Phase is the coordinator state machine position.
type Phase string

const (
	PhaseIdle            Phase = "IDLE"
	PhaseActivityPending Phase = "ACTIVITY_PENDING" // an activity is queued or outstanding
	PhaseDevicePending   Phase = "DEVICE_PENDING"   // device or status work, nothing blocking
)

// LastError is the most recent command failure.
type LastError struct {
	Message string    `json:"message"`
	Command string    `json:"command,omitempty"`
	At      time.Time `json:"at"`
}

// State is an immutable snapshot. Readers never see a partially applied
// transition.
type State struct {
	Phase           Phase      `json:"phase"`
	CurrentActivity string     `json:"current_activity"` // "" until known, "-1" all off
	QueueDepth      int        `json:"queue_depth"`      // admitted, not yet dispatched
	InFlight        int        `json:"in_flight"`        // dispatched, not yet resolved
	Processing      bool       `json:"processing"`
	ActivityLock    bool       `json:"activity_lock"`
	LastError       *LastError `json:"last_error,omitempty"`
	Connected       bool       `json:"connected"`
	Version         uint64     `json:"version"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Result is the outcome of one submitted command.
type Result struct {
	Command protocol.Command `json:"command"`
	Frame   *protocol.Frame  `json:"-"`
	Err     error            `json:"-"`
}

// Ticket identifies an admitted command.
type Ticket struct {
	ID   string
	done chan Result
}

// Done delivers the result once.
func (t *Ticket) Done() <-chan Result {
	return t.done
}

// Observer receives every state snapshot.
type Observer interface {
	OnState(State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(State)

func (f ObserverFunc) OnState(s State) { f(s) }
