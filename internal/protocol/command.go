package protocol

import (
	"fmt"
	"time"
)

// Kind classifies a command for admission control. It is fixed when the
// command is created.
type Kind string

const (
	KindActivity Kind = "activity" // slow, at most one outstanding
	KindDevice   Kind = "device"   // IR pulse, throttled
	KindStatus   Kind = "status"   // current activity query
)

// AllOff is the activity id the hub uses for "everything off".
const AllOff = "-1"

// Command is one unit of work for the hub.
type Command struct {
	ID         string    `json:"id"`               // handle assigned at enqueue
	Kind       Kind      `json:"kind"`             // never changes after creation
	Target     string    `json:"target,omitempty"` // activity id or device id
	Action     string    `json:"action,omitempty"` // device command name
	Label      string    `json:"label,omitempty"`  // alias the producer used
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewActivity returns a command that starts the given activity.
func NewActivity(activityID, label string) Command {
	return Command{Kind: KindActivity, Target: activityID, Label: label}
}

// NewDevice returns a command that sends one IR action to a device.
func NewDevice(deviceID, action, label string) Command {
	return Command{Kind: KindDevice, Target: deviceID, Action: action, Label: label}
}

// NewStatus returns a current-activity query.
func NewStatus() Command {
	return Command{Kind: KindStatus, Label: "status"}
}

// String is used in logs.
func (c Command) String() string {
	switch c.Kind {
	case KindActivity:
		return fmt.Sprintf("activity %s (%s)", c.Label, c.Target)
	case KindDevice:
		return fmt.Sprintf("device %s (%s) %s", c.Label, c.Target, c.Action)
	default:
		return string(c.Kind)
	}
}

// Validate checks the fields required by the command kind.
func (c Command) Validate() error {
	switch c.Kind {
	case KindActivity:
		if c.Target == "" {
			return fmt.Errorf("%w: activity id is required", ErrUnknownCommand)
		}
	case KindDevice:
		if c.Target == "" || c.Action == "" {
			return fmt.Errorf("%w: device id and action are required", ErrUnknownCommand)
		}
	case KindStatus:
	default:
		return fmt.Errorf("%w: kind %q", ErrUnknownCommand, c.Kind)
	}
	return nil
}
