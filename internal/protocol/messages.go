// Package protocol defines the Harmony hub WebSocket envelope, the command
// model, and the classification of inbound frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
)

// Hub engine commands.
const (
	enginePrefix = "vnd.logitech.harmony/vnd.logitech.harmony.engine?"

	CmdStartActivity      = enginePrefix + "startactivity"
	CmdHoldAction         = enginePrefix + "holdAction"
	CmdGetCurrentActivity = enginePrefix + "getCurrentActivity"
)

// Envelope timeouts (seconds) the hub expects inside each request.
const (
	activityEnvelopeTimeout = 30
	defaultEnvelopeTimeout  = 10
)

// Pulse selects the half of an IR button press a holdAction frame carries.
type Pulse string

const (
	PulsePress   Pulse = "press"
	PulseRelease Pulse = "release"
)

// Envelope is the outbound frame. The id is carried both at the top level
// and inside hbus.
type Envelope struct {
	HubID   string `json:"hubId"`
	Timeout int    `json:"timeout"`
	Hbus    Hbus   `json:"hbus"`
	ID      string `json:"id"`
}

// Hbus carries the engine command and the correlation id.
type Hbus struct {
	Cmd    string `json:"cmd"`
	ID     string `json:"id"`
	Params any    `json:"params"`
}

type startActivityParams struct {
	Async      string            `json:"async"`
	Timestamp  int               `json:"timestamp"`
	Args       map[string]string `json:"args"`
	ActivityID string            `json:"activityId"`
}

type holdActionParams struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Verb      string `json:"verb"`
	Action    string `json:"action"` // JSON-encoded irAction
}

type irAction struct {
	Command  string `json:"command"`
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

type verbParams struct {
	Verb string `json:"verb"`
}

// HubPort is the hub's local WebSocket port.
const HubPort = "8088"

// HubURL returns the WebSocket address of a hub on the local network.
func HubURL(hubIP, remoteID string) string {
	q := url.Values{}
	q.Set("domain", "svcs.myharmony.com")
	q.Set("hubId", remoteID)
	return fmt.Sprintf("ws://%s/?%s", net.JoinHostPort(hubIP, HubPort), q.Encode())
}

// NewEnvelope builds the outbound envelope for cmd. pulse is only used for
// device commands.
func NewEnvelope(remoteID, id string, cmd Command, pulse Pulse) (*Envelope, error) {
	env := &Envelope{
		HubID:   remoteID,
		Timeout: defaultEnvelopeTimeout,
		Hbus:    Hbus{ID: id},
		ID:      id,
	}

	switch cmd.Kind {
	case KindActivity:
		env.Timeout = activityEnvelopeTimeout
		env.Hbus.Cmd = CmdStartActivity
		env.Hbus.Params = startActivityParams{
			Async:      "true",
			Timestamp:  0,
			Args:       map[string]string{"rule": "start"},
			ActivityID: cmd.Target,
		}

	case KindDevice:
		if pulse == "" {
			pulse = PulsePress
		}
		action, err := json.Marshal(irAction{
			Command:  cmd.Action,
			Type:     "IRCommand",
			DeviceID: cmd.Target,
		})
		if err != nil {
			return nil, err
		}
		env.Hbus.Cmd = CmdHoldAction
		env.Hbus.Params = holdActionParams{
			Status:    string(pulse),
			Timestamp: "0",
			Verb:      "render",
			Action:    string(action),
		}

	case KindStatus:
		env.Hbus.Cmd = CmdGetCurrentActivity
		env.Hbus.Params = verbParams{Verb: "get"}

	default:
		return nil, fmt.Errorf("%w: cannot encode kind %q", ErrProtocol, cmd.Kind)
	}

	return env, nil
}

// Encode serializes cmd into a text frame with the given request id.
func Encode(remoteID, id string, cmd Command, pulse Pulse) ([]byte, error) {
	env, err := NewEnvelope(remoteID, id, cmd, pulse)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
