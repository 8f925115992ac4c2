package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// Frame is a decoded inbound message. Responses echo the request id, push
// events usually carry none.
type Frame struct {
	ID     string          `json:"-"`
	Cmd    string          `json:"cmd"`
	Code   int             `json:"-"`
	Msg    string          `json:"msg"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Raw    json.RawMessage `json:"-"`
}

// wireFrame accepts id and code as either strings or numbers.
type wireFrame struct {
	ID     json.RawMessage `json:"id"`
	Cmd    string          `json:"cmd"`
	Code   json.RawMessage `json:"code"`
	Msg    string          `json:"msg"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// IsProgress reports an intermediate response; the request stays pending.
func (f *Frame) IsProgress() bool {
	return f.Code == 100
}

// Err returns a *HubError if the hub reported a failure.
func (f *Frame) Err() error {
	if f.Code >= 400 {
		return &HubError{Code: f.Code, Msg: f.Msg}
	}
	if strings.EqualFold(f.Status, "error") {
		return &HubError{Code: f.Code, Msg: f.Msg}
	}
	return nil
}

// Result returns data.result, used by getCurrentActivity.
func (f *Frame) Result() (string, bool) {
	var data struct {
		Result json.RawMessage `json:"result"`
	}
	if len(f.Data) == 0 || json.Unmarshal(f.Data, &data) != nil {
		return "", false
	}
	return scalarString(data.Result)
}

// FrameKind is the outcome of classifying a frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameResponse
	FrameEvent
)

func (k FrameKind) String() string {
	switch k {
	case FrameResponse:
		return "response"
	case FrameEvent:
		return "event"
	default:
		return "unknown"
	}
}

// EventKind is the classified type of a push event.
type EventKind string

const (
	EventActivityChanged    EventKind = "activity_changed"
	EventDeviceStateChanged EventKind = "device_state_changed"
	EventUnknown            EventKind = "unknown"
)

// EventRule maps a cmd substring to an event kind.
type EventRule struct {
	Match string    `yaml:"match" json:"match"`
	Kind  EventKind `yaml:"kind" json:"kind"`
}

// DefaultEvents is the push-event vocabulary observed on current firmware.
func DefaultEvents() []EventRule {
	return []EventRule{
		{Match: "startActivityFinished", Kind: EventActivityChanged},
		{Match: "stateDigest", Kind: EventActivityChanged},
		{Match: "activityStatus", Kind: EventActivityChanged},
		{Match: "deviceStatus", Kind: EventDeviceStateChanged},
	}
}

// PushEvent is an unsolicited hub message.
type PushEvent struct {
	Kind       EventKind       `json:"kind"`
	Cmd        string          `json:"cmd"`
	Data       json.RawMessage `json:"data,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Activity status values carried by stateDigest.
const (
	activityStatusStarting = 1
	activityStatusStopping = 3
)

// ActivityID extracts data.activityId. Digests for an activity that is still
// starting or stopping do not count as a change.
func (e PushEvent) ActivityID() (string, bool) {
	var data struct {
		ActivityID     json.RawMessage `json:"activityId"`
		ActivityStatus json.RawMessage `json:"activityStatus"`
	}
	if len(e.Data) == 0 || json.Unmarshal(e.Data, &data) != nil {
		return "", false
	}
	if s, ok := scalarString(data.ActivityStatus); ok {
		if n, err := strconv.Atoi(s); err == nil && (n == activityStatusStarting || n == activityStatusStopping) {
			return "", false
		}
	}
	return scalarString(data.ActivityID)
}

// Codec decodes and classifies inbound frames. The event vocabulary can be
// replaced at runtime.
type Codec struct {
	events atomic.Pointer[[]EventRule]
}

// NewCodec creates a codec. An empty vocabulary selects DefaultEvents.
func NewCodec(events []EventRule) *Codec {
	c := &Codec{}
	c.SetEvents(events)
	return c
}

// SetEvents swaps the event vocabulary.
func (c *Codec) SetEvents(events []EventRule) {
	if len(events) == 0 {
		events = DefaultEvents()
	}
	rules := make([]EventRule, 0, len(events))
	for _, r := range events {
		if r.Match == "" {
			continue
		}
		if r.Kind == "" {
			r.Kind = EventUnknown
		}
		rules = append(rules, EventRule{Match: strings.ToLower(r.Match), Kind: r.Kind})
	}
	c.events.Store(&rules)
}

// Events returns the active vocabulary.
func (c *Codec) Events() []EventRule {
	return append([]EventRule(nil), *c.events.Load()...)
}

// Decode parses a text frame. Errors wrap ErrProtocol.
func (c *Codec) Decode(data []byte) (*Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: frame is not a JSON object", ErrProtocol)
	}
	if !utf8.Valid(trimmed) {
		return nil, fmt.Errorf("%w: frame is not valid UTF-8", ErrProtocol)
	}

	var w wireFrame
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	id, _ := scalarString(w.ID)
	if id == "" && w.Cmd == "" {
		return nil, fmt.Errorf("%w: frame has neither id nor cmd", ErrProtocol)
	}

	f := &Frame{
		ID:     id,
		Cmd:    w.Cmd,
		Msg:    w.Msg,
		Status: w.Status,
		Data:   w.Data,
		Raw:    append(json.RawMessage(nil), trimmed...),
	}
	if code, ok := scalarString(w.Code); ok {
		n, err := strconv.Atoi(code)
		if err != nil {
			return nil, fmt.Errorf("%w: bad code %q", ErrProtocol, code)
		}
		f.Code = n
	}
	return f, nil
}

// Classify decides where a frame goes. pending reports whether an id belongs
// to an outstanding request.
func (c *Codec) Classify(f *Frame, pending func(id string) bool) (FrameKind, *PushEvent) {
	if f.ID != "" && pending != nil && pending(f.ID) {
		return FrameResponse, nil
	}

	cmd := strings.ToLower(f.Cmd)
	if cmd == "" {
		return FrameUnknown, nil
	}
	for _, r := range *c.events.Load() {
		if strings.Contains(cmd, r.Match) {
			return FrameEvent, &PushEvent{
				Kind:       r.Kind,
				Cmd:        f.Cmd,
				Data:       f.Data,
				Payload:    f.Raw,
				ReceivedAt: time.Now(),
			}
		}
	}
	return FrameUnknown, nil
}

// scalarString renders a JSON string or number as text.
func scalarString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	return n.String(), true
}
