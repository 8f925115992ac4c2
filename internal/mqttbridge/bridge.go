// Package mqttbridge mirrors coordinator state to MQTT and accepts commands
// from it. It runs either against a remote broker (autopaho) or against an
// embedded mochi broker through its inline client.
package mqttbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/markus-barta/harmonyfast/internal/config"
	"github.com/markus-barta/harmonyfast/internal/coordinator"
	"github.com/markus-barta/harmonyfast/internal/protocol"
	"github.com/rs/zerolog"
)

// Controller is the part of the coordinator the bridge drives.
type Controller interface {
	Submit(ctx context.Context, cmd protocol.Command) (*coordinator.Ticket, error)
	Snapshot() coordinator.State
	Subscribe(buffer int) (<-chan coordinator.State, func())
}

// Catalog yields the current alias catalog.
type Catalog interface {
	Load() *config.Catalog
}

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// Bridge translates between coordinator snapshots and MQTT topics:
//
//	<topic>/state         retained JSON snapshot
//	<topic>/command       "tv", "onkyo VolumeUp" or {"command":..,"action":..}
//	<topic>/result        outcome of each command received on <topic>/command
//	<topic>/availability  online/offline (remote broker only)
type Bridge struct {
	topic   string
	ctl     Controller
	catalog Catalog
	log     zerolog.Logger

	mu   sync.Mutex
	last []byte // last published state payload
}

// New creates a bridge rooted at topic.
func New(topic string, ctl Controller, catalog Catalog, log zerolog.Logger) *Bridge {
	return &Bridge{
		topic:   strings.TrimSuffix(topic, "/"),
		ctl:     ctl,
		catalog: catalog,
		log:     log.With().Str("component", "mqtt").Logger(),
	}
}

func (b *Bridge) StateTopic() string        { return b.topic + "/state" }
func (b *Bridge) CommandTopic() string      { return b.topic + "/command" }
func (b *Bridge) ResultTopic() string       { return b.topic + "/result" }
func (b *Bridge) AvailabilityTopic() string { return b.topic + "/availability" }

// statePayload is a snapshot plus the activity's display name.
type statePayload struct {
	coordinator.State
	ActivityName string `json:"activity_name,omitempty"`
}

type resultPayload struct {
	ID      string           `json:"id,omitempty"`
	Status  string           `json:"status"`
	Command protocol.Command `json:"command"`
	Error   string           `json:"error,omitempty"`
	Input   string           `json:"input,omitempty"`
}

type commandPayload struct {
	Command string `json:"command"`
	Action  string `json:"action,omitempty"`
}

func (b *Bridge) encodeState(st coordinator.State) ([]byte, error) {
	p := statePayload{State: st}
	if st.CurrentActivity != "" {
		p.ActivityName = b.catalog.Load().DescribeActivity(st.CurrentActivity)
	}
	return json.Marshal(p)
}

// publishState publishes st unless it is identical to the last payload.
func (b *Bridge) publishState(ctx context.Context, pub Publisher, st coordinator.State) {
	data, err := b.encodeState(st)
	if err != nil {
		b.log.Error().Err(err).Msg("encode state")
		return
	}

	b.mu.Lock()
	same := bytes.Equal(data, b.last)
	b.mu.Unlock()
	if same {
		return
	}

	if err := pub.Publish(ctx, b.StateTopic(), data, true); err != nil {
		b.log.Debug().Err(err).Msg("state publish failed")
		return
	}
	b.mu.Lock()
	b.last = data
	b.mu.Unlock()
}

// forget clears the dedupe cache so the next snapshot is always sent.
func (b *Bridge) forget() {
	b.mu.Lock()
	b.last = nil
	b.mu.Unlock()
}

// streamStates publishes snapshots until ctx is done.
func (b *Bridge) streamStates(ctx context.Context, pub Publisher) {
	states, unsubscribe := b.ctl.Subscribe(16)
	defer unsubscribe()

	b.publishState(ctx, pub, b.ctl.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-states:
			b.publishState(ctx, pub, st)
		}
	}
}

// parseCommand accepts a JSON object or a whitespace separated
// "command [action]" line.
func parseCommand(payload []byte) (command, action string, err error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return "", "", errors.New("empty command")
	}

	if payload[0] == '{' {
		var p commandPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", "", fmt.Errorf("decode command: %w", err)
		}
		if p.Command == "" {
			return "", "", errors.New("missing command")
		}
		return p.Command, p.Action, nil
	}

	fields := strings.Fields(string(payload))
	switch len(fields) {
	case 1:
		return fields[0], "", nil
	case 2:
		return fields[0], fields[1], nil
	default:
		return "", "", fmt.Errorf("expected \"command [action]\", got %d words", len(fields))
	}
}

// handleCommand resolves and submits one command message. The outcome is
// published on the result topic once the hub answers.
func (b *Bridge) handleCommand(ctx context.Context, pub Publisher, payload []byte) {
	command, action, err := parseCommand(payload)
	if err != nil {
		b.publishResult(ctx, pub, resultPayload{Status: "error", Error: err.Error(), Input: string(payload)})
		return
	}

	cmd, err := b.catalog.Load().Resolve(command, action)
	if err != nil {
		b.publishResult(ctx, pub, resultPayload{Status: "error", Error: err.Error(), Input: string(payload)})
		return
	}

	ticket, err := b.ctl.Submit(ctx, cmd)
	if err != nil {
		b.publishResult(ctx, pub, resultPayload{Status: "error", Command: cmd, Error: err.Error()})
		return
	}
	b.log.Debug().Str("cmd", cmd.String()).Str("id", ticket.ID).Msg("command from mqtt")

	go func() {
		select {
		case res := <-ticket.Done():
			out := resultPayload{ID: ticket.ID, Status: "ok", Command: res.Command}
			if res.Err != nil {
				out.Status = "error"
				out.Error = res.Err.Error()
			}
			b.publishResult(ctx, pub, out)
		case <-ctx.Done():
		}
	}()
}

func (b *Bridge) publishResult(ctx context.Context, pub Publisher, r resultPayload) {
	if r.Status == "error" {
		b.log.Warn().Str("error", r.Error).Msg("mqtt command failed")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := pub.Publish(ctx, b.ResultTopic(), data, false); err != nil {
		b.log.Debug().Err(err).Msg("result publish failed")
	}
}
