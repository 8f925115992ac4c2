package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/harmonyfast/internal/config"
	"github.com/markus-barta/harmonyfast/internal/harmony"
	"github.com/markus-barta/harmonyfast/internal/protocol"
	"github.com/rs/zerolog"
)

// wireSink accepts every frame.
type wireSink struct{}

func (wireSink) Send([]byte) error { return nil }

type sent struct {
	cmd protocol.Command
	at  time.Time
}

// fakeHub answers through a real dispatcher so timeouts, ids and failure
// fan-out behave as they do against a hub.
type fakeHub struct {
	disp   *harmony.Dispatcher
	timing config.Timing

	mu      sync.Mutex
	sent    []sent
	held    []*harmony.Pending
	hold    map[protocol.Kind]bool // leave pending until release
	silent  map[protocol.Kind]bool // never answer
	result  string                 // status result
	gate    chan struct{}          // when set, Send blocks until closed
	entered chan protocol.Command
}

func newFakeHub(timing config.Timing) *fakeHub {
	return &fakeHub{
		disp:    harmony.NewDispatcher("test", wireSink{}, zerolog.Nop()),
		timing:  timing,
		hold:    make(map[protocol.Kind]bool),
		silent:  make(map[protocol.Kind]bool),
		result:  "-1",
		entered: make(chan protocol.Command, 64),
	}
}

func (h *fakeHub) Send(ctx context.Context, cmd protocol.Command) (*harmony.Pending, error) {
	select {
	case h.entered <- cmd:
	default:
	}

	h.mu.Lock()
	gate := h.gate
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h.mu.Lock()
	h.sent = append(h.sent, sent{cmd: cmd, at: time.Now()})
	hold := h.hold[cmd.Kind]
	silent := h.silent[cmd.Kind]
	result := h.result
	h.mu.Unlock()

	pulse := protocol.Pulse("")
	if cmd.Kind == protocol.KindDevice {
		pulse = protocol.PulsePress
	}
	p, err := h.disp.Start(cmd, pulse, h.timing.TimeoutFor(cmd.Kind))
	if err != nil {
		return nil, err
	}

	switch {
	case silent:
	case hold:
		h.mu.Lock()
		h.held = append(h.held, p)
		h.mu.Unlock()
	default:
		data, _ := json.Marshal(map[string]string{"result": result})
		go h.disp.Resolve(&protocol.Frame{ID: p.ID, Code: 200, Status: "success", Data: data})
	}
	return p, nil
}

// release answers every held request with success.
func (h *fakeHub) release() {
	h.mu.Lock()
	held := h.held
	h.held = nil
	h.mu.Unlock()
	for _, p := range held {
		h.disp.Resolve(&protocol.Frame{ID: p.ID, Code: 200, Status: "success"})
	}
}

func (h *fakeHub) setGate(gate chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gate = gate
}

func (h *fakeHub) Sent() []sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sent(nil), h.sent...)
}

func (h *fakeHub) waitEntered(t *testing.T) protocol.Command {
	t.Helper()
	select {
	case cmd := <-h.entered:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("hub never received a command")
		return protocol.Command{}
	}
}

func testTiming() config.Timing {
	return config.Timing{
		ActivityTimeout:    500 * time.Millisecond,
		StatusTimeout:      50 * time.Millisecond,
		PulseTimeout:       200 * time.Millisecond,
		PulseGap:           0,
		SinglePressTimeout: 200 * time.Millisecond,
		DeviceThrottle:     30 * time.Millisecond,
		PressRelease:       true,
	}
}

// startCoordinator runs a coordinator until the test ends.
func startCoordinator(t *testing.T, hub Hub, timing config.Timing) *Coordinator {
	t.Helper()
	c := New(hub, timing, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
