package harmony

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/markus-barta/harmonyfast/internal/protocol"
	"github.com/markus-barta/harmonyfast/internal/transport"
)

func TestClient_StartActivity(t *testing.T) {
	hub := NewMockHub(t)
	defer hub.Close()
	c := newTestClient(t, hub, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.State() != transport.StateDisconnected {
		t.Fatalf("nothing should be dialed before the first command, got %s", c.State())
	}

	f, err := c.Dispatch(ctx, protocol.NewActivity("12345", "tv"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if f.Code != 200 {
		t.Errorf("expected code 200, got %d", f.Code)
	}

	reqs := hub.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if reqs[0].Hbus.ID != "1" {
		t.Errorf("expected id '1', got %q", reqs[0].Hbus.ID)
	}
	if reqs[0].Hbus.Cmd != protocol.CmdStartActivity || reqs[0].Timeout != 30 {
		t.Errorf("unexpected envelope %+v", reqs[0])
	}
	if !strings.Contains(string(reqs[0].Hbus.Params), `"activityId":"12345"`) {
		t.Errorf("activity id missing from params: %s", reqs[0].Hbus.Params)
	}
}

func TestClient_CurrentActivity(t *testing.T) {
	hub := NewMockHub(t)
	defer hub.Close()
	hub.SetRespond(func(req Request) []string {
		return []string{`{"cmd":"x","code":200,"id":"` + req.Hbus.ID + `","msg":"OK","data":{"result":"-1"}}`}
	})
	c := newTestClient(t, hub, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := c.CurrentActivity(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if id != protocol.AllOff {
		t.Errorf("expected -1, got %q", id)
	}
}

func TestClient_ProgressThenFinal(t *testing.T) {
	hub := NewMockHub(t)
	defer hub.Close()
	hub.SetRespond(func(req Request) []string {
		return []string{
			`{"id":"` + req.Hbus.ID + `","code":100,"msg":"Continue"}`,
			`{"id":"` + req.Hbus.ID + `","code":200,"msg":"OK"}`,
		}
	})
	c := newTestClient(t, hub, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f, err := c.Dispatch(ctx, protocol.NewActivity("1", "a"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if f.Code != 200 {
		t.Errorf("expected final frame, got code %d", f.Code)
	}
}

func TestClient_TimeoutWhenHubIsSilent(t *testing.T) {
	hub := NewMockHub(t)
	defer hub.Close()
	hub.SetRespond(Silent)
	c := newTestClient(t, hub, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Dispatch(ctx, protocol.NewStatus())
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestClient_DevicePulse(t *testing.T) {
	hub := NewMockHub(t)
	defer hub.Close()
	cfg := testConfig()
	c := newTestClient(t, hub, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Dispatch(ctx, protocol.NewDevice("555", "VolumeUp", "vol+")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	reqs, err := hub.WaitForRequests(ctx, 2)
	if err != nil {
		t.Fatalf("expected press and release: %v", err)
	}
	if reqs[0].Status() != "press" || reqs[1].Status() != "release" {
		t.Errorf("expected press then release, got %s, %s", reqs[0].Status(), reqs[1].Status())
	}
	if gap := reqs[1].At.Sub(reqs[0].At); gap < cfg.Timing.PulseGap {
		t.Errorf("release sent %v after press, want at least %v", gap, cfg.Timing.PulseGap)
	}
	if reqs[0].Hbus.ID == reqs[1].Hbus.ID {
		t.Error("press and release must use distinct ids")
	}
}

func TestClient_ReleaseFailureIsIgnored(t *testing.T) {
	hub := NewMockHub(t)
	defer hub.Close()
	hub.SetRespond(func(req Request) []string {
		if req.Status() == "release" {
			return nil
		}
		return Ack(req)
	})
	c := newTestClient(t, hub, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Dispatch(ctx, protocol.NewDevice("555", "Mute", "mute")); err != nil {
		t.Errorf("release timeout should not fail the command: %v", err)
	}
}

func TestClient_SinglePress(t *testing.T) {
	hub := NewMockHub(t)
	defer hub.Close()
	cfg := testConfig()
	cfg.Timing.PressRelease = false
	c := newTestClient(t, hub, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Dispatch(ctx, protocol.NewDevice("555", "Mute", "mute")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if reqs := hub.Requests(); len(reqs) != 1 || reqs[0].Status() != "press" {
		t.Errorf("expected a single press, got %d requests", len(reqs))
	}
}

func TestClient_PushEvents(t *testing.T) {
	hub := NewMockHub(t)
	defer hub.Close()
	c := newTestClient(t, hub, testConfig())

	events := make(chan protocol.PushEvent, 4)
	c.Observe(EventObserverFunc(func(ev protocol.PushEvent) error {
		panic("misbehaving observer")
	}))
	c.Observe(EventObserverFunc(func(ev protocol.PushEvent) error {
		events <- ev
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	hub.Push(`not json`)
	hub.Push(`{"cmd":"harmony.engine?metadata","data":{}}`)
	hub.Push(`{"cmd":"harmony.engine?startActivityFinished","data":{"activityId":"999"}}`)

	select {
	case ev := <-events:
		if ev.Kind != protocol.EventActivityChanged {
			t.Errorf("expected activity_changed, got %s", ev.Kind)
		}
		if id, _ := ev.ActivityID(); id != "999" {
			t.Errorf("expected activity 999, got %q", id)
		}
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}

	// The connection survives malformed frames and panicking observers.
	if _, err := c.Dispatch(ctx, protocol.NewStatus()); err != nil {
		t.Errorf("dispatch after events: %v", err)
	}
}

func TestClient_ConnectionLossFailsPending(t *testing.T) {
	hub := NewMockHub(t)
	defer hub.Close()
	hub.SetRespond(Silent)
	cfg := testConfig()
	cfg.Timing.ActivityTimeout = 5 * time.Second
	c := newTestClient(t, hub, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := c.Send(ctx, protocol.NewActivity("1", "a"))
	if err != nil {
		t.Fatalf("send a: %v", err)
	}
	b, err := c.Send(ctx, protocol.NewActivity("2", "b"))
	if err != nil {
		t.Fatalf("send b: %v", err)
	}
	if _, err := hub.WaitForRequests(ctx, 2); err != nil {
		t.Fatal(err)
	}

	hub.Drop()

	for _, p := range []*Pending{a, b} {
		start := time.Now()
		_, err := p.Wait(ctx)
		if !errors.Is(err, protocol.ErrConnection) {
			t.Errorf("%s: expected ErrConnection, got %v", p.ID, err)
		}
		if time.Since(start) > 2*time.Second {
			t.Errorf("%s: failure waited for the deadline", p.ID)
		}
	}

	// The client reconnects for the next command.
	hub.SetRespond(Ack)
	if _, err := c.Dispatch(ctx, protocol.NewStatus()); err != nil {
		t.Errorf("dispatch after reconnect: %v", err)
	}
}

func TestClient_ResponseBeforeIdleCloseStillResolves(t *testing.T) {
	hub := NewMockHub(t)
	defer hub.Close()
	hub.SetRespond(func(req Request) []string {
		return []string{
			`{"cmd":"harmony.engine?startActivityFinished","data":{"activityId":"7"}}`,
			`{"cmd":"x","code":200,"id":"` + req.Hbus.ID + `","msg":"OK","data":{"result":"7"}}`,
			IdleClose,
		}
	})
	c := newTestClient(t, hub, testConfig())

	// A slow observer keeps the response queued behind the event while the
	// socket closes.
	c.Observe(EventObserverFunc(func(protocol.PushEvent) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := c.CurrentActivity(ctx)
	if err != nil {
		t.Fatalf("response sent before the close must resolve the request: %v", err)
	}
	if id != "7" {
		t.Errorf("expected activity 7, got %q", id)
	}
}

func TestClient_RejectsInvalidCommand(t *testing.T) {
	hub := NewMockHub(t)
	defer hub.Close()
	c := newTestClient(t, hub, testConfig())

	_, err := c.Send(context.Background(), protocol.Command{Kind: protocol.KindDevice, Target: "1"})
	if !errors.Is(err, protocol.ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand, got %v", err)
	}
	if len(hub.Requests()) != 0 {
		t.Error("invalid command must not reach the hub")
	}
}
