package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/harmonyfast/internal/protocol"
	"github.com/rs/zerolog"
)

// echoHub accepts connections and echoes text frames back.
type echoHub struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    []*websocket.Conn
	accepts  int
}

func newEchoHub(t *testing.T) *echoHub {
	h := &echoHub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.accepts++
		h.mu.Unlock()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	return h
}

func (h *echoHub) URL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + "/"
}

func (h *echoHub) Accepts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepts
}

// dropAll closes every server-side connection, like the hub's idle timeout.
func (h *echoHub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		_ = c.Close()
	}
	h.conns = nil
}

func (h *echoHub) Close() {
	h.dropAll()
	h.server.Close()
}

type recordingHandler struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
}

func (r *recordingHandler) OnConnected(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, session)
}

func (r *recordingHandler) OnDisconnected(session string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, session)
}

func (r *recordingHandler) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected), len(r.disconnected)
}

func testOptions(url string) Options {
	return Options{
		URL:     url,
		Backoff: Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2},
	}
}

func TestClient_SendAndReceive(t *testing.T) {
	hub := newEchoHub(t)
	defer hub.Close()

	c := NewClient(testOptions(hub.URL()), zerolog.Nop(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)

	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("wait connected: %v", err)
	}
	if c.State() != StateConnected {
		t.Errorf("expected connected, got %s", c.State())
	}
	if c.Session() == "" {
		t.Error("expected a session id")
	}

	if err := c.Send([]byte(`{"cmd":"ping"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case frame := <-c.Frames():
		if string(frame.Data) != `{"cmd":"ping"}` || frame.Session != c.Session() {
			t.Errorf("unexpected frame %+v", frame)
		}
	case <-ctx.Done():
		t.Fatal("no frame received")
	}

	if c.LastActivity().IsZero() {
		t.Error("expected last activity to be recorded")
	}

	_ = c.Close()
}

func TestClient_ReconnectsAfterHubClose(t *testing.T) {
	hub := newEchoHub(t)
	defer hub.Close()

	handler := &recordingHandler{}
	c := NewClient(testOptions(hub.URL()), zerolog.Nop(), handler)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)

	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("wait connected: %v", err)
	}
	first := c.Session()

	hub.dropAll()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Accepts() >= 2 && c.State() == StateConnected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if hub.Accepts() < 2 {
		t.Fatalf("expected a reconnect, got %d accepts", hub.Accepts())
	}
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("wait reconnected: %v", err)
	}
	if c.Session() == first {
		t.Error("expected a new session after reconnect")
	}

	conns, drops := handler.counts()
	if conns < 2 || drops < 1 {
		t.Errorf("expected >=2 connects and >=1 disconnect, got %d/%d", conns, drops)
	}

	if err := c.Send([]byte(`{"cmd":"again"}`)); err != nil {
		t.Errorf("send after reconnect: %v", err)
	}

	_ = c.Close()
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	c := NewClient(testOptions("ws://127.0.0.1:1/"), zerolog.Nop(), nil)

	err := c.Send([]byte("{}"))
	if !errors.Is(err, protocol.ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}

func TestClient_WaitConnectedHonorsContext(t *testing.T) {
	c := NewClient(testOptions("ws://127.0.0.1:1/"), zerolog.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go c.Run(ctx)

	start := time.Now()
	err := c.WaitConnected(ctx)
	if !errors.Is(err, protocol.ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("WaitConnected did not return on context expiry")
	}
}

func TestClient_CloseStopsRun(t *testing.T) {
	hub := newEchoHub(t)
	defer hub.Close()

	c := NewClient(testOptions(hub.URL()), zerolog.Nop(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("wait connected: %v", err)
	}
	_ = c.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Close")
	}
	if c.State() != StateClosing {
		t.Errorf("expected closing, got %s", c.State())
	}
	if err := c.WaitConnected(ctx); !errors.Is(err, protocol.ErrConnection) {
		t.Errorf("expected ErrConnection after close, got %v", err)
	}
}

func TestClient_EndMarkerFollowsLastFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"1"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"2"}`))
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	handler := &recordingHandler{}
	c := NewClient(testOptions("ws"+strings.TrimPrefix(srv.URL, "http")), zerolog.Nop(), handler)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)
	defer func() { _ = c.Close() }()

	var got []Inbound
	for len(got) < 3 {
		select {
		case in := <-c.Frames():
			got = append(got, in)
		case <-ctx.Done():
			t.Fatalf("stream stalled after %d items", len(got))
		}
	}

	if string(got[0].Data) != `{"id":"1"}` || string(got[1].Data) != `{"id":"2"}` {
		t.Errorf("frames out of order: %+v", got[:2])
	}
	if !got[2].End || got[2].Session != got[0].Session {
		t.Errorf("expected the session's end marker third, got %+v", got[2])
	}
	if !websocket.IsCloseError(got[2].Err, websocket.CloseNormalClosure) {
		t.Errorf("end marker should carry the close, got %v", got[2].Err)
	}
	if _, drops := handler.counts(); drops < 1 {
		t.Error("OnDisconnected should run before the marker is read")
	}
}
