package harmony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/harmonyfast/internal/config"
	"github.com/rs/zerolog"
)

// Request is an envelope received by the mock hub.
type Request struct {
	HubID   string `json:"hubId"`
	Timeout int    `json:"timeout"`
	Hbus    struct {
		Cmd    string          `json:"cmd"`
		ID     string          `json:"id"`
		Params json.RawMessage `json:"params"`
	} `json:"hbus"`
	At time.Time `json:"-"`
}

// Status returns params.status, set on holdAction frames.
func (r Request) Status() string {
	var p struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(r.Hbus.Params, &p)
	return p.Status
}

// MockHub simulates the hub WebSocket endpoint for testing.
type MockHub struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    []*websocket.Conn
	requests []Request

	// Respond returns the frames to send back for a request. The default
	// answers every request with code 200.
	Respond func(req Request) []string
}

// NewMockHub creates a new mock hub.
func NewMockHub(t *testing.T) *MockHub {
	m := &MockHub{
		t: t,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		Respond: Ack,
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleWS))
	return m
}

// Ack answers a request with a plain success.
func Ack(req Request) []string {
	return []string{`{"cmd":"` + req.Hbus.Cmd + `","code":200,"id":"` + req.Hbus.ID + `","msg":"OK"}`}
}

// IdleClose, returned by a responder, makes the hub close the socket
// normally, the way it does after an idle period.
const IdleClose = "<idle close>"

// Silent never answers.
func Silent(Request) []string { return nil }

// URL returns the WebSocket URL for the mock hub.
func (m *MockHub) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/?domain=svcs.myharmony.com&hubId=test"
}

// Close shuts down the mock hub.
func (m *MockHub) Close() {
	m.Drop()
	m.server.Close()
}

// Drop closes every open connection, like the hub's idle timeout.
func (m *MockHub) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		_ = conn.Close()
	}
	m.conns = nil
}

// Push sends an unsolicited frame to every connection.
func (m *MockHub) Push(frame string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
	}
}

// Requests returns all received requests.
func (m *MockHub) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request{}, m.requests...)
}

// WaitForRequests waits until n requests have arrived.
func (m *MockHub) WaitForRequests(ctx context.Context, n int) ([]Request, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if reqs := m.Requests(); len(reqs) >= n {
			return reqs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *MockHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.t.Logf("upgrade failed: %v", err)
		return
	}

	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			m.t.Logf("bad request: %v", err)
			continue
		}
		req.At = time.Now()

		m.mu.Lock()
		m.requests = append(m.requests, req)
		respond := m.Respond
		m.mu.Unlock()

		for _, frame := range respond(req) {
			m.mu.Lock()
			var err error
			if frame == IdleClose {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle")
				err = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			} else {
				err = conn.WriteMessage(websocket.TextMessage, []byte(frame))
			}
			m.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// SetRespond swaps the responder.
func (m *MockHub) SetRespond(fn func(Request) []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Respond = fn
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.HubIP = "127.0.0.1"
	cfg.RemoteID = "test"
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.PingInterval = 0
	cfg.Timing.ActivityTimeout = 500 * time.Millisecond
	cfg.Timing.StatusTimeout = 300 * time.Millisecond
	cfg.Timing.PulseTimeout = 200 * time.Millisecond
	cfg.Timing.PulseGap = 20 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, hub *MockHub, cfg *config.Config) *Client {
	t.Helper()
	c := New(cfg, zerolog.Nop(), WithURL(hub.URL()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// nopSender discards frames.
type nopSender struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (s *nopSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, data)
	return nil
}
