// Package transport owns the single WebSocket connection to the hub.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/harmonyfast/internal/protocol"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// ConnectionHandler is called on connection events. OnDisconnected runs
// before the session's End marker is queued on the frame stream.
type ConnectionHandler interface {
	OnConnected(session string)
	OnDisconnected(session string, err error)
}

// Inbound is one item of the frame stream: a text frame, or the marker
// that ends a session. The marker follows every frame read on that session.
type Inbound struct {
	Session string
	Data    []byte
	End     bool
	Err     error // why the session ended
}

// Options configures the connection.
type Options struct {
	URL              string
	Backoff          Backoff
	PingInterval     time.Duration // 0 disables keep-alive pings
	HandshakeTimeout time.Duration
}

const (
	writeWait        = 5 * time.Second
	defaultHandshake = 3 * time.Second
	closeGracePeriod = time.Second
)

// Client manages the WebSocket connection to the hub.
type Client struct {
	opts    Options
	log     zerolog.Logger
	handler ConnectionHandler

	mu      sync.Mutex // guards conn, session, ready and all writes
	conn    *websocket.Conn
	session string
	ready   chan struct{} // closed while connected

	state        atomic.Int32
	lastActivity atomic.Int64
	attempt      int
	frames       chan Inbound
}

// NewClient creates a client. Nothing is dialed until Run or Connect.
func NewClient(opts Options, log zerolog.Logger, handler ConnectionHandler) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshake
	}
	return &Client{
		opts:    opts,
		log:     log.With().Str("component", "transport").Logger(),
		handler: handler,
		ready:   make(chan struct{}),
		frames:  make(chan Inbound, 64),
	}
}

// Run connects and keeps reconnecting with backoff until ctx is cancelled or
// Close is called. Idle closures by the hub are treated like any other drop.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil || c.State() == StateClosing {
			c.log.Debug().Msg("stopping")
			return
		}

		if err := c.Connect(ctx); err != nil {
			if ctx.Err() != nil || c.State() == StateClosing {
				return
			}
			delay := c.opts.Backoff.Next(c.attempt)
			c.attempt++
			c.log.Warn().Err(err).Dur("backoff", delay).Int("attempt", c.attempt).Msg("connection failed, retrying")
			c.wait(ctx, delay)
			continue
		}

		// Connected - reset backoff
		c.attempt = 0

		err := c.readLoop(ctx)
		if ctx.Err() != nil || c.State() == StateClosing {
			return
		}

		delay := c.opts.Backoff.Next(c.attempt)
		c.attempt++
		c.log.Info().Err(err).Dur("backoff", delay).Msg("connection lost, reconnecting")
		c.wait(ctx, delay)
	}
}

// Connect dials the hub. Errors wrap protocol.ErrConnection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.State() == StateClosing {
		c.mu.Unlock()
		return fmt.Errorf("%w: client closing", protocol.ErrConnection)
	}
	c.state.Store(int32(StateConnecting))
	c.mu.Unlock()

	c.log.Debug().Str("url", c.opts.URL).Msg("connecting")

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
		return fmt.Errorf("%w: %v", protocol.ErrConnection, err)
	}

	session := uuid.NewString()

	c.mu.Lock()
	if c.State() == StateClosing {
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: client closing", protocol.ErrConnection)
	}
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.session = session
	c.state.Store(int32(StateConnected))
	close(c.ready)
	c.mu.Unlock()

	c.touch()

	if c.opts.PingInterval > 0 {
		pongWait := c.opts.PingInterval * 3 / 2
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			c.touch()
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.pingLoop(ctx, conn)
	}

	c.log.Info().Str("session", session).Msg("connected to hub")
	if c.handler != nil {
		c.handler.OnConnected(session)
	}
	return nil
}

// readLoop pumps frames until the connection drops.
func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	session := c.session
	c.mu.Unlock()

	var readErr error
	defer func() {
		c.dropConn(conn)
		if c.handler != nil {
			c.handler.OnDisconnected(session, readErr)
		}
		select {
		case c.frames <- Inbound{Session: session, End: true, Err: readErr}:
		case <-ctx.Done():
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Str("session", session).Msg("read error")
			} else {
				c.log.Debug().Err(err).Str("session", session).Msg("hub closed connection")
			}
			return err
		}
		c.touch()

		if c.opts.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.opts.PingInterval * 3 / 2))
		}
		if msgType != websocket.TextMessage {
			continue
		}

		select {
		case c.frames <- Inbound{Session: session, Data: data}:
		case <-ctx.Done():
			readErr = ctx.Err()
			return readErr
		}
	}
}

// dropConn closes conn if it is still current and resets the ready gate.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.conn = nil
		c.session = ""
		c.ready = make(chan struct{})
		if c.State() != StateClosing {
			c.state.Store(int32(StateDisconnected))
		}
	}
	_ = conn.Close()
}

// pingLoop sends periodic pings on conn until it is replaced.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn == conn
			c.mu.Unlock()
			if !current {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (c *Client) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Send writes one text frame. Writes are serialized.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.State() != StateConnected {
		return fmt.Errorf("%w: not connected", protocol.ErrConnection)
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConnection, err)
	}
	c.touch()
	return nil
}

// Frames returns the inbound frame stream. The channel survives reconnects;
// an End marker closes each session after its last frame.
func (c *Client) Frames() <-chan Inbound {
	return c.frames
}

// WaitConnected blocks until the connection is up or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.State() == StateClosing {
			c.mu.Unlock()
			return fmt.Errorf("%w: client closing", protocol.ErrConnection)
		}
		if c.conn != nil {
			c.mu.Unlock()
			return nil
		}
		ready := c.ready
		c.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", protocol.ErrConnection, ctx.Err())
		}
	}
}

// State returns the lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Session returns the id of the current connection, or "".
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// LastActivity returns when a frame was last read or written.
func (c *Client) LastActivity() time.Time {
	ns := c.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Close shuts the connection down and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Store(int32(StateClosing))
	if c.conn == nil {
		return nil
	}

	deadline := time.Now().Add(closeGracePeriod)
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		deadline,
	)
	closeErr := c.conn.Close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return closeErr
}
