// Package harmony is the hub protocol client: it correlates requests with
// responses, performs device pulses and routes push events to observers.
package harmony

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/markus-barta/harmonyfast/internal/config"
	"github.com/markus-barta/harmonyfast/internal/protocol"
	"github.com/markus-barta/harmonyfast/internal/transport"
	"github.com/rs/zerolog"
)

// Client is a connection to one hub. The socket is opened on first use and
// kept open, reconnecting as needed, until Close.
type Client struct {
	cfg    *config.Config
	log    zerolog.Logger
	ws     *transport.Client
	codec  *protocol.Codec
	disp   *Dispatcher
	router *Router

	ctx    context.Context
	cancel context.CancelFunc
	start  sync.Once
	wg     sync.WaitGroup

	mu      sync.RWMutex
	session string
	ended   map[string]uint64 // session -> last request seq sent on it
	onState []func(transport.State)
}

// Option adjusts a Client at construction.
type Option func(*options)

type options struct {
	url string
}

// WithURL dials url instead of the address derived from the config.
func WithURL(url string) Option {
	return func(o *options) { o.url = url }
}

// New creates a client for the configured hub. Nothing is dialed yet.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) *Client {
	o := options{url: cfg.HubURL()}
	for _, opt := range opts {
		opt(&o)
	}

	def := transport.DefaultBackoff()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		log:    log.With().Str("component", "harmony").Logger(),
		codec:  protocol.NewCodec(nil),
		router: NewRouter(log),
		ended:  make(map[string]uint64),
		ctx:    ctx,
		cancel: cancel,
	}
	c.ws = transport.NewClient(transport.Options{
		URL: o.url,
		Backoff: transport.Backoff{
			Base:       cfg.BackoffBase,
			Max:        cfg.BackoffMax,
			Multiplier: def.Multiplier,
			Jitter:     def.Jitter,
		},
		PingInterval: cfg.PingInterval,
	}, log, c)
	c.disp = NewDispatcher(cfg.RemoteID, c.ws, log)
	return c
}

// Start opens the connection in the background. It is idempotent and is
// called implicitly by every operation that needs the hub.
func (c *Client) Start() {
	c.start.Do(func() {
		c.log.Info().Str("hub", c.cfg.HubIP).Msg("starting hub client")

		c.wg.Add(2)
		go func() {
			defer c.wg.Done()
			c.ws.Run(c.ctx)
		}()
		go func() {
			defer c.wg.Done()
			c.messageLoop()
		}()
	})
}

// Close stops reconnecting and fails whatever is still outstanding.
func (c *Client) Close() error {
	c.log.Info().Msg("closing hub client")
	c.cancel()
	err := c.ws.Close()
	c.disp.FailAll(errors.New("client closed"))
	c.wg.Wait()
	return err
}

// OnConnected implements transport.ConnectionHandler.
func (c *Client) OnConnected(session string) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.log.Info().Str("session", session).Msg("hub connected")
	c.notifyState(transport.StateConnected)
}

// OnDisconnected implements transport.ConnectionHandler. Requests sent on
// the lost socket fail when the message loop reaches the session's End
// marker, after every frame the hub sent before closing.
func (c *Client) OnDisconnected(session string, err error) {
	c.mu.Lock()
	c.session = ""
	c.ended[session] = c.disp.LastSeq()
	c.mu.Unlock()
	c.log.Info().Str("session", session).Msg("hub disconnected")
	c.notifyState(transport.StateDisconnected)
}

func (c *Client) endSession(in transport.Inbound) {
	c.mu.Lock()
	cutoff, ok := c.ended[in.Session]
	delete(c.ended, in.Session)
	c.mu.Unlock()
	if !ok {
		return
	}
	n := c.disp.FailThrough(cutoff, in.Err)
	c.log.Debug().Str("session", in.Session).Int("failed", n).Msg("session ended")
}

// OnStateChange registers a callback for connection changes.
func (c *Client) OnStateChange(fn func(transport.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

func (c *Client) notifyState(s transport.State) {
	c.mu.RLock()
	fns := append([]func(transport.State){}, c.onState...)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Client) messageLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case in := <-c.ws.Frames():
			if in.End {
				c.endSession(in)
				continue
			}
			c.handleFrame(in.Data)
		}
	}
}

func (c *Client) handleFrame(data []byte) {
	f, err := c.codec.Decode(data)
	if err != nil {
		c.log.Debug().Err(err).Msg("discarding frame")
		return
	}

	kind, ev := c.codec.Classify(f, c.disp.IsPending)
	switch kind {
	case protocol.FrameResponse:
		c.disp.Resolve(f)
	case protocol.FrameEvent:
		c.log.Debug().Str("event", string(ev.Kind)).Str("cmd", ev.Cmd).Msg("push event")
		c.router.Deliver(*ev)
	default:
		c.log.Trace().Str("id", f.ID).Str("cmd", f.Cmd).Msg("unclassified frame")
	}
}

// Observe registers a push-event observer.
func (c *Client) Observe(o EventObserver) {
	c.router.Register(o)
}

// SetEvents replaces the push-event vocabulary.
func (c *Client) SetEvents(rules []protocol.EventRule) {
	c.codec.SetEvents(rules)
}

// WaitConnected starts the client if needed and blocks until it is
// connected or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.Start()
	return c.ws.WaitConnected(ctx)
}

// State returns the connection state.
func (c *Client) State() transport.State {
	return c.ws.State()
}

// Session returns the current connection id, or "".
func (c *Client) Session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// LastActivity returns when the socket last carried a frame.
func (c *Client) LastActivity() time.Time {
	return c.ws.LastActivity()
}

// Send issues cmd and returns its pending request. Activity and status
// requests return as soon as they are on the wire. Device commands perform
// the whole press/release pulse first and return the press outcome, so two
// pulses never interleave.
func (c *Client) Send(ctx context.Context, cmd protocol.Command) (*Pending, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if err := c.WaitConnected(ctx); err != nil {
		return nil, err
	}

	if cmd.Kind == protocol.KindDevice {
		return c.pulse(ctx, cmd)
	}
	return c.disp.Start(cmd, "", c.cfg.Timing.TimeoutFor(cmd.Kind))
}

// Dispatch sends cmd and waits for the final response.
func (c *Client) Dispatch(ctx context.Context, cmd protocol.Command) (*protocol.Frame, error) {
	p, err := c.Send(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// CurrentActivity queries the hub for the running activity id.
func (c *Client) CurrentActivity(ctx context.Context) (string, error) {
	f, err := c.Dispatch(ctx, protocol.NewStatus())
	if err != nil {
		return "", err
	}
	id, ok := f.Result()
	if !ok {
		return "", errors.New("status response carries no result")
	}
	return id, nil
}

// pulse sends press then release. A release failure is logged only; the
// press outcome is what the caller sees.
func (c *Client) pulse(ctx context.Context, cmd protocol.Command) (*Pending, error) {
	t := c.cfg.Timing
	if !t.PressRelease {
		press, err := c.disp.Start(cmd, protocol.PulsePress, t.SinglePressTimeout)
		if err != nil {
			return nil, err
		}
		_, _ = press.Wait(ctx)
		return press, nil
	}

	press, err := c.disp.Start(cmd, protocol.PulsePress, t.PulseTimeout)
	if err != nil {
		return nil, err
	}
	if _, err := press.Wait(ctx); errors.Is(err, protocol.ErrConnection) || ctx.Err() != nil {
		return press, nil
	}

	if t.PulseGap > 0 {
		timer := time.NewTimer(t.PulseGap)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return press, nil
		}
	}

	release, err := c.disp.Start(cmd, protocol.PulseRelease, t.PulseTimeout)
	if err != nil {
		c.log.Debug().Err(err).Str("cmd", cmd.String()).Msg("release not sent")
		return press, nil
	}
	if _, err := release.Wait(ctx); err != nil {
		c.log.Debug().Err(err).Str("cmd", cmd.String()).Msg("release failed")
	}
	return press, nil
}
