// Package coordinator serializes commands to the hub and owns the shared
// view of hub state. All state is mutated by a single run loop; everything
// else talks to it over channels and reads immutable snapshots.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-barta/harmonyfast/internal/config"
	"github.com/markus-barta/harmonyfast/internal/harmony"
	"github.com/markus-barta/harmonyfast/internal/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrCanceled resolves the ticket of a command removed before dispatch.
	ErrCanceled = errors.New("canceled before dispatch")

	// ErrNotQueued means the handle is unknown or already dispatched. A
	// dispatched command cannot be recalled from the hub.
	ErrNotQueued = errors.New("command not queued")

	// ErrStopped means the coordinator is not running.
	ErrStopped = errors.New("coordinator stopped")
)

// Hub sends commands. For device commands Send returns only after the
// whole pulse has been performed.
type Hub interface {
	Send(ctx context.Context, cmd protocol.Command) (*harmony.Pending, error)
}

type submitReq struct {
	cmd   protocol.Command
	reply chan submitReply
}

type submitReply struct {
	ticket *Ticket
	err    error
}

type cancelReq struct {
	id    string
	reply chan error
}

type completion struct {
	e     *entry
	frame *protocol.Frame
	err   error
}

// Coordinator is the command-state coordinator.
type Coordinator struct {
	hub     Hub
	log     zerolog.Logger
	limiter *rate.Limiter
	logs    *logStore

	submitCh chan submitReq
	cancelCh chan cancelReq
	eventCh  chan protocol.PushEvent
	connCh   chan bool
	doneCh   chan completion
	stopped  chan struct{}
	stopOnce sync.Once

	snapshot atomic.Pointer[State]

	obsMu     sync.RWMutex
	observers []Observer
	onResult  []func(Result)
	subs      map[int]chan State
	nextSub   int

	// Owned by the run loop.
	queue    *queue
	activity *entry
	inFlight int
	state    State
}

// New creates a coordinator. Run must be called to start processing.
func New(hub Hub, timing config.Timing, log zerolog.Logger) *Coordinator {
	limit := rate.Inf
	if timing.DeviceThrottle > 0 {
		limit = rate.Every(timing.DeviceThrottle)
	}

	c := &Coordinator{
		hub:      hub,
		log:      log.With().Str("component", "coordinator").Logger(),
		limiter:  rate.NewLimiter(limit, 1),
		submitCh: make(chan submitReq),
		cancelCh: make(chan cancelReq),
		eventCh:  make(chan protocol.PushEvent, 16),
		connCh:   make(chan bool, 4),
		doneCh:   make(chan completion),
		stopped:  make(chan struct{}),
		subs:     make(map[int]chan State),
		queue:    newQueue(),
		state:    State{Phase: PhaseIdle, UpdatedAt: time.Now()},
	}
	c.logs = newLogStore(c.log)
	initial := c.state
	c.snapshot.Store(&initial)
	return c
}

// Run processes commands until ctx is done. Commands still queued at that
// point resolve with ErrStopped.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info().Msg("coordinator started")
	defer c.stopOnce.Do(func() { close(c.stopped) })

	dispatch := make(chan *entry)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.sendLoop(ctx, dispatch)
	}()
	defer wg.Wait()

	for {
		var out chan *entry
		head := c.queue.head()
		if head != nil {
			out = dispatch
		}

		select {
		case <-ctx.Done():
			for _, e := range c.queue.drain() {
				e.finish(Result{Command: e.cmd, Err: ErrStopped})
			}
			c.log.Info().Msg("coordinator stopped")
			return nil

		case req := <-c.submitCh:
			ticket, err := c.admit(req.cmd)
			req.reply <- submitReply{ticket: ticket, err: err}

		case req := <-c.cancelCh:
			req.reply <- c.cancel(req.id)

		case out <- head:
			c.dispatched(c.queue.pop())

		case done := <-c.doneCh:
			c.complete(done)

		case ev := <-c.eventCh:
			c.applyEvent(ev)

		case up := <-c.connCh:
			if c.state.Connected != up {
				c.state.Connected = up
				c.record(LogLevelInfo, "", "connection", connMessage(up))
			}
		}
	}
}

func connMessage(up bool) string {
	if up {
		return "hub connected"
	}
	return "hub disconnected"
}

// sendLoop hands commands to the hub one at a time, in queue order.
// Device commands are paced by the limiter and run their pulse inline;
// activity and status responses are awaited in the background.
func (c *Coordinator) sendLoop(ctx context.Context, dispatch <-chan *entry) {
	for {
		var e *entry
		select {
		case <-ctx.Done():
			return
		case e = <-dispatch:
		}

		if e.cmd.Kind == protocol.KindDevice {
			if err := c.limiter.Wait(ctx); err != nil {
				c.finish(ctx, completion{e: e, err: err})
				continue
			}
		}

		p, err := c.hub.Send(ctx, e.cmd)
		if err != nil {
			c.finish(ctx, completion{e: e, err: err})
			continue
		}

		if e.cmd.Kind == protocol.KindDevice {
			f, err := p.Wait(ctx)
			c.finish(ctx, completion{e: e, frame: f, err: err})
			continue
		}

		go func(e *entry, p *harmony.Pending) {
			f, err := p.Wait(ctx)
			c.finish(ctx, completion{e: e, frame: f, err: err})
		}(e, p)
	}
}

func (c *Coordinator) finish(ctx context.Context, done completion) {
	select {
	case c.doneCh <- done:
	case <-ctx.Done():
		done.e.finish(Result{Command: done.e.cmd, Err: ErrStopped})
	}
}

// admit applies admission control. Only one activity may be queued or
// outstanding; everything else is always admitted.
func (c *Coordinator) admit(cmd protocol.Command) (*Ticket, error) {
	if cmd.Kind == protocol.KindActivity && (c.activity != nil || c.queue.has(protocol.KindActivity)) {
		c.log.Debug().Str("cmd", cmd.String()).Msg("activity rejected, another is pending")
		c.logs.add(LogEntry{
			Level:   LogLevelWarning,
			Phase:   c.state.Phase,
			Code:    "rejected",
			Message: fmt.Sprintf("%s rejected: activity already pending", cmd),
		})
		return nil, protocol.ErrRejected
	}

	e := c.queue.admit(cmd, time.Now())
	c.record(LogLevelInfo, e.cmd.ID, "queued", e.cmd.String()+" queued")
	return e.ticket, nil
}

func (c *Coordinator) cancel(id string) error {
	e := c.queue.remove(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	c.record(LogLevelInfo, id, "canceled", e.cmd.String()+" canceled before dispatch")
	e.finish(Result{Command: e.cmd, Err: ErrCanceled})
	return nil
}

func (c *Coordinator) dispatched(e *entry) {
	c.inFlight++
	if e.cmd.Kind == protocol.KindActivity {
		c.activity = e
	}
	c.record(LogLevelDebug, e.cmd.ID, "dispatched", e.cmd.String()+" dispatched")
}

// complete publishes the resulting snapshot before the producer sees the
// result.
func (c *Coordinator) complete(done completion) {
	e := done.e
	c.inFlight--
	if c.activity == e {
		c.activity = nil
	}

	res := Result{Command: e.cmd, Frame: done.frame, Err: done.err}
	if done.err != nil {
		c.state.LastError = &LastError{
			Message: done.err.Error(),
			Command: e.cmd.String(),
			At:      time.Now(),
		}
		msg := fmt.Sprintf("%s failed: %v", e.cmd, done.err)
		if errors.Is(done.err, protocol.ErrTimeout) {
			msg += " (issue a status query to learn the hub state)"
		}
		c.record(LogLevelError, e.cmd.ID, "failed", msg)
		e.finish(res)
		c.notifyResult(res)
		return
	}

	switch e.cmd.Kind {
	case protocol.KindActivity:
		c.state.CurrentActivity = e.cmd.Target
	case protocol.KindStatus:
		if id, ok := done.frame.Result(); ok {
			c.state.CurrentActivity = id
		}
	}
	c.record(LogLevelSuccess, e.cmd.ID, "completed", e.cmd.String()+" completed")
	e.finish(res)
	c.notifyResult(res)
}

func (c *Coordinator) notifyResult(res Result) {
	c.obsMu.RLock()
	hooks := append([]func(Result){}, c.onResult...)
	c.obsMu.RUnlock()
	for _, fn := range hooks {
		fn(res)
	}
}

func (c *Coordinator) applyEvent(ev protocol.PushEvent) {
	switch ev.Kind {
	case protocol.EventActivityChanged:
		id, ok := ev.ActivityID()
		if !ok || id == c.state.CurrentActivity {
			return
		}
		c.state.CurrentActivity = id
		c.record(LogLevelInfo, "", "activity_changed", "hub reports activity "+id)
	case protocol.EventDeviceStateChanged:
		c.logs.add(LogEntry{Level: LogLevelDebug, Phase: c.state.Phase, Code: "device_state", Message: ev.Cmd})
	}
}

// record logs a transition and publishes a new snapshot.
func (c *Coordinator) record(level LogLevel, id, code, msg string) {
	c.state.QueueDepth = c.queue.len()
	c.state.InFlight = c.inFlight
	c.state.ActivityLock = c.activity != nil
	c.state.Processing = c.state.QueueDepth > 0 || c.inFlight > 0

	switch {
	case c.activity != nil || c.queue.has(protocol.KindActivity):
		c.state.Phase = PhaseActivityPending
	case c.state.Processing:
		c.state.Phase = PhaseDevicePending
	default:
		c.state.Phase = PhaseIdle
	}
	c.state.Version++
	c.state.UpdatedAt = time.Now()

	c.logs.add(LogEntry{Level: level, Phase: c.state.Phase, Command: id, Code: code, Message: msg})

	snap := c.state
	if snap.LastError != nil {
		le := *snap.LastError
		snap.LastError = &le
	}
	c.snapshot.Store(&snap)
	c.notify(snap)
}

func (c *Coordinator) notify(s State) {
	c.obsMu.RLock()
	observers := append([]Observer(nil), c.observers...)
	subs := make([]chan State, 0, len(c.subs))
	for _, ch := range c.subs {
		subs = append(subs, ch)
	}
	c.obsMu.RUnlock()

	for _, o := range observers {
		c.callObserver(o, s)
	}
	for _, ch := range subs {
		select {
		case ch <- s:
		default:
			// Full: drop the oldest so the newest snapshot always lands.
			select {
			case old := <-ch:
				c.log.Debug().Uint64("version", old.Version).Msg("subscriber behind, snapshot skipped")
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func (c *Coordinator) callObserver(o Observer, s State) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("observer panicked")
		}
	}()
	o.OnState(s)
}

// Submit admits cmd and returns its ticket. A second activity while one is
// pending fails with protocol.ErrRejected and is never queued.
func (c *Coordinator) Submit(ctx context.Context, cmd protocol.Command) (*Ticket, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	reply := make(chan submitReply, 1)
	select {
	case c.submitCh <- submitReq{cmd: cmd, reply: reply}:
	case <-c.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r := <-reply
	return r.ticket, r.err
}

// Do submits cmd and waits for its result.
func (c *Coordinator) Do(ctx context.Context, cmd protocol.Command) Result {
	ticket, err := c.Submit(ctx, cmd)
	if err != nil {
		return Result{Command: cmd, Err: err}
	}
	select {
	case res := <-ticket.Done():
		return res
	case <-ctx.Done():
		return Result{Command: cmd, Err: ctx.Err()}
	}
}

// Cancel removes a queued command. Its ticket resolves with ErrCanceled.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	reply := make(chan error, 1)
	select {
	case c.cancelCh <- cancelReq{id: id, reply: reply}:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

// OnEvent feeds a hub push event into the state machine. It implements
// harmony.EventObserver.
func (c *Coordinator) OnEvent(ev protocol.PushEvent) error {
	select {
	case c.eventCh <- ev:
		return nil
	case <-c.stopped:
		return ErrStopped
	}
}

// SetConnected records the hub connection state.
func (c *Coordinator) SetConnected(up bool) {
	select {
	case c.connCh <- up:
	case <-c.stopped:
	}
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() State {
	return *c.snapshot.Load()
}

// RecentLogs returns up to limit transition log entries, oldest first.
func (c *Coordinator) RecentLogs(limit int) []LogEntry {
	return c.logs.recent(limit)
}

// Observe registers a synchronous observer. It runs on the coordinator's
// loop and must not block.
func (c *Coordinator) Observe(o Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, o)
}

// OnResult registers a callback for every dispatched command's outcome. It
// runs on the coordinator's loop and must not block.
func (c *Coordinator) OnResult(fn func(Result)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.onResult = append(c.onResult, fn)
}

// Subscribe returns a channel of snapshots. When the channel is full the
// oldest buffered snapshot is dropped, so the latest state is always
// delivered. Call the returned function to unsubscribe.
func (c *Coordinator) Subscribe(buffer int) (<-chan State, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan State, buffer)

	c.obsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.obsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.obsMu.Lock()
			delete(c.subs, id)
			c.obsMu.Unlock()
		})
	}
}
