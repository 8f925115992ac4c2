package harmony

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/markus-barta/harmonyfast/internal/protocol"
	"github.com/rs/zerolog"
)

// Sender writes one encoded frame to the hub.
type Sender interface {
	Send(data []byte) error
}

// Pending is an outstanding request. It resolves exactly once: with the
// matching response, with a timeout, or with a connection failure.
type Pending struct {
	ID       string
	Cmd      protocol.Command
	Pulse    protocol.Pulse
	IssuedAt time.Time
	Deadline time.Time

	seq   uint64
	timer *time.Timer
	once  sync.Once
	done  chan struct{}
	resp  *protocol.Frame
	err   error
}

// Resolved returns a Pending that has already completed.
func Resolved(cmd protocol.Command, resp *protocol.Frame, err error) *Pending {
	p := &Pending{Cmd: cmd, IssuedAt: time.Now(), done: make(chan struct{})}
	p.resolve(resp, err)
	return p
}

func (p *Pending) resolve(resp *protocol.Frame, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the request resolves.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the request resolves or ctx is done. A cancelled ctx
// does not cancel the request; its own deadline still applies.
func (p *Pending) Wait(ctx context.Context) (*protocol.Frame, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatcher correlates requests with responses by id.
type Dispatcher struct {
	remoteID string
	sender   Sender
	log      zerolog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[string]*Pending
}

// NewDispatcher creates a dispatcher writing through sender.
func NewDispatcher(remoteID string, sender Sender, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		remoteID: remoteID,
		sender:   sender,
		log:      log.With().Str("component", "dispatcher").Logger(),
		pending:  make(map[string]*Pending),
	}
}

// Start assigns an id, registers the request and sends it. The returned
// Pending fails with ErrTimeout if no final response arrives in time.
func (d *Dispatcher) Start(cmd protocol.Command, pulse protocol.Pulse, timeout time.Duration) (*Pending, error) {
	d.mu.Lock()
	d.nextID++
	seq := d.nextID
	id := strconv.FormatUint(seq, 10)
	d.mu.Unlock()

	data, err := protocol.Encode(d.remoteID, id, cmd, pulse)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p := &Pending{
		ID:       id,
		Cmd:      cmd,
		Pulse:    pulse,
		IssuedAt: now,
		Deadline: now.Add(timeout),
		seq:      seq,
		done:     make(chan struct{}),
	}

	// Registered before sending so an immediate reply finds it.
	d.mu.Lock()
	p.timer = time.AfterFunc(timeout, func() { d.expire(p, timeout) })
	d.pending[id] = p
	d.mu.Unlock()

	if err := d.sender.Send(data); err != nil {
		if d.remove(id) {
			p.timer.Stop()
			p.resolve(nil, err)
		}
		return nil, err
	}

	d.log.Debug().Str("id", id).Str("cmd", cmd.String()).Str("pulse", string(pulse)).Msg("request sent")
	return p, nil
}

// Dispatch sends cmd and waits for its final response.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd protocol.Command, pulse protocol.Pulse, timeout time.Duration) (*protocol.Frame, error) {
	p, err := d.Start(cmd, pulse, timeout)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

func (d *Dispatcher) expire(p *Pending, timeout time.Duration) {
	if !d.remove(p.ID) {
		return
	}
	d.log.Warn().Str("id", p.ID).Str("cmd", p.Cmd.String()).Dur("timeout", timeout).Msg("request timed out")
	p.resolve(nil, fmt.Errorf("%w: %s after %v", protocol.ErrTimeout, p.Cmd, timeout))
}

func (d *Dispatcher) remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[id]; !ok {
		return false
	}
	delete(d.pending, id)
	return true
}

// Resolve completes the request f answers. Progress frames (code 100) keep
// the request pending. It reports whether f belonged to a request.
func (d *Dispatcher) Resolve(f *protocol.Frame) bool {
	if f.ID == "" {
		return false
	}

	d.mu.Lock()
	p, ok := d.pending[f.ID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	if f.IsProgress() {
		d.mu.Unlock()
		d.log.Debug().Str("id", f.ID).Msg("progress")
		return true
	}
	delete(d.pending, f.ID)
	d.mu.Unlock()

	p.timer.Stop()
	p.resolve(f, f.Err())
	return true
}

// IsPending reports whether id belongs to an outstanding request.
func (d *Dispatcher) IsPending(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[id]
	return ok
}

// Outstanding returns the number of unresolved requests.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// FailAll fails every outstanding request, in id order, with an error
// wrapping ErrConnection.
func (d *Dispatcher) FailAll(cause error) int {
	return d.FailThrough(^uint64(0), cause)
}

// LastSeq returns the sequence number of the most recently issued request.
func (d *Dispatcher) LastSeq() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextID
}

// FailThrough fails outstanding requests issued at or before seq, in id
// order. Later requests belong to a newer connection and stay pending.
func (d *Dispatcher) FailThrough(seq uint64, cause error) int {
	d.mu.Lock()
	failed := make([]*Pending, 0, len(d.pending))
	for id, p := range d.pending {
		if p.seq <= seq {
			failed = append(failed, p)
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()

	sort.Slice(failed, func(i, j int) bool { return failed[i].seq < failed[j].seq })

	for _, p := range failed {
		p.timer.Stop()
		err := fmt.Errorf("%w: connection lost", protocol.ErrConnection)
		if cause != nil {
			err = fmt.Errorf("%w: connection lost: %v", protocol.ErrConnection, cause)
		}
		p.resolve(nil, err)
	}
	if len(failed) > 0 {
		d.log.Warn().Int("count", len(failed)).Msg("failed outstanding requests")
	}
	return len(failed)
}
