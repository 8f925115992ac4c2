package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/markus-barta/harmonyfast/internal/protocol"
)

// Refresher keeps CurrentActivity in step with the hub. It queues a STATUS
// query every poll interval while connected and no activity is queued or
// outstanding, and one more afterTimeout after any non-status command times
// out. A zero poll disables polling.
type Refresher struct {
	c            *Coordinator
	poll         time.Duration
	afterTimeout time.Duration
	kick         chan struct{}
}

// NewRefresher attaches a refresher to c. Timeouts are noticed from now on;
// queries are only queued while Run is active.
func (c *Coordinator) NewRefresher(poll, afterTimeout time.Duration) *Refresher {
	r := &Refresher{c: c, poll: poll, afterTimeout: afterTimeout, kick: make(chan struct{}, 1)}
	c.OnResult(func(res Result) {
		if res.Command.Kind == protocol.KindStatus || !errors.Is(res.Err, protocol.ErrTimeout) {
			return
		}
		select {
		case r.kick <- struct{}{}:
		default:
		}
	})
	return r
}

// Run queues refresh queries until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	c := r.c

	var tick <-chan time.Time
	if r.poll > 0 {
		ticker := time.NewTicker(r.poll)
		defer ticker.Stop()
		tick = ticker.C
	}

	var retry *time.Timer
	var retryC <-chan time.Time
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-tick:
			s := c.Snapshot()
			if !s.Connected || s.Phase == PhaseActivityPending {
				c.log.Trace().Bool("connected", s.Connected).Str("phase", string(s.Phase)).Msg("status poll skipped")
				continue
			}
			c.queryStatus(ctx, "poll")

		case <-r.kick:
			if retry == nil {
				retry = time.NewTimer(r.afterTimeout)
				retryC = retry.C
			}

		case <-retryC:
			retry, retryC = nil, nil
			c.queryStatus(ctx, "timeout")
		}
	}
}

func (c *Coordinator) queryStatus(ctx context.Context, reason string) {
	if _, err := c.Submit(ctx, protocol.NewStatus()); err != nil {
		c.log.Debug().Err(err).Str("reason", reason).Msg("status refresh not queued")
		return
	}
	c.log.Debug().Str("reason", reason).Msg("status refresh queued")
}
