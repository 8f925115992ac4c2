package coordinator

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/markus-barta/harmonyfast/internal/protocol"
	"github.com/oklog/ulid/v2"
)

type entry struct {
	cmd    protocol.Command
	ticket *Ticket
}

func (e *entry) finish(res Result) {
	e.ticket.done <- res
}

// queue is the FIFO of admitted commands. Only the run loop touches it.
type queue struct {
	items   []*entry
	entropy io.Reader
}

func newQueue() *queue {
	return &queue{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// admit stamps cmd with a handle and appends it.
func (q *queue) admit(cmd protocol.Command, now time.Time) *entry {
	cmd.ID = ulid.MustNew(ulid.Timestamp(now), q.entropy).String()
	cmd.EnqueuedAt = now
	e := &entry{cmd: cmd, ticket: &Ticket{ID: cmd.ID, done: make(chan Result, 1)}}
	q.items = append(q.items, e)
	return e
}

func (q *queue) len() int {
	return len(q.items)
}

func (q *queue) head() *entry {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *queue) pop() *entry {
	e := q.head()
	if e != nil {
		q.items[0] = nil
		q.items = q.items[1:]
	}
	return e
}

// remove drops the queued command with the given handle.
func (q *queue) remove(id string) *entry {
	for i, e := range q.items {
		if e.cmd.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return e
		}
	}
	return nil
}

func (q *queue) has(kind protocol.Kind) bool {
	for _, e := range q.items {
		if e.cmd.Kind == kind {
			return true
		}
	}
	return false
}

// drain empties the queue and returns what was in it.
func (q *queue) drain() []*entry {
	items := q.items
	q.items = nil
	return items
}
