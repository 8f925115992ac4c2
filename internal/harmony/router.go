package harmony

import (
	"fmt"
	"sync"

	"github.com/markus-barta/harmonyfast/internal/protocol"
	"github.com/rs/zerolog"
)

// EventObserver receives classified push events.
type EventObserver interface {
	OnEvent(ev protocol.PushEvent) error
}

// EventObserverFunc adapts a function to EventObserver.
type EventObserverFunc func(ev protocol.PushEvent) error

func (f EventObserverFunc) OnEvent(ev protocol.PushEvent) error {
	return f(ev)
}

// Router fans push events out to observers. A failing observer does not
// affect the others.
type Router struct {
	log zerolog.Logger

	mu        sync.RWMutex
	observers []EventObserver
}

func NewRouter(log zerolog.Logger) *Router {
	return &Router{log: log.With().Str("component", "router").Logger()}
}

// Register adds an observer.
func (r *Router) Register(o EventObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Deliver hands ev to every observer in registration order and returns the
// number that failed.
func (r *Router) Deliver(ev protocol.PushEvent) int {
	r.mu.RLock()
	observers := append([]EventObserver(nil), r.observers...)
	r.mu.RUnlock()

	failed := 0
	for i, o := range observers {
		if err := r.call(o, ev); err != nil {
			failed++
			r.log.Warn().Err(err).Int("observer", i).Str("event", string(ev.Kind)).Msg("observer failed")
		}
	}
	return failed
}

func (r *Router) call(o EventObserver, ev protocol.PushEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("observer panic: %v", rec)
		}
	}()
	return o.OnEvent(ev)
}
