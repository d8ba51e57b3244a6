package supervisor

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// ClosedEvent is emitted once when the assistant process ends.
type ClosedEvent struct {
	SessionID string `json:"sessionId"`
	Error     bool   `json:"error"`
	// Cause is the classified exit error, nil on a clean or requested exit.
	Cause error `json:"-"`
}

// ReadyEvent is emitted once per run when a session id is known.
type ReadyEvent struct {
	SessionID string `json:"sessionId"`
	TimedOut  bool   `json:"timedOut"`
}

// hub fans values out to subscribers. Handlers run on the emitting goroutine;
// a panicking handler is logged and skipped.
type hub[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(T)
}

func (h *hub[T]) subscribe(fn func(T)) func() {
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[int]func(T))
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub[T]) emit(v T) {
	h.mu.RLock()
	fns := make([]func(T), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("supervisor: event handler panicked: %v", r)
				}
			}()
			fn(v)
		}()
	}
}
