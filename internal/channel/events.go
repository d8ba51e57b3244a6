package channel

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// EventType names a registry change.
type EventType string

const (
	EventProviderChanged    EventType = "provider-changed"
	EventAccountChanged     EventType = "account-changed"
	EventProxyConfigChanged EventType = "proxy-config-changed"
)

// Event is delivered to subscribers after the new state is visible to readers.
type Event struct {
	Type       EventType
	ProviderID string
	AccountID  string
	// External is true when the change was picked up from the file rather than
	// made through this Registry.
	External bool
}

type subscriber struct {
	id int
	fn func(Event)
}

type eventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber
}

// subscribe registers fn and returns a function that removes it.
func (b *eventBus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *eventBus) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs...)
	b.mu.RUnlock()

	for _, ev := range events {
		for _, s := range subs {
			deliver(s.fn, ev)
		}
	}
}

func deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("channel event handler panicked on %s: %v", ev.Type, r)
		}
	}()
	fn(ev)
}
