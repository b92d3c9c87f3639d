// Package eventbus is a small in-memory fanout used to decouple the
// scheduling services from each other and from the HTTP layer.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; slow subscribers lose events.
//
// Payloads should be small and JSON-serializable (the SSE endpoint
// forwards them verbatim).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event kinds published by the core services.
const (
	KindTaskChanged     = "task.changed"
	KindScheduleUpdated = "schedule.updated"
	KindReminderFired   = "reminder.fired"
	KindNotification    = "notification"
	KindIdentityMerged  = "identity.merged"
	KindDegraded        = "degraded"
)

type Event struct {
	Kind string    `json:"kind"`
	Time time.Time `json:"time"`
	User string    `json:"user,omitempty"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot under RLock so sends happen lock-free.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A subscriber may close its channel concurrently via unsubscribe;
		// the recover keeps Publish total.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
