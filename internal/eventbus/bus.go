package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names a lifecycle transition.
type Type string

const (
	Initialized    Type = "initialized"
	TaskRegistered Type = "task.registered"
	TaskCancelled  Type = "task.cancelled"
	TaskStarted    Type = "task.started"
	TaskCompleted  Type = "task.completed"
	TaskFailed     Type = "task.failed"
	RetryScheduled Type = "retry.scheduled"
	RetryExhausted Type = "retry.exhausted"
	SyncEnqueued   Type = "sync.enqueued"
	SyncCompleted  Type = "sync.completed"
	SyncFailed     Type = "sync.failed"
)

// Event is an in-memory signal describing a transition that already happened.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Each subscriber sees events in publish order.
//   - Slow subscribers lose events according to their Policy.
//
// Meta should be small and ideally JSON-serializable.
type Event struct {
	Seq   uint64         `json:"seq"`
	Type  Type           `json:"type"`
	Time  time.Time      `json:"time"`
	ID    string         `json:"id,omitempty"`
	Error string         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Policy decides what a full subscriber buffer gives up.
type Policy int

const (
	// DropNewest discards the event being published.
	DropNewest Policy = iota
	// DropOldest evicts the oldest buffered event to make room.
	DropOldest
)

// ParsePolicy maps a config value to a Policy. Unknown values yield DropNewest.
func ParsePolicy(s string) Policy {
	switch s {
	case "drop_oldest", "drop-oldest", "oldest":
		return DropOldest
	default:
		return DropNewest
	}
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, policy Policy) (ch <-chan Event, unsubscribe func())
}

// Stats is a best-effort view for diagnostics.
type Stats struct {
	Subscribers int
	Published   uint64
	Dropped     uint64
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch     chan Event
	policy Policy
}

// MemBus is the in-process Bus implementation.
type MemBus struct {
	// mu serializes Publish against itself and against unsubscribe, so
	// subscribers observe a single global order and never see a send on a
	// closed channel.
	mu   sync.Mutex
	subs map[uint64]*subscriber
	ids  atomic.Uint64
	seq  uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	b.published.Add(1)

	for _, s := range b.subs {
		select {
		case s.ch <- e:
			continue
		default:
		}
		if s.policy == DropOldest {
			select {
			case <-s.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case s.ch <- e:
				continue
			default:
			}
		}
		b.dropped.Add(1)
	}
}

func (b *MemBus) Subscribe(buffer int, policy Policy) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), policy: policy}
	id := b.ids.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}

func (b *MemBus) Stats() Stats {
	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()
	return Stats{Subscribers: n, Published: b.published.Load(), Dropped: b.dropped.Load()}
}
