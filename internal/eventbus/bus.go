package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type Topic string

const (
	// TopicCycleDone is published after a delivery cycle finishes. Data is CycleResult.
	TopicCycleDone Topic = "cycle.done"
	// TopicCycleFailed is published when a cycle aborts. Data is CycleResult.
	TopicCycleFailed Topic = "cycle.failed"
	// TopicTrackingChanged is published when a user's tracking state flips. Data is TrackingChange.
	TopicTrackingChanged Topic = "tracking.changed"
)

// Event is an in-memory signal. Publish never blocks; subscribers that fall
// behind lose events.
type Event struct {
	Topic Topic
	Time  time.Time
	Data  any
}

type CycleResult struct {
	CycleID   string
	UserID    int64
	Delivered int
	Duration  time.Duration
	Err       error
}

type TrackingChange struct {
	UserID  int64
	Enabled bool
}

type Bus interface {
	Publish(e Event)
	// Subscribe receives events for the given topics, or all topics when none are given.
	Subscribe(buffer int, topics ...Topic) (ch <-chan Event, unsubscribe func())
	// Dropped reports how many events were discarded for slow subscribers.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	topics []Topic
}

func (s *sub) wants(t Topic) bool {
	return len(s.topics) == 0 || slices.Contains(s.topics, t)
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under RLock; unsubscribe closes under the write lock, so
	// a send never races a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Topic) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, topics ...Topic) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), topics: slices.Clone(topics)}
	id := b.seq.Add(1)

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

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
