// Package eventbus is an in-process fanout of scheduler events.
//
// Publish never blocks: every subscriber owns a buffered channel and misses
// events once that buffer is full.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler and storage layers.
const (
	ExecutionStarted  = "execution.started"
	ExecutionFinished = "execution.finished"
	ExecutionAborted  = "execution.aborted"
	FireDropped       = "fire.dropped"
	StorageRetry      = "storage.retry"
	JobInstalled      = "job.installed"
	JobRemoved        = "job.removed"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// ExecutionEvent is the payload of the execution.* events.
type ExecutionEvent struct {
	ExecutionID string        `json:"execution_id"`
	JobID       int64         `json:"job_id"`
	JobName     string        `json:"job_name"`
	Status      string        `json:"status,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// DropEvent is published when a fire is skipped because the job is still running.
type DropEvent struct {
	JobID   int64     `json:"job_id"`
	JobName string    `json:"job_name"`
	FireAt  time.Time `json:"fire_at"`
	Manual  bool      `json:"manual"`
}

// RetryEvent reports one storage contention retry.
type RetryEvent struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Error   string        `json:"error"`
}

// JobEvent is the payload of job.installed and job.removed.
type JobEvent struct {
	JobID   int64     `json:"job_id"`
	JobName string    `json:"job_name,omitempty"`
	NextRun time.Time `json:"next_run,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards every event. Components use it when no bus is wired.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
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
	return ch, func() {
		once.Do(func() {
			// Holding the write lock guarantees no Publish is mid-send.
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped reports how many deliveries were skipped because a subscriber
// buffer was full. It returns 0 for buses not created by New.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
