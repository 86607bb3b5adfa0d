package orchestrator

import (
	"sync"
	"time"

	"medcompress/policy"
	"medcompress/worker"
)

// EventType names the lifecycle events emitted to the hosting UI.
type EventType string

const (
	EventStarted   EventType = "compressionStarted"
	EventProgress  EventType = "compressionProgress"
	EventCompleted EventType = "compressionCompleted"
	EventError     EventType = "compressionError"
	EventCancelled EventType = "compressionCancelled"
	EventBypass    EventType = "emergencyBypass"
)

// Event is one lifecycle notification.
type Event struct {
	Type      EventType    `json:"type"`
	JobID     string       `json:"id,omitempty"`
	File      *policy.File `json:"file,omitempty"`
	Stage     worker.Stage `json:"stage,omitempty"`
	Progress  float64      `json:"progress,omitempty"`
	Result    *Result      `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// AllJobs subscribes to every event regardless of job id.
const AllJobs = "*"

// Bus fans events out to per-job and firehose subscribers. Slow
// subscribers drop events rather than block the orchestrator.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[string][]chan Event)}
}

// Subscribe returns a channel of events for one job id, or AllJobs for
// the firehose.
func (b *Bus) Subscribe(key string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 16)
	b.subscribers[key] = append(b.subscribers[key], ch)
	return ch
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(key string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[key]
	for i, sub := range subs {
		if sub == ch {
			b.subscribers[key] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}

	if len(b.subscribers[key]) == 0 {
		delete(b.subscribers, key)
	}
}

// Publish delivers an event to the job's subscribers and the firehose.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[ev.JobID] {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscriber
		}
	}
	if ev.JobID == AllJobs {
		return
	}
	for _, ch := range b.subscribers[AllJobs] {
		select {
		case ch <- ev:
		default:
		}
	}
}
