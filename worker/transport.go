package worker

import (
	"context"
	"log"
	"sync"
)

// Transport dispatches a compress request and returns the job's message
// stream. The stream carries zero or more progress messages and exactly
// one terminal message, unless the job is detached first. Detach must be
// idempotent and strictly by job id — never a global listener sweep.
type Transport interface {
	Dispatch(ctx context.Context, req Request) (<-chan Message, error)
	Detach(jobID string)
}

// Router multiplexes a shared worker channel to per-job subscribers
// keyed by job id. Messages for ids with no subscriber are discarded:
// a late result for a cancelled or timed-out job must never reach
// another job's listener.
type Router struct {
	mu   sync.Mutex
	subs map[string]chan Message
}

func NewRouter() *Router {
	return &Router{subs: make(map[string]chan Message)}
}

// Attach registers a subscriber for a job id and returns its stream.
// Attaching an id twice replaces and closes the previous stream.
func (r *Router) Attach(jobID string) <-chan Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.subs[jobID]; ok {
		close(prev)
	}
	ch := make(chan Message, 16)
	r.subs[jobID] = ch
	return ch
}

// Detach removes and closes the subscriber for a job id. No-op for
// unknown ids.
func (r *Router) Detach(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.subs[jobID]; ok {
		delete(r.subs, jobID)
		close(ch)
	}
}

// Deliver routes one message to its job's subscriber. Terminal messages
// detach the subscriber after delivery. Slow subscribers drop progress
// frames rather than block the shared channel.
func (r *Router) Deliver(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.subs[msg.JobID]
	if !ok {
		log.Printf("worker: dropping %s message for unknown job %s", msg.Type, msg.JobID)
		return
	}

	if msg.Terminal() {
		// A terminal frame must not be lost. If the buffer is full of
		// undrained progress frames, evict one to make room; only
		// Deliver sends on this channel, and it holds the lock.
		for {
			select {
			case ch <- msg:
				delete(r.subs, msg.JobID)
				return
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}

	select {
	case ch <- msg:
	default:
		log.Printf("worker: dropping progress frame for slow subscriber %s", msg.JobID)
	}
}

// Attached reports whether a job id currently has a subscriber.
func (r *Router) Attached(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[jobID]
	return ok
}
