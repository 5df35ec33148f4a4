package transport

import (
	"fmt"
	"sync"
)

// DefaultQueueCapacity matches the per-thread quota of a native message queue.
const DefaultQueueCapacity = 10000

// Host error codes carried by PostError.
const (
	CodeInvalidTarget uint32 = 1400 // Target does not name a live queue
	CodeQueueFull     uint32 = 1816 // Target queue is at capacity
)

// PostError is the TransportFailure: the post did not happen, the sender still owns
// the region. It is returned synchronously, never sent over a queue.
type PostError struct {
	Target Target
	Code   uint32
}

func (e *PostError) Error() string {
	reason := "unknown"
	switch e.Code {
	case CodeInvalidTarget:
		reason = "invalid target"
	case CodeQueueFull:
		reason = "queue full"
	}
	return fmt.Sprintf("transport: post to target %d failed: host error %d (%s)", e.Target, e.Code, reason)
}

// Poster delivers an envelope to a target queue.
type Poster interface {
	Post(target Target, env Envelope) error
}

// Router is the table of live queues in this process.
type Router struct {
	mu     sync.RWMutex
	next   Target
	queues map[Target]*Queue
}

// NewRouter creates a router with no queues open.
func NewRouter() *Router {
	return &Router{queues: make(map[Target]*Queue)}
}

// Open creates a queue and registers it under a fresh target.
func (r *Router) Open(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	q := &Queue{
		target: r.next,
		ch:     make(chan Envelope, capacity),
		done:   make(chan struct{}),
		router: r,
	}
	r.queues[q.target] = q
	return q
}

// IsLive reports whether target names an open queue.
func (r *Router) IsLive(target Target) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.queues[target]
	return ok
}

// Post enqueues env without blocking.
func (r *Router) Post(target Target, env Envelope) error {
	r.mu.RLock()
	q, ok := r.queues[target]
	r.mu.RUnlock()
	if !ok {
		return &PostError{Target: target, Code: CodeInvalidTarget}
	}

	select {
	case q.ch <- env:
		return nil
	default:
		return &PostError{Target: target, Code: CodeQueueFull}
	}
}

func (r *Router) remove(target Target) {
	r.mu.Lock()
	delete(r.queues, target)
	r.mu.Unlock()
}
