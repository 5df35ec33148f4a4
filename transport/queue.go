// Package transport moves opaque (region handle, size) pairs between native message
// queues, and moves framed requests between a remote controller and the gateway.
//
// In-process layout:
//
//	controller ──Post(worker target)──► worker Queue ──Get──► dispatch
//	worker     ──Send(id, text)───────► controller Queue (or a channel target)
//
// Posting is fire-and-forget and at-most-once: a post either lands in the target queue
// or fails immediately with a PostError. Nothing is retried.
package transport

import (
	"context"
	"sync"

	"scriptbridge/arena"
)

// Target names a native message queue. Zero is never a valid target.
type Target uint32

// Envelope is what travels through a queue: a region handle and its byte length.
type Envelope struct {
	Handle arena.Handle
	Size   int
}

// IsLiveness reports whether e is the zero-length startup notification.
func (e Envelope) IsLiveness() bool {
	return e.Handle == 0 && e.Size == 0
}

// Queue is a bounded message queue owned by exactly one reader.
type Queue struct {
	target Target
	ch     chan Envelope
	done   chan struct{}
	once   sync.Once
	router *Router
}

// Target returns the address other goroutines post to.
func (q *Queue) Target() Target {
	return q.target
}

// Get blocks until an envelope arrives. It returns false once the queue is closed or
// ctx is done; envelopes still buffered at that point are abandoned, not drained.
func (q *Queue) Get(ctx context.Context) (Envelope, bool) {
	select {
	case <-q.done:
		return Envelope{}, false
	default:
	}

	select {
	case env := <-q.ch:
		return env, true
	case <-q.done:
		return Envelope{}, false
	case <-ctx.Done():
		return Envelope{}, false
	}
}

// Len returns the number of envelopes waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close is the shutdown sentinel: the target stops being live and Get returns false.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.router.remove(q.target)
		close(q.done)
	})
}
