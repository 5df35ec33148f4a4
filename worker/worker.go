// Package worker runs the single dispatch loop that owns the engine.
//
//	New ──► queue exists, Target() valid
//	Run ──► post liveness ──► poll engine.Ready() ──► loop:
//	          Get (blocks) → decode region → lock → Dispatch → respond → unlock → free region
//
// Messages are handled strictly one at a time, in the order they were posted. Closing
// the queue ends the loop; whatever is still queued at that point is abandoned.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"scriptbridge/arena"
	"scriptbridge/codec"
	"scriptbridge/dispatch"
	"scriptbridge/engine"
	"scriptbridge/reporter"
	"scriptbridge/transport"
)

// DefaultPollInterval is how often Run checks engine readiness.
const DefaultPollInterval = 100 * time.Millisecond

// Options tunes a Worker; zero values pick the defaults.
type Options struct {
	QueueCapacity int
	PollInterval  time.Duration
}

// Worker owns one queue and executes every message posted to it.
type Worker struct {
	queue        *transport.Queue
	arena        *arena.Arena
	engine       *engine.Engine
	dispatcher   *dispatch.Dispatcher
	reporter     *reporter.Reporter
	sender       *transport.Sender
	pollInterval time.Duration
	handled      atomic.Uint64
	logger       *zap.Logger
}

// New opens the worker's queue on router right away so its target can be handed out
// before Run starts.
func New(router *transport.Router, a *arena.Arena, e *engine.Engine, d *dispatch.Dispatcher,
	rep *reporter.Reporter, sender *transport.Sender, opts Options, logger *zap.Logger) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:        router.Open(opts.QueueCapacity),
		arena:        a,
		engine:       e,
		dispatcher:   d,
		reporter:     rep,
		sender:       sender,
		pollInterval: opts.PollInterval,
		logger:       logger,
	}
}

// Target is the address controllers post requests to.
func (w *Worker) Target() transport.Target {
	return w.queue.Target()
}

// Handled returns the number of requests dispatched so far.
func (w *Worker) Handled() uint64 {
	return w.handled.Load()
}

// Stop posts the shutdown sentinel. Run returns after the message in progress, if any.
func (w *Worker) Stop() {
	w.queue.Close()
}

// Run announces the worker, waits for the engine, then serves the queue until Stop or
// until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.sender.Notify(); err != nil {
		w.logger.Warn("liveness notification not delivered", zap.Error(err))
	}

	if err := w.waitReady(ctx); err != nil {
		return err
	}
	w.logger.Info("worker ready", zap.Uint32("target", uint32(w.Target())))

	for {
		env, ok := w.queue.Get(ctx)
		if !ok {
			w.logger.Info("worker stopped", zap.Uint64("handled", w.Handled()), zap.Int("abandoned", w.queue.Len()))
			return ctx.Err()
		}
		if env.IsLiveness() {
			continue
		}
		w.handle(ctx, env)
	}
}

func (w *Worker) waitReady(ctx context.Context) error {
	if w.engine.Ready() {
		return nil
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for !w.engine.Ready() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// handle decodes, dispatches and answers one message. The region is freed afterwards
// whatever happened.
func (w *Worker) handle(ctx context.Context, env transport.Envelope) {
	defer w.free(env)

	msg, err := codec.ReadRequest(w.arena, env.Handle, env.Size)
	if err != nil {
		// Only an intact header names the requester; anything shorter is reported under 0.
		id := codec.RequestID(w.arena, env.Handle, env.Size)
		w.logger.Error("dropping malformed request", zap.Uint64("handle", uint64(env.Handle)),
			zap.Int("size", env.Size), zap.Uint32("correlation_id", id), zap.Error(err))
		w.engine.Acquire()
		w.reporter.Report(id, err)
		w.engine.Release()
		return
	}

	w.engine.Acquire()
	defer w.engine.Release()
	w.reporter.Respond(w.dispatcher.Dispatch(ctx, msg))
	w.handled.Add(1)
}

func (w *Worker) free(env transport.Envelope) {
	if err := w.arena.Free(env.Handle); err != nil {
		w.logger.Error("free request region", zap.Uint64("handle", uint64(env.Handle)), zap.Error(err))
	}
}
