// Package client drives a worker: in-process through Controller, or over the network
// through Client and a gateway.
//
//	Controller.Call ──WriteRequest──► region ──Post(worker)──► worker queue
//	recvLoop ◄──Get── controller queue ◄── response region (id, text)
//	   └── free region, pending[id] ← reply   (id 0 / unknown id → unsolicited handler)
package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"scriptbridge/arena"
	"scriptbridge/codec"
	"scriptbridge/message"
	"scriptbridge/transport"
)

var (
	// ErrClosed is delivered to callers still waiting when the controller shuts down,
	// and returned by Post once it has.
	ErrClosed = errors.New("client: controller closed")
	// ErrUnknownType rejects a request whose type names no worker operation.
	ErrUnknownType = errors.New("client: unknown message type")
)

// Reply is one response from the worker.
type Reply struct {
	Text   string
	Failed bool  // Text is a failure trace
	Err    error // No response will come
}

// RemoteError carries a failure trace sent back by the worker.
type RemoteError struct {
	Trace string
}

func (e *RemoteError) Error() string {
	return e.Trace
}

// UnsolicitedFunc receives responses nobody is waiting for, such as failures reported
// under id 0.
type UnsolicitedFunc func(id uint32, text string)

// Controller is the in-process requester. It owns a queue of its own where the worker
// posts responses, and frees every response region it receives.
type Controller struct {
	arena   *arena.Arena
	router  *transport.Router
	queue   *transport.Queue
	worker  atomic.Uint32
	nextID  atomic.Uint32
	pending sync.Map // map[uint32]chan *Reply

	live      chan struct{}
	liveOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.RWMutex
	unsolicited UnsolicitedFunc

	logger *zap.Logger
}

// NewController opens the controller's queue on router.
func NewController(router *transport.Router, a *arena.Arena, capacity int, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		arena:  a,
		router: router,
		queue:  router.Open(capacity),
		live:   make(chan struct{}),
		closed: make(chan struct{}),
		logger: logger,
	}
}

// Target is where the worker sends responses.
func (c *Controller) Target() transport.Target {
	return c.queue.Target()
}

// Bind points the controller at a worker's queue.
func (c *Controller) Bind(worker transport.Target) {
	c.worker.Store(uint32(worker))
}

// OnUnsolicited installs the handler for responses without a waiting caller.
func (c *Controller) OnUnsolicited(fn UnsolicitedFunc) {
	c.mu.Lock()
	c.unsolicited = fn
	c.mu.Unlock()
}

// Start runs the receive loop until Close or ctx is done.
func (c *Controller) Start(ctx context.Context) {
	go c.recvLoop(ctx)
}

// Close shuts the controller's queue; callers still waiting get ErrClosed.
func (c *Controller) Close() {
	c.markClosed()
	c.queue.Close()
}

func (c *Controller) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Controller) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the worker's liveness notification has arrived.
func (c *Controller) WaitReady(ctx context.Context) error {
	select {
	case <-c.live:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post sends msg to the worker. With wantReply a fresh correlation id is assigned and
// the reply channel is returned; otherwise msg goes out under id 0 and no reply comes
// unless it fails. If the post fails the region is freed here.
func (c *Controller) Post(msg *message.RPCMessage, wantReply bool) (<-chan *Reply, error) {
	if !msg.Type.Valid() {
		return nil, errors.Wrapf(ErrUnknownType, "type %d", msg.Type)
	}
	if c.isClosed() {
		return nil, ErrClosed
	}
	req := *msg
	req.CorrelationID = 0

	var ch chan *Reply
	if wantReply {
		req.CorrelationID = c.newID()
		ch = make(chan *Reply, 1)
		c.pending.Store(req.CorrelationID, ch)
		// Close may have drained pending between the check above and the store.
		if c.isClosed() {
			c.forget(req.CorrelationID)
			return nil, ErrClosed
		}
	}

	h, size, err := codec.WriteRequest(c.arena, &req)
	if err != nil {
		c.forget(req.CorrelationID)
		return nil, err
	}
	if err := c.router.Post(transport.Target(c.worker.Load()), transport.Envelope{Handle: h, Size: size}); err != nil {
		c.forget(req.CorrelationID)
		if freeErr := c.arena.Free(h); freeErr != nil {
			c.logger.Error("free after failed post", zap.Error(freeErr))
		}
		return nil, err
	}
	return ch, nil
}

// Call posts msg and waits for its reply. A failure trace is returned as *RemoteError.
func (c *Controller) Call(ctx context.Context, msg *message.RPCMessage) (string, error) {
	ch, err := c.Post(msg, true)
	if err != nil {
		return "", err
	}
	select {
	case reply := <-ch:
		if reply.Err != nil {
			return "", reply.Err
		}
		if reply.Failed {
			return "", &RemoteError{Trace: reply.Text}
		}
		return reply.Text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run executes src in the worker's persistent namespace.
func (c *Controller) Run(ctx context.Context, src string) error {
	_, err := c.Call(ctx, &message.RPCMessage{Type: message.TypeRun, Text: message.String(src)})
	return err
}

// AddModule stores src as module name. The source is not compiled until the next reload.
func (c *Controller) AddModule(ctx context.Context, name, src string) error {
	_, err := c.Call(ctx, &message.RPCMessage{Type: message.TypeAddModule, ModuleName: message.String(name), Text: message.String(src)})
	return err
}

// RemoveModule drops module name and queues it for unload.
func (c *Controller) RemoveModule(ctx context.Context, name string) error {
	_, err := c.Call(ctx, &message.RPCMessage{Type: message.TypeRemoveModule, ModuleName: message.String(name)})
	return err
}

// Reload runs the reload cycle and returns the modules that imported cleanly.
func (c *Controller) Reload(ctx context.Context) ([]string, error) {
	text, err := c.Call(ctx, &message.RPCMessage{Type: message.TypeReloadModules})
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal([]byte(text), &names); err != nil {
		return nil, errors.Wrapf(err, "decode reload list %q", text)
	}
	return names, nil
}

// CallFunction calls module.function with JSON-encoded positional args (nil for none)
// and returns the JSON-encoded result.
func (c *Controller) CallFunction(ctx context.Context, module, function string, args *string) (string, error) {
	return c.Call(ctx, &message.RPCMessage{
		Type:         message.TypeCallFunction,
		ModuleName:   message.String(module),
		FunctionName: message.String(function),
		Text:         args,
	})
}

func (c *Controller) newID() uint32 {
	for {
		if id := c.nextID.Add(1); id != 0 {
			return id
		}
	}
}

func (c *Controller) forget(id uint32) {
	if id != 0 {
		c.pending.Delete(id)
	}
}

func (c *Controller) recvLoop(ctx context.Context) {
	for {
		env, ok := c.queue.Get(ctx)
		if !ok {
			c.markClosed()
			c.closeAllPending()
			return
		}
		if env.IsLiveness() {
			c.liveOnce.Do(func() { close(c.live) })
			continue
		}
		c.receive(env)
	}
}

// receive decodes one response region, frees it and routes the reply.
func (c *Controller) receive(env transport.Envelope) {
	buf, err := c.arena.Bytes(env.Handle)
	if err != nil {
		c.logger.Error("response region", zap.Uint64("handle", uint64(env.Handle)), zap.Error(err))
		return
	}
	if env.Size < len(buf) {
		buf = buf[:env.Size]
	}
	id, body, err := codec.ReadResponse(buf)
	if freeErr := c.arena.Free(env.Handle); freeErr != nil {
		c.logger.Error("free response region", zap.Error(freeErr))
	}
	if err != nil {
		c.logger.Error("malformed response", zap.Error(err))
		return
	}

	text := message.Value(body)
	if id != 0 {
		if ch, ok := c.pending.LoadAndDelete(id); ok {
			ch.(chan *Reply) <- &Reply{Text: text, Failed: message.LooksLikeFailure(text)}
			return
		}
	}

	c.mu.RLock()
	fn := c.unsolicited
	c.mu.RUnlock()
	if fn != nil {
		fn(id, text)
		return
	}
	c.logger.Info("unsolicited response", zap.Uint32("correlation_id", id), zap.String("text", text))
}

func (c *Controller) closeAllPending() {
	c.pending.Range(func(key, value any) bool {
		value.(chan *Reply) <- &Reply{Err: ErrClosed}
		c.pending.Delete(key)
		return true
	})
}
