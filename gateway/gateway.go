// Package gateway exposes a worker to controllers in other processes over TCP.
//
//	Accept conn → handleConn (single reader per connection)
//	  → decode request frame → Forwarder.Post (in read order)
//	    → go await reply → frame response with the request's seq → write (per-conn lock)
//
// Requests are posted in the order they are read, so a worker still answers them in
// receipt order; only the waiting happens in parallel.
package gateway

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"scriptbridge/client"
	"scriptbridge/codec"
	"scriptbridge/engine"
	"scriptbridge/message"
	"scriptbridge/protocol"
	"scriptbridge/registry"
	"scriptbridge/reporter"
)

// Forwarder hands a request to the worker. The in-process client.Controller is one.
type Forwarder interface {
	Post(msg *message.RPCMessage, wantReply bool) (<-chan *client.Reply, error)
}

// Gateway is the TCP front of one host.
type Gateway struct {
	forwarder Forwarder
	listener  net.Listener
	wg        sync.WaitGroup // In-flight requests, for graceful shutdown
	shutdown  atomic.Bool    // Set before the listener closes so Serve can tell the error apart
	codec     *codec.CodecType
	logger    *zap.Logger

	// Discovery, all zero unless Announce was called.
	registry  registry.Registry
	service   string
	instance  registry.Instance
	ttl       int64
	keepAlive context.CancelFunc
}

// New creates a gateway that forwards decoded requests to f.
func New(f Forwarder, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{forwarder: f, logger: logger}
}

// Announce makes Serve register instance under service, with a lease of ttl seconds.
// The instance address is the advertise address, which may differ from the listen one.
func (g *Gateway) Announce(reg registry.Registry, service string, instance registry.Instance, ttl int64) {
	g.registry = reg
	g.service = service
	g.instance = instance
	g.ttl = ttl
}

// RequireCodec makes the gateway refuse frames encoded with any other codec.
func (g *Gateway) RequireCodec(ct codec.CodecType) {
	g.codec = &ct
}

// Listen binds the listening socket.
func (g *Gateway) Listen(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", address)
	}
	g.listener = l
	return nil
}

// Addr returns the bound address; valid after Listen.
func (g *Gateway) Addr() net.Addr {
	return g.listener.Addr()
}

// Serve registers the gateway if announced, then accepts connections until Shutdown.
func (g *Gateway) Serve() error {
	if g.listener == nil {
		return errors.New("gateway: Serve called before Listen")
	}

	if g.registry != nil {
		ctx, cancel := context.WithCancel(context.Background())
		g.keepAlive = cancel
		if err := g.registry.Register(ctx, g.service, g.instance, g.ttl); err != nil {
			cancel()
			return errors.Wrap(err, "register gateway")
		}
		g.logger.Info("gateway registered", zap.String("service", g.service), zap.String("addr", g.instance.Addr))
	}

	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if g.shutdown.Load() {
				return nil
			}
			return err
		}
		go g.handleConn(conn)
	}
}

// ListenAndServe is Listen followed by Serve.
func (g *Gateway) ListenAndServe(network, address string) error {
	if err := g.Listen(network, address); err != nil {
		return err
	}
	return g.Serve()
}

func (g *Gateway) handleConn(conn net.Conn) {
	defer conn.Close()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}
		g.handleRequest(header, body, conn, writeMu)
	}
}

// handleRequest posts one request and, when a reply is wanted, waits for it in the
// background. Seq 0 means fire-and-forget.
func (g *Gateway) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	if g.codec != nil && header.CodecType != *g.codec {
		g.logger.Warn("refusing request codec", zap.Uint32("seq", header.Seq), zap.Uint8("codec", uint8(header.CodecType)))
		if header.Seq != 0 {
			g.reply(conn, writeMu, header, failureText(errors.Errorf("codec %d not accepted", header.CodecType)))
		}
		return
	}

	msg := &message.RPCMessage{}
	if err := codec.GetCodec(header.CodecType).Decode(body, msg); err != nil {
		g.logger.Warn("undecodable request", zap.Uint32("seq", header.Seq), zap.Error(err))
		if header.Seq != 0 {
			g.reply(conn, writeMu, header, failureText(err))
		}
		return
	}

	wantReply := header.Seq != 0
	ch, err := g.forwarder.Post(msg, wantReply)
	if err != nil {
		g.logger.Error("forward request", zap.Stringer("type", msg.Type), zap.Error(err))
		if wantReply {
			g.reply(conn, writeMu, header, failureText(err))
		}
		return
	}
	if !wantReply {
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		r := <-ch
		text := r.Text
		if r.Err != nil {
			text = failureText(r.Err)
		}
		g.reply(conn, writeMu, header, text)
	}()
}

func (g *Gateway) reply(conn net.Conn, writeMu *sync.Mutex, req *protocol.Header, text string) {
	writeMu.Lock()
	defer writeMu.Unlock()
	h := protocol.Header{
		CodecType: req.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       req.Seq,
	}
	if err := protocol.Encode(conn, &h, []byte(text)); err != nil {
		g.logger.Warn("write response", zap.Uint32("seq", req.Seq), zap.Error(err))
	}
}

// Shutdown deregisters first so controllers stop picking this gateway, stops
// accepting, then waits up to timeout for outstanding replies.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	if g.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := g.registry.Deregister(ctx, g.service, g.instance.Addr); err != nil {
			g.logger.Warn("deregister gateway", zap.Error(err))
		}
		cancel()
		if g.keepAlive != nil {
			g.keepAlive()
		}
	}

	g.shutdown.Store(true)
	if g.listener != nil {
		g.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for in-flight requests to finish")
	}
}

// failureText renders a gateway-side failure the way the worker renders its own.
func failureText(err error) string {
	text, ferr := reporter.TracebackFormatter{}.Format(engine.Errorf(engine.KindInternal, "gateway: %v", err))
	if ferr != nil {
		return reporter.FallbackText
	}
	return text
}
