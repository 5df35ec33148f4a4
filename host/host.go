// Package host assembles one scripting host from its configuration.
//
//	              ┌──────────── worker queue ◄── Controller.Post ◄── Gateway (TCP, optional)
//	arena ─ router┤
//	              └──────────── controller queue ◄── Sender (responses, rpcSend, channels)
//
//	engine ◄── namespace + import hook ◄── module registry ◄── reloader ◄── dispatcher ◄── worker
//
// Everything a host needs is owned by the Host value; two hosts in one process share
// nothing.
package host

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"scriptbridge/arena"
	"scriptbridge/client"
	"scriptbridge/codec"
	"scriptbridge/config"
	"scriptbridge/dispatch"
	"scriptbridge/engine"
	"scriptbridge/gateway"
	"scriptbridge/importhook"
	"scriptbridge/message"
	"scriptbridge/middleware"
	"scriptbridge/modules"
	"scriptbridge/registry"
	"scriptbridge/reporter"
	"scriptbridge/transport"
	"scriptbridge/worker"
)

// ShutdownTimeout bounds how long Close waits for gateway replies in flight.
const ShutdownTimeout = 5 * time.Second

// Host is one worker with its engine, module registry and in-process controller.
type Host struct {
	cfg        *config.Config
	arena      *arena.Arena
	router     *transport.Router
	engine     *engine.Engine
	registry   *modules.Registry
	namespace  *importhook.Namespace
	reloader   *modules.Reloader
	reporter   *reporter.Reporter
	dispatcher *dispatch.Dispatcher
	worker     *worker.Worker
	controller *client.Controller
	gateway    *gateway.Gateway
	discovery  registry.Registry
	logger     *zap.Logger

	cancel    context.CancelFunc
	listening bool
	stopped   chan struct{} // Closed when Worker.Run returns
	runErr    error
}

// New wires a host. Nothing runs until Start.
func New(cfg *config.Config, logger *zap.Logger) (*Host, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Host{
		cfg:      cfg,
		arena:    arena.New(),
		router:   transport.NewRouter(),
		engine:   engine.New(logger.Named("engine")),
		registry: modules.NewRegistry(),
		logger:   logger,
	}
	capacity := cfg.Bridge.QueueCapacity
	name := cfg.Bridge.Namespace

	h.controller = client.NewController(h.router, h.arena, capacity, logger.Named("controller"))
	h.controller.OnUnsolicited(h.unsolicited)

	sender := transport.NewSender(h.arena, h.router, h.controller.Target(), logger.Named("sender"))
	h.reporter = reporter.New(sender, nil, logger.Named("reporter"))

	h.namespace = importhook.NewNamespace(name, h.registry, sender, h.router, func(script string, id uint32) {
		h.dispatcher.RunScript(script, id)
	})
	h.engine.AddFinder(importhook.NewHook(h.engine, h.registry, h.namespace, logger.Named("import")))
	h.engine.SetPredeclared(name, h.namespace)
	h.reloader = modules.NewReloader(h.registry, h.engine, h.namespace, name, logger.Named("reload"))
	h.dispatcher = dispatch.New(h.engine, h.registry, h.reloader, h.reporter, name, logger.Named("dispatch"), h.middlewares()...)

	h.worker = worker.New(h.router, h.arena, h.engine, h.dispatcher, h.reporter, sender, worker.Options{
		QueueCapacity: capacity,
		PollInterval:  cfg.PollInterval(),
	}, logger.Named("worker"))
	h.controller.Bind(h.worker.Target())

	if cfg.Gateway != nil {
		if err := h.newGateway(); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Host) middlewares() []middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(h.logger.Named("requests"))}
	if d := h.cfg.SlowThreshold(); d > 0 {
		mws = append(mws, middleware.SlowRequestMiddleware(d, h.logger.Named("requests")))
	}
	if l := h.cfg.Limits; l.Rate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(l.Rate, l.Burst, h.reporter.Failure))
	}
	return mws
}

func (h *Host) newGateway() error {
	gc := h.cfg.Gateway
	ct, err := codec.ParseCodecType(h.cfg.Bridge.Codec)
	if err != nil {
		return err
	}
	h.gateway = gateway.New(h.controller, h.logger.Named("gateway"))
	h.gateway.RequireCodec(ct)

	if len(gc.EtcdEndpoints) == 0 {
		return nil
	}
	reg, err := registry.NewEtcdRegistry(gc.EtcdEndpoints, 5*time.Second, h.logger.Named("etcd"))
	if err != nil {
		return errors.Wrap(err, "connect etcd")
	}
	h.discovery = reg
	h.gateway.Announce(reg, gc.Service, registry.Instance{
		Addr:   gc.Advertise,
		Host:   gc.Host,
		Weight: gc.Weight,
	}, gc.TTL)
	return nil
}

// Start runs the worker, preloads the configured modules and marks the engine ready.
// It returns once the worker has announced itself and the gateway, if any, is
// listening. Start must be called once.
func (h *Host) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)
	h.stopped = make(chan struct{})

	h.controller.Start(ctx)
	go func() {
		h.runErr = h.worker.Run(ctx)
		close(h.stopped)
	}()

	h.preload(ctx)
	h.engine.MarkReady()

	if err := h.controller.WaitReady(ctx); err != nil {
		return errors.Wrap(err, "wait for worker")
	}

	if h.gateway != nil {
		if err := h.gateway.Listen("tcp", h.cfg.Gateway.Listen); err != nil {
			return err
		}
		h.listening = true
		go func() {
			if err := h.gateway.Serve(); err != nil {
				h.logger.Error("gateway stopped", zap.Error(err))
			}
		}()
		h.logger.Info("gateway listening", zap.Stringer("addr", h.gateway.Addr()))
	}
	h.logger.Info("host started",
		zap.String("namespace", h.cfg.Bridge.Namespace),
		zap.Uint32("worker", uint32(h.worker.Target())),
		zap.Int("modules", h.registry.Len()))
	return nil
}

// preload registers the configured modules and runs one reload cycle before any
// request is served. Failures travel the usual way, under id 0.
func (h *Host) preload(ctx context.Context) {
	if len(h.cfg.Modules) == 0 {
		return
	}
	for _, m := range h.cfg.Modules {
		h.registry.Add(m.Name, m.Source)
	}
	h.engine.Acquire()
	defer h.engine.Release()
	h.reporter.Respond(h.dispatcher.Dispatch(ctx, &message.RPCMessage{Type: message.TypeReloadModules}))
}

// Close stops the gateway, then the worker, then the controller. Requests still queued
// are abandoned.
func (h *Host) Close() error {
	var err error
	if h.listening {
		err = h.gateway.Shutdown(ShutdownTimeout)
	}
	h.worker.Stop()
	if h.stopped != nil {
		<-h.stopped
	}
	h.controller.Close()
	if h.cancel != nil {
		h.cancel()
	}
	if h.discovery != nil {
		if cerr := h.discovery.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Wait blocks until the worker stops, after Close or when the Start context ends.
func (h *Host) Wait() error {
	<-h.stopped
	return h.runErr
}

// Controller is the in-process controller bound to the worker.
func (h *Host) Controller() *client.Controller { return h.controller }

// Arena holds every request and response region of this host.
func (h *Host) Arena() *arena.Arena { return h.arena }

// Worker is the host's dispatch loop.
func (h *Host) Worker() *worker.Worker { return h.worker }

// GatewayAddr is the bound gateway address, or "" without a gateway.
func (h *Host) GatewayAddr() string {
	if !h.listening {
		return ""
	}
	return h.gateway.Addr().String()
}

func (h *Host) unsolicited(id uint32, text string) {
	if message.LooksLikeFailure(text) {
		h.logger.Warn("worker reported failure", zap.Uint32("correlation_id", id), zap.String("trace", text))
		return
	}
	h.logger.Info("worker message", zap.Uint32("correlation_id", id), zap.String("text", text))
}
