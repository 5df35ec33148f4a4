// Package dispatch routes a decoded request to one of the five worker operations.
//
// Dispatch is only ever called by the worker with the engine lock held. Every failure
// becomes a response; nothing a request does can stop the worker.
package dispatch

import (
	"context"

	"go.starlark.net/starlark"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"scriptbridge/engine"
	"scriptbridge/message"
	"scriptbridge/middleware"
	"scriptbridge/modules"
	"scriptbridge/reporter"
)

// Dispatcher executes requests against the engine and the module registry.
type Dispatcher struct {
	engine    *engine.Engine
	registry  *modules.Registry
	reloader  *modules.Reloader
	reporter  *reporter.Reporter
	namespace string
	handler   middleware.HandlerFunc
	logger    *zap.Logger
}

// New creates a dispatcher. Middlewares wrap every operation, outermost first.
func New(e *engine.Engine, registry *modules.Registry, reloader *modules.Reloader, rep *reporter.Reporter,
	namespace string, logger *zap.Logger, mws ...middleware.Middleware) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		engine:    e,
		registry:  registry,
		reloader:  reloader,
		reporter:  rep,
		namespace: namespace,
		logger:    logger,
	}
	d.handler = middleware.Chain(mws...)(d.handle)
	return d
}

// Dispatch runs req through the middleware chain and returns its response. A panic
// anywhere below is turned into an InternalError failure for req.
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.RPCMessage) (resp *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panicked", zap.Stringer("type", req.Type), zap.Any("panic", r), zap.StackSkip("stack", 2))
			resp = d.reporter.Failure(req.CorrelationID, engine.Errorf(engine.KindInternal, "panic: %v", r))
		}
	}()
	return d.handler(ctx, req)
}

// RunScript executes script in the persistent namespace and reports the outcome under
// id. Scripts reach it through the namespace's run builtin.
func (d *Dispatcher) RunScript(script string, id uint32) {
	d.reporter.Respond(d.run(id, script))
}

func (d *Dispatcher) handle(_ context.Context, req *message.RPCMessage) *message.Response {
	switch req.Type {
	case message.TypeRun:
		if req.Text == nil {
			return d.fail(req, engine.Errorf(engine.KindValue, "Run needs script text"))
		}
		return d.run(req.CorrelationID, *req.Text)
	case message.TypeAddModule:
		return d.addModule(req)
	case message.TypeRemoveModule:
		return d.removeModule(req)
	case message.TypeReloadModules:
		return d.reloadModules(req)
	case message.TypeCallFunction:
		return d.callFunction(req)
	}
	return d.fail(req, engine.Errorf(engine.KindValue, "unknown request type %d", uint32(req.Type)))
}

func (d *Dispatcher) run(id uint32, script string) *message.Response {
	if err := d.engine.Run(script); err != nil {
		return d.reporter.Failure(id, err)
	}
	return d.ok(id, message.SuccessMarker)
}

// addModule stores the source without compiling it. Only a missing name or text, the
// equivalent of a failed map write, is reported as a failure.
func (d *Dispatcher) addModule(req *message.RPCMessage) *message.Response {
	if req.ModuleName == nil || req.Text == nil {
		return d.fail(req, engine.Errorf(engine.KindValue, "AddModule needs a module name and source text"))
	}
	d.registry.Add(*req.ModuleName, *req.Text)
	return d.ok(req.CorrelationID, message.SuccessMarker)
}

func (d *Dispatcher) removeModule(req *message.RPCMessage) *message.Response {
	if req.ModuleName == nil {
		return d.fail(req, engine.Errorf(engine.KindValue, "RemoveModule needs a module name"))
	}
	if err := d.registry.Remove(*req.ModuleName); err != nil {
		return d.fail(req, err)
	}
	return d.ok(req.CorrelationID, message.SuccessMarker)
}

// reloadModules reports every failure of the cycle on its own, under id 0, then
// answers with the JSON list of modules that imported cleanly.
func (d *Dispatcher) reloadModules(req *message.RPCMessage) *message.Response {
	loaded, errs := d.reloader.Reload()
	for _, err := range multierr.Errors(errs) {
		d.reporter.Report(0, err)
	}

	names := make([]starlark.Value, len(loaded))
	for i, name := range loaded {
		names[i] = starlark.String(name)
	}
	text, err := d.engine.EncodeJSON(starlark.NewList(names))
	if err != nil {
		return d.fail(req, err)
	}
	return d.ok(req.CorrelationID, text)
}

// callFunction imports the module, fetches the function, calls it with the decoded
// positional arguments and answers with the JSON-encoded result.
func (d *Dispatcher) callFunction(req *message.RPCMessage) *message.Response {
	if req.ModuleName == nil || req.FunctionName == nil {
		return d.fail(req, engine.Errorf(engine.KindValue, "CallFunction needs a module name and a function name"))
	}

	mod, err := d.engine.Import(d.namespace + "." + *req.ModuleName)
	if err != nil {
		return d.fail(req, err)
	}
	fn, err := d.engine.Attr(mod, *req.FunctionName)
	if err != nil {
		return d.fail(req, err)
	}

	var args starlark.Tuple
	if req.Text != nil {
		if args, err = d.decodeArgs(*req.Text); err != nil {
			return d.fail(req, err)
		}
	}

	result, err := d.engine.Call(fn, args)
	if err != nil {
		return d.fail(req, err)
	}
	text, err := d.engine.EncodeJSON(result)
	if err != nil {
		return d.fail(req, err)
	}
	return d.ok(req.CorrelationID, text)
}

// decodeArgs accepts a JSON array and nothing else.
func (d *Dispatcher) decodeArgs(text string) (starlark.Tuple, error) {
	v, err := d.engine.DecodeJSON(text)
	if err != nil {
		return nil, err
	}
	switch seq := v.(type) {
	case starlark.Tuple:
		return seq, nil
	case *starlark.List:
		args := make(starlark.Tuple, seq.Len())
		for i := range args {
			args[i] = seq.Index(i)
		}
		return args, nil
	}
	return nil, engine.Errorf(engine.KindValue, "arguments must decode to a sequence, not %s", v.Type())
}

func (d *Dispatcher) ok(id uint32, text string) *message.Response {
	return &message.Response{CorrelationID: id, Text: text}
}

func (d *Dispatcher) fail(req *message.RPCMessage, err error) *message.Response {
	return d.reporter.Failure(req.CorrelationID, err)
}
