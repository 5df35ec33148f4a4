// Package engine adapts the embedded Starlark interpreter to the bridge.
//
// Every method except Acquire, Release, Do, MarkReady and Ready must be called with the
// engine lock held. The worker holds it for the whole of each dispatched message, and
// builtins invoked by scripts already run under it, so they call back into the engine
// directly rather than locking again.
//
//	worker ──Acquire──► Run / Import / Attr / Call / EncodeJSON ... ──Release──► next message
//	other goroutines ──Do(fn)──► waits for the worker's current message to finish
package engine

import (
	"sync"
	"sync/atomic"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
	"go.uber.org/zap"
)

// MainName is the file name reported for code executed by Run.
const MainName = "__main__"

// Engine owns the interpreter state: the persistent Run namespace, the module cache
// and the registered finders.
type Engine struct {
	mu    sync.Mutex
	ready atomic.Bool

	thread      *starlark.Thread
	opts        *syntax.FileOptions
	predeclared starlark.StringDict
	main        starlark.StringDict // Persistent Run namespace
	modules     map[string]*Module  // Module cache, keyed by full dotted name
	loading     map[string]struct{} // Names whose load is in progress
	finders     []Finder
	logger      *zap.Logger
}

// New creates an engine that is not yet ready.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		opts: &syntax.FileOptions{
			Set:             true,
			While:           true,
			TopLevelControl: true,
			GlobalReassign:  true,
			Recursion:       true,
		},
		predeclared: starlark.StringDict{
			"json":   json.Module,
			"math":   math.Module,
			"time":   time.Module,
			"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		},
		main:    starlark.StringDict{},
		modules: make(map[string]*Module),
		loading: make(map[string]struct{}),
		logger:  logger,
	}
	e.thread = &starlark.Thread{
		Name: "worker",
		Print: func(_ *starlark.Thread, msg string) {
			e.logger.Info("script output", zap.String("text", msg))
		},
		Load: e.load,
	}
	for name, v := range e.predeclared {
		e.main[name] = v
	}
	return e
}

// Acquire takes the engine lock.
func (e *Engine) Acquire() { e.mu.Lock() }

// Release drops the engine lock.
func (e *Engine) Release() { e.mu.Unlock() }

// Do runs fn with the engine lock held.
func (e *Engine) Do(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

// MarkReady flags the end of host initialization.
func (e *Engine) MarkReady() { e.ready.Store(true) }

// Ready reports whether MarkReady has been called.
func (e *Engine) Ready() bool { return e.ready.Load() }

// Thread returns the interpreter thread scripts run on.
func (e *Engine) Thread() *starlark.Thread { return e.thread }

// SetPredeclared makes v visible under name to modules and to the Run namespace.
func (e *Engine) SetPredeclared(name string, v starlark.Value) {
	e.predeclared[name] = v
	e.main[name] = v
}

// AddFinder appends f to the import search list.
func (e *Engine) AddFinder(f Finder) {
	e.finders = append(e.finders, f)
}

// Globals returns the persistent Run namespace.
func (e *Engine) Globals() starlark.StringDict {
	return e.main
}

// Run compiles and executes src in the persistent namespace. Bindings made before a
// failure stay in place.
func (e *Engine) Run(src string) error {
	f, err := e.opts.Parse(MainName, src, 0)
	if err != nil {
		return AsFailure(err)
	}
	if err := starlark.ExecREPLChunk(f, e.thread, e.main); err != nil {
		return AsFailure(err)
	}
	return nil
}

// ExecModule compiles src under filename and executes it as a fresh module named name.
// The result is not cached; that is the loader's call. Module globals are left unfrozen
// so later calls and the unload hook can mutate module state.
func (e *Engine) ExecModule(name, filename, src string) (*Module, error) {
	f, err := e.opts.Parse(filename, src, 0)
	if err != nil {
		return nil, AsFailure(err)
	}
	prog, err := starlark.FileProgram(f, e.predeclared.Has)
	if err != nil {
		return nil, AsFailure(err)
	}
	globals, err := prog.Init(e.thread, e.predeclared)
	if err != nil {
		return nil, AsFailure(err)
	}
	return NewModule(name, globals), nil
}

// Import returns the cached module for fullName, or asks the finders to load it.
func (e *Engine) Import(fullName string) (*Module, error) {
	if m, ok := e.modules[fullName]; ok {
		return m, nil
	}
	if _, busy := e.loading[fullName]; busy {
		return nil, Errorf(KindImport, "cycle while importing %q", fullName)
	}

	for _, finder := range e.finders {
		loader, ok := finder.Find(fullName)
		if !ok {
			continue
		}
		e.loading[fullName] = struct{}{}
		m, err := loader.Load(fullName)
		delete(e.loading, fullName)
		if err != nil {
			return nil, err
		}
		if _, cached := e.modules[fullName]; !cached {
			e.modules[fullName] = m
		}
		return e.modules[fullName], nil
	}
	return nil, Errorf(KindImport, "No module named %q", fullName)
}

// load serves the load statement by importing the named module.
func (e *Engine) load(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	m, err := e.Import(module)
	if err != nil {
		return nil, err
	}
	return m.Globals, nil
}

// Cached looks fullName up in the module cache only.
func (e *Engine) Cached(fullName string) (*Module, bool) {
	m, ok := e.modules[fullName]
	return m, ok
}

// Register puts m in the module cache under fullName.
func (e *Engine) Register(fullName string, m *Module) {
	e.modules[fullName] = m
}

// Uncache drops fullName from the module cache and reports whether it was there.
func (e *Engine) Uncache(fullName string) bool {
	_, ok := e.modules[fullName]
	delete(e.modules, fullName)
	return ok
}

// Attr fetches name from v. A missing attribute is an AttributeError.
func (e *Engine) Attr(v starlark.Value, name string) (starlark.Value, error) {
	obj, ok := v.(starlark.HasAttrs)
	if !ok {
		return nil, Errorf(KindAttribute, "%s has no attribute %q", v.Type(), name)
	}
	attr, err := obj.Attr(name)
	if err != nil {
		return nil, AsFailure(err)
	}
	if attr == nil {
		return nil, Errorf(KindAttribute, "%s has no attribute %q", v.String(), name)
	}
	return attr, nil
}

// Call invokes fn with positional args.
func (e *Engine) Call(fn starlark.Value, args starlark.Tuple) (starlark.Value, error) {
	v, err := starlark.Call(e.thread, fn, args, nil)
	if err != nil {
		return nil, AsFailure(err)
	}
	return v, nil
}

// DecodeJSON parses text into a script value.
func (e *Engine) DecodeJSON(text string) (starlark.Value, error) {
	return e.Call(json.Module.Members["decode"], starlark.Tuple{starlark.String(text)})
}

// EncodeJSON renders v as JSON text.
func (e *Engine) EncodeJSON(v starlark.Value) (string, error) {
	out, err := e.Call(json.Module.Members["encode"], starlark.Tuple{v})
	if err != nil {
		return "", err
	}
	s, ok := starlark.AsString(out)
	if !ok {
		return "", Errorf(KindInternal, "json.encode returned %s", out.Type())
	}
	return s, nil
}
