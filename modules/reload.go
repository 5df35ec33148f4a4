package modules

import (
	"go.starlark.net/starlark"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"scriptbridge/engine"
)

// State is a step of the reload cycle.
type State int

const (
	StateIdle State = iota
	StateCollectingTargets
	StateInvokingUnloadHooks
	StatePurging
	StateReimporting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCollectingTargets:
		return "CollectingTargets"
	case StateInvokingUnloadHooks:
		return "InvokingUnloadHooks"
	case StatePurging:
		return "Purging"
	case StateReimporting:
		return "Reimporting"
	}
	return "Unknown"
}

// Runtime is the part of the engine the reload cycle drives.
type Runtime interface {
	Cached(fullName string) (*engine.Module, bool)
	Uncache(fullName string) bool
	Import(fullName string) (*engine.Module, error)
	Call(fn starlark.Value, args starlark.Tuple) (starlark.Value, error)
}

// Namespace is the import hook's parent module, which also keeps loaded children.
type Namespace interface {
	Child(name string) (*engine.Module, bool)
	RemoveChild(name string) bool
}

// Reloader runs the unload-then-reimport cycle over a Registry.
type Reloader struct {
	registry *Registry
	runtime  Runtime
	ns       Namespace
	prefix   string // Namespace name plus "."
	state    State
	logger   *zap.Logger
}

// NewReloader creates a reloader that imports registry modules under namespace through rt.
func NewReloader(registry *Registry, rt Runtime, ns Namespace, namespace string, logger *zap.Logger) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{
		registry: registry,
		runtime:  rt,
		ns:       ns,
		prefix:   namespace + ".",
		logger:   logger,
	}
}

// State returns the step the cycle is in; StateIdle outside Reload.
func (r *Reloader) State() State {
	return r.state
}

// Reload unloads every registered and every pending-unload module, then reimports the
// registered ones. It returns the names that imported cleanly, in registry order, and
// every failure met along the way combined with multierr. A failure never stops the
// cycle.
func (r *Reloader) Reload() ([]string, error) {
	defer r.enter(StateIdle)

	r.enter(StateCollectingTargets)
	targets := append(r.registry.Names(), r.registry.PendingUnload()...)

	var errs error

	r.enter(StateInvokingUnloadHooks)
	for _, name := range targets {
		mod, ok := r.loaded(name)
		if !ok || mod.OnUnload == nil {
			continue
		}
		if _, err := r.runtime.Call(mod.OnUnload, nil); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	r.enter(StatePurging)
	for _, name := range targets {
		r.runtime.Uncache(r.prefix + name)
		r.ns.RemoveChild(name)
	}
	r.registry.SwapPendingUnload()

	r.enter(StateReimporting)
	loaded := make([]string, 0, r.registry.Len())
	for _, name := range r.registry.Names() {
		if _, err := r.runtime.Import(r.prefix + name); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		loaded = append(loaded, name)
	}

	if errs != nil {
		r.logger.Warn("reload finished with failures",
			zap.Strings("loaded", loaded),
			zap.Int("failures", len(multierr.Errors(errs))))
	}
	return loaded, errs
}

// loaded finds a live instance of name: the module cache first, then the namespace.
func (r *Reloader) loaded(name string) (*engine.Module, bool) {
	if mod, ok := r.runtime.Cached(r.prefix + name); ok {
		return mod, true
	}
	return r.ns.Child(name)
}

func (r *Reloader) enter(s State) {
	r.logger.Debug("reload state", zap.Stringer("from", r.state), zap.Stringer("to", s))
	r.state = s
}
