// Package importhook serves script imports of "<namespace>.<name>" from the module
// registry instead of the filesystem, and provides the namespace module scripts see.
//
//	load("bridge.m", "f")  or  Import("bridge.m")
//	        │
//	        ▼
//	Hook.Find ── prefix + registry key? ──► Hook.Load ── cache hit? ──► cached module
//	                                               └── compile as "m", tag, register, bridge.m = module
package importhook

import (
	"strings"

	"go.starlark.net/starlark"
	"go.uber.org/zap"

	"scriptbridge/engine"
	"scriptbridge/modules"
)

// Hook is the finder/loader pair for one namespace.
type Hook struct {
	namespace string
	prefix    string
	registry  *modules.Registry
	engine    *engine.Engine
	ns        *Namespace
	logger    *zap.Logger
}

var (
	_ engine.Finder  = (*Hook)(nil)
	_ engine.Loader  = (*Hook)(nil)
	_ starlark.Value = (*Hook)(nil)
)

// NewHook creates the finder that loads registry modules under ns into e.
func NewHook(e *engine.Engine, registry *modules.Registry, ns *Namespace, logger *zap.Logger) *Hook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{
		namespace: ns.Name(),
		prefix:    ns.Name() + ".",
		registry:  registry,
		engine:    e,
		ns:        ns,
		logger:    logger,
	}
}

// Find claims fullName when it sits directly under the namespace and is registered.
func (h *Hook) Find(fullName string) (engine.Loader, bool) {
	name, ok := h.child(fullName)
	if !ok {
		return nil, false
	}
	if _, ok := h.registry.Source(name); !ok {
		return nil, false
	}
	return h, true
}

// Load returns the module for fullName, compiling the registered source unless the
// module cache already holds it.
func (h *Hook) Load(fullName string) (*engine.Module, error) {
	name, ok := h.child(fullName)
	if !ok {
		return nil, engine.Errorf(engine.KindValue, "%q is not a child module of %q", fullName, h.namespace)
	}
	src, ok := h.registry.Source(name)
	if !ok {
		return nil, engine.Errorf(engine.KindImport, "module %q not found", fullName)
	}
	if m, ok := h.engine.Cached(fullName); ok {
		return m, nil
	}

	m, err := h.engine.ExecModule(fullName, name, src)
	if err != nil {
		return nil, err
	}
	m.Loader = h
	m.Path = name
	m.Package = h.namespace
	h.engine.Register(fullName, m)
	h.ns.SetChild(name, m)

	h.logger.Debug("module loaded", zap.String("module", fullName))
	return m, nil
}

func (h *Hook) child(fullName string) (string, bool) {
	if !strings.HasPrefix(fullName, h.prefix) {
		return "", false
	}
	name := fullName[len(h.prefix):]
	return name, name != ""
}

func (h *Hook) String() string        { return "<loader " + h.namespace + ">" }
func (h *Hook) Type() string          { return "loader" }
func (h *Hook) Freeze()               {}
func (h *Hook) Truth() starlark.Bool  { return starlark.True }
func (h *Hook) Hash() (uint32, error) { return starlark.String(h.namespace).Hash() }
