package importhook

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"

	"scriptbridge/engine"
	"scriptbridge/message"
	"scriptbridge/modules"
	"scriptbridge/transport"
)

// Sender posts a response payload; target 0 means the default controller.
type Sender interface {
	Send(body *string, target transport.Target, id uint32) error
}

// Router answers whether a target names a live queue.
type Router interface {
	IsLive(target transport.Target) bool
}

// RunFunc executes script in the persistent namespace, reporting failures under id.
type RunFunc func(script string, id uint32)

// Namespace is the module scripts see under the namespace name. Besides the host
// builtins it carries every child module the hook has loaded.
type Namespace struct {
	name     string
	registry *modules.Registry
	sender   Sender
	router   Router
	run      RunFunc
	builtins starlark.StringDict
	children map[string]*engine.Module
}

var (
	_ starlark.HasAttrs = (*Namespace)(nil)
	_ modules.Namespace = (*Namespace)(nil)
)

// NewNamespace creates the package object scripts see under name. run serves the
// run builtin.
func NewNamespace(name string, registry *modules.Registry, sender Sender, router Router, run RunFunc) *Namespace {
	n := &Namespace{
		name:     name,
		registry: registry,
		sender:   sender,
		router:   router,
		run:      run,
		children: make(map[string]*engine.Module),
	}
	n.builtins = starlark.StringDict{
		"rpcSend":            starlark.NewBuiltin("rpcSend", n.rpcSend),
		"run":                starlark.NewBuiltin("run", n.runScript),
		"createChannel":      starlark.NewBuiltin("createChannel", n.createChannel),
		"Dependency":         starlark.NewBuiltin("Dependency", declare),
		"OptionalDependency": starlark.NewBuiltin("OptionalDependency", declare),
	}
	return n
}

// Name returns the namespace name.
func (n *Namespace) Name() string { return n.name }

// SetChild records a loaded child module.
func (n *Namespace) SetChild(name string, m *engine.Module) {
	n.children[name] = m
}

// Child returns the loaded child module called name.
func (n *Namespace) Child(name string) (*engine.Module, bool) {
	m, ok := n.children[name]
	return m, ok
}

// RemoveChild forgets a child module.
func (n *Namespace) RemoveChild(name string) bool {
	_, ok := n.children[name]
	delete(n.children, name)
	return ok
}

func (n *Namespace) String() string        { return fmt.Sprintf("<module %q>", n.name) }
func (n *Namespace) Type() string          { return "module" }
func (n *Namespace) Freeze()               {}
func (n *Namespace) Truth() starlark.Bool  { return starlark.True }
func (n *Namespace) Hash() (uint32, error) { return starlark.String(n.name).Hash() }

func (n *Namespace) Attr(name string) (starlark.Value, error) {
	if v, ok := n.builtins[name]; ok {
		return v, nil
	}
	switch name {
	case "__name__":
		return starlark.String(n.name), nil
	case "modules":
		d := starlark.NewDict(n.registry.Len())
		for modName, src := range n.registry.Snapshot() {
			if err := d.SetKey(starlark.String(modName), starlark.String(src)); err != nil {
				return nil, err
			}
		}
		return d, nil
	case "unloadedModules":
		pending := n.registry.PendingUnload()
		elems := make([]starlark.Value, len(pending))
		for i, modName := range pending {
			elems[i] = starlark.String(modName)
		}
		return starlark.NewList(elems), nil
	}
	if m, ok := n.children[name]; ok {
		return m, nil
	}
	return nil, nil
}

func (n *Namespace) AttrNames() []string {
	names := append(n.builtins.Keys(), "__name__", "modules", "unloadedModules")
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// rpcSend(body=None, id=0)
func (n *Namespace) rpcSend(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return send(n.sender, 0, b, args, kwargs)
}

// run(script, id=0)
func (n *Namespace) runScript(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var script string
	var idVal starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "script", &script, "id?", &idVal); err != nil {
		return nil, engine.Errorf(engine.KindValue, "%v", err)
	}
	id, err := toID(idVal)
	if err != nil {
		return nil, err
	}
	n.run(script, id)
	return starlark.None, nil
}

// createChannel(target)
func (n *Namespace) createChannel(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var targetVal starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &targetVal); err != nil {
		return nil, engine.Errorf(engine.KindValue, "%v", err)
	}
	var target uint32
	if err := starlark.AsInt(targetVal, &target); err != nil || !n.router.IsLive(transport.Target(target)) {
		return nil, engine.Errorf(engine.KindValue, "invalid target")
	}
	return newChannel(transport.Target(target), n.sender), nil
}

// declare accepts dependency declarations and ignores them.
func declare(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return starlark.None, nil
}

func send(s Sender, target transport.Target, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var bodyVal, idVal starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "body?", &bodyVal, "id?", &idVal); err != nil {
		return nil, engine.Errorf(engine.KindValue, "%v", err)
	}
	body, err := toBody(bodyVal)
	if err != nil {
		return nil, err
	}
	id, err := toID(idVal)
	if err != nil {
		return nil, err
	}
	if err := s.Send(body, target, id); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func toBody(v starlark.Value) (*string, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return nil, engine.Errorf(engine.KindValue, "body must be a string or None, not %s", v.Type())
	}
	return message.String(s), nil
}

func toID(v starlark.Value) (uint32, error) {
	if v == nil || v == starlark.None {
		return 0, nil
	}
	var id uint32
	if err := starlark.AsInt(v, &id); err != nil {
		return 0, engine.Errorf(engine.KindValue, "id: %v", err)
	}
	return id, nil
}
