package engine

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
)

// Loader produces a module for a dotted name it previously claimed.
type Loader interface {
	Load(fullName string) (*Module, error)
}

// Finder is consulted by Import, in registration order, for names not in the cache.
type Finder interface {
	Find(fullName string) (Loader, bool)
}

// Module is a loaded script module.
type Module struct {
	Name    string // Full dotted name, the cache key
	Globals starlark.StringDict
	Loader  Loader
	Path    string
	Package string

	// OnUnload is the module's top-level __unload__ callable, captured at load time.
	// Nil when the module declares none.
	OnUnload starlark.Callable
}

var _ starlark.HasAttrs = (*Module)(nil)

// NewModule wraps executed globals. The unload hook is picked up here, once.
func NewModule(name string, globals starlark.StringDict) *Module {
	m := &Module{Name: name, Globals: globals}
	if fn, ok := globals["__unload__"].(starlark.Callable); ok {
		m.OnUnload = fn
	}
	return m
}

func (m *Module) String() string        { return fmt.Sprintf("<module %q>", m.Name) }
func (m *Module) Type() string          { return "module" }
func (m *Module) Freeze()               { m.Globals.Freeze() }
func (m *Module) Truth() starlark.Bool  { return starlark.True }
func (m *Module) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: module") }

func (m *Module) Attr(name string) (starlark.Value, error) {
	switch name {
	case "__name__":
		return starlark.String(m.Name), nil
	case "__path__":
		return starlark.String(m.Path), nil
	case "__package__":
		return starlark.String(m.Package), nil
	case "__loader__":
		if v, ok := m.Loader.(starlark.Value); ok {
			return v, nil
		}
		return starlark.None, nil
	}
	return m.Globals[name], nil
}

func (m *Module) AttrNames() []string {
	names := append(m.Globals.Keys(), "__loader__", "__name__", "__package__", "__path__")
	sort.Strings(names)
	return names
}
