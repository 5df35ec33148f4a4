package modules

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
	"go.uber.org/multierr"

	"scriptbridge/engine"
)

// registryFinder serves "ns.<name>" straight from a Registry.
type registryFinder struct {
	e   *engine.Engine
	reg *Registry
}

func (f *registryFinder) Find(fullName string) (engine.Loader, bool) {
	if len(fullName) < 3 || fullName[:3] != "ns." {
		return nil, false
	}
	_, ok := f.reg.Source(fullName[3:])
	return f, ok
}

func (f *registryFinder) Load(fullName string) (*engine.Module, error) {
	src, _ := f.reg.Source(fullName[3:])
	m, err := f.e.ExecModule(fullName, fullName[3:], src)
	if err != nil {
		return nil, err
	}
	f.e.Register(fullName, m)
	return m, nil
}

// childSet stands in for the hook's namespace module.
type childSet map[string]*engine.Module

func (c childSet) Child(name string) (*engine.Module, bool) {
	m, ok := c[name]
	return m, ok
}

func (c childSet) RemoveChild(name string) bool {
	_, ok := c[name]
	delete(c, name)
	return ok
}

type fixture struct {
	e        *engine.Engine
	reg      *Registry
	ns       childSet
	reloader *Reloader
	unloads  map[string]int
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		e:       engine.New(nil),
		reg:     NewRegistry(),
		ns:      childSet{},
		unloads: map[string]int{},
	}
	f.e.Acquire()
	t.Cleanup(f.e.Release)

	f.e.SetPredeclared("unloaded", starlark.NewBuiltin("unloaded", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		name, _ := starlark.AsString(args[0])
		f.unloads[name]++
		return starlark.None, nil
	}))
	f.e.AddFinder(&registryFinder{e: f.e, reg: f.reg})
	f.reloader = NewReloader(f.reg, f.e, f.ns, "ns", nil)
	return f
}

func unloadable(name string) string {
	return "def __unload__():\n    unloaded(\"" + name + "\")\n"
}

func TestRegistryRemoveQueuesEvenWhenAbsent(t *testing.T) {
	reg := NewRegistry()
	reg.Add("b", "x = 1")
	reg.Add("a", "x = 2")
	reg.Add("a", "x = 3")

	assert.Equal(t, []string{"a", "b"}, reg.Names())
	src, ok := reg.Source("a")
	require.True(t, ok)
	assert.Equal(t, "x = 3", src)

	require.NoError(t, reg.Remove("a"))
	err := reg.Remove("a")
	require.Error(t, err)
	assert.Equal(t, engine.KindKey, engine.AsFailure(err).Kind)

	assert.Equal(t, []string{"a", "a"}, reg.PendingUnload())
	assert.Equal(t, []string{"a", "a"}, reg.SwapPendingUnload())
	assert.Empty(t, reg.PendingUnload())
	assert.Equal(t, map[string]string{"b": "x = 1"}, reg.Snapshot())
}

func TestReloadReportsOnlyCleanModules(t *testing.T) {
	f := newFixture(t)
	f.reg.Add("good", "def f():\n    return 1\n")
	f.reg.Add("broken", "def f(:\n")
	f.reg.Add("raises", "fail('at import')\n")

	loaded, err := f.reloader.Reload()
	if diff := cmp.Diff([]string{"good"}, loaded); diff != "" {
		t.Fatalf("loaded mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, StateIdle, f.reloader.State())

	_, cached := f.e.Cached("ns.good")
	assert.True(t, cached)
}

func TestReloadInvokesUnloadHookPerQueuedOccurrence(t *testing.T) {
	f := newFixture(t)
	f.reg.Add("m", unloadable("m"))
	_, err := f.reloader.Reload()
	require.NoError(t, err)

	require.NoError(t, f.reg.Remove("m"))
	require.Error(t, f.reg.Remove("m"))

	loaded, err := f.reloader.Reload()
	require.NoError(t, err)
	assert.Empty(t, loaded)
	assert.Equal(t, 2, f.unloads["m"])
	assert.Empty(t, f.reg.PendingUnload())

	_, cached := f.e.Cached("ns.m")
	assert.False(t, cached)
}

func TestReloadFindsInstanceThroughNamespace(t *testing.T) {
	f := newFixture(t)
	f.reg.Add("m", unloadable("m"))
	m, err := f.e.ExecModule("ns.m", "m", unloadable("m"))
	require.NoError(t, err)
	f.ns["m"] = m

	_, err = f.reloader.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, f.unloads["m"])
	_, ok := f.ns.Child("m")
	assert.False(t, ok)
}

func TestReloadUnloadFailureDoesNotStopCycle(t *testing.T) {
	f := newFixture(t)
	f.reg.Add("a", "def __unload__():\n    fail('no')\n")
	f.reg.Add("b", unloadable("b"))
	_, err := f.reloader.Reload()
	require.NoError(t, err)

	loaded, err := f.reloader.Reload()
	require.Len(t, multierr.Errors(err), 1)
	assert.Equal(t, []string{"a", "b"}, loaded)
	assert.Equal(t, 1, f.unloads["b"])
}

func TestReloadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.reg.Add("x", "v = 1\n")
	f.reg.Add("y", "v = 2\n")
	require.NoError(t, f.reg.Remove("y"))

	first, err := f.reloader.Reload()
	require.NoError(t, err)
	assert.Empty(t, f.reg.PendingUnload())

	second, err := f.reloader.Reload()
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("reload not idempotent (-first +second):\n%s", diff)
	}
	assert.Equal(t, []string{"x"}, second)
}
