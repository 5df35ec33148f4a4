// Package modules holds the script module registry and its hot-reload cycle.
//
// The registry maps a bare module name to its source text and remembers every name
// removed since the last reload. Nothing here is locked: the registry is only touched
// by the worker while it holds the engine lock.
package modules

import (
	"sort"

	"scriptbridge/engine"
)

// Registry is the name → source table plus the pending-unload queue.
type Registry struct {
	sources map[string]string
	unload  []string // Removed since the last reload; duplicates kept
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]string)}
}

// Add stores source under name, replacing any previous entry. Whether the source
// compiles is not checked until the next reload.
func (r *Registry) Add(name, source string) {
	r.sources[name] = source
}

// Remove queues name for unload and deletes its entry. The name is queued even when
// there is no entry, in which case a KeyError is returned.
func (r *Registry) Remove(name string) error {
	r.unload = append(r.unload, name)
	if _, ok := r.sources[name]; !ok {
		return engine.Errorf(engine.KindKey, "module %q is not registered", name)
	}
	delete(r.sources, name)
	return nil
}

// Source returns the stored text for name.
func (r *Registry) Source(name string) (string, bool) {
	src, ok := r.sources[name]
	return src, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	return len(r.sources)
}

// Snapshot copies the name → source table.
func (r *Registry) Snapshot() map[string]string {
	out := make(map[string]string, len(r.sources))
	for name, src := range r.sources {
		out[name] = src
	}
	return out
}

// PendingUnload copies the unload queue.
func (r *Registry) PendingUnload() []string {
	return append([]string(nil), r.unload...)
}

// SwapPendingUnload replaces the unload queue with an empty one and returns the old queue.
func (r *Registry) SwapPendingUnload() []string {
	old := r.unload
	r.unload = nil
	return old
}
