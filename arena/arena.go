// Package arena hands out raw byte regions that carry messages between a controller and
// the worker.
//
// A region is allocated by the sender, filled, and posted as an opaque (handle, size) pair.
// From then on the receiver owns it and must free it exactly once after decoding. If the
// post fails the sender frees it itself.
//
//	sender:   Alloc ─► write ─► Post ──ok──► (ownership moves to receiver)
//	                              └─fail─► Free
//	receiver: Get ─► Bytes ─► decode ─► Free
package arena

import (
	"sync"

	"github.com/pkg/errors"
)

// Handle identifies a live region. Zero never names a region.
type Handle uint64

// ErrUnknownRegion is returned when a handle was never allocated or was already freed.
var ErrUnknownRegion = errors.New("arena: unknown or already freed region")

// Stats is a snapshot of allocation bookkeeping.
type Stats struct {
	Allocated uint64 // Regions ever allocated
	Freed     uint64 // Regions ever freed
	Live      int    // Regions currently outstanding
}

// mapper backs regions with actual memory. The unix build maps shared anonymous pages,
// everything else uses the Go heap.
type mapper interface {
	mapRegion(size int) ([]byte, error)
	unmapRegion(b []byte) error
}

// Arena tracks every outstanding region. It is safe for concurrent use: the controller
// allocates on one goroutine while the worker frees on another.
type Arena struct {
	mu        sync.Mutex
	next      Handle
	regions   map[Handle][]byte
	allocated uint64
	freed     uint64
	mem       mapper
}

// New creates an arena backed by the platform's region mapper.
func New() *Arena {
	return newArena(newMapper())
}

// NewHeap creates an arena backed by ordinary Go slices.
func NewHeap() *Arena {
	return newArena(heapMapper{})
}

func newArena(m mapper) *Arena {
	return &Arena{
		regions: make(map[Handle][]byte),
		mem:     m,
	}
}

// Alloc reserves a region of exactly size bytes.
func (a *Arena) Alloc(size int) (Handle, []byte, error) {
	if size <= 0 {
		return 0, nil, errors.Errorf("arena: invalid region size %d", size)
	}
	buf, err := a.mem.mapRegion(size)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "arena: map %d bytes", size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	h := a.next
	a.regions[h] = buf
	a.allocated++
	return h, buf, nil
}

// Bytes returns the region behind h without transferring ownership.
func (a *Arena) Bytes(h Handle) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.regions[h]
	if !ok {
		return nil, ErrUnknownRegion
	}
	return buf, nil
}

// Free releases h. A second Free of the same handle returns ErrUnknownRegion and
// leaves the bookkeeping untouched.
func (a *Arena) Free(h Handle) error {
	a.mu.Lock()
	buf, ok := a.regions[h]
	if ok {
		delete(a.regions, h)
		a.freed++
	}
	a.mu.Unlock()

	if !ok {
		return ErrUnknownRegion
	}
	return errors.Wrap(a.mem.unmapRegion(buf), "arena: unmap region")
}

// Stats returns the current bookkeeping counters.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Allocated: a.allocated,
		Freed:     a.freed,
		Live:      len(a.regions),
	}
}

type heapMapper struct{}

func (heapMapper) mapRegion(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (heapMapper) unmapRegion([]byte) error {
	return nil
}
