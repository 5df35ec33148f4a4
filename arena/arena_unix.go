//go:build linux || darwin || freebsd || netbsd || openbsd

package arena

import "golang.org/x/sys/unix"

// mmapMapper maps every region as its own shared anonymous mapping so it stays
// visible to forked children, the closest thing to a cross-process heap allocation.
type mmapMapper struct{}

func newMapper() mapper {
	return mmapMapper{}
}

func (mmapMapper) mapRegion(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
}

func (mmapMapper) unmapRegion(b []byte) error {
	return unix.Munmap(b)
}
