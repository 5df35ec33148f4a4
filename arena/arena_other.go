//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package arena

func newMapper() mapper {
	return heapMapper{}
}
