//go:build linux

package pmm

import "golang.org/x/sys/unix"

// mapPhysMem reserves a page-aligned, zero-filled region that backs the
// physical frames handed out by the pool.
func mapPhysMem(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func unmapPhysMem(mem []byte) error {
	return unix.Munmap(mem)
}
