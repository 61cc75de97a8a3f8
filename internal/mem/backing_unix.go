//go:build unix

package mem

import "golang.org/x/sys/unix"

func mapBacking(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func unmapBacking(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}
