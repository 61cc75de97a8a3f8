//go:build !unix

package mem

func mapBacking(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapBacking([]byte) error {
	return nil
}
