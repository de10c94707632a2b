//go:build linux || darwin

package hostmem

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Anonymous private mappings are zero-filled and only consume physical pages once they are
// touched, so large simulated heaps stay cheap.
func allocateBacking(size int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "could not map %d bytes of anonymous memory", size)
	}

	return data, nil
}

func releaseBacking(data []byte) error {
	return unix.Munmap(data)
}
