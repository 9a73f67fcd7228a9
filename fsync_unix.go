//go:build !windows

package btreedb

import (
	"os"

	"golang.org/x/sys/unix"
)

func fdatasync(file *os.File) error {
	if file == nil {
		return nil
	}
	return unix.Fsync(int(file.Fd()))
}

// msync flushes a byte range of an mmap'd region to its backing file.
// Both offset and length of the underlying mapping must be page-aligned
// per msync(2); callers pass the whole mapping when in doubt.
func msync(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Msync(data, unix.MS_SYNC)
}
