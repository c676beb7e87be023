//go:build linux

package filerx

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocateFast asks the kernel to reserve total bytes for f via
// fallocate(2), the fast sparse-extend path spec.md §4.5/§9 calls for.
// Filesystems that refuse fallocate (returning ENOSYS/EOPNOTSUPP) fall
// back to the 512-byte zero-fill loop.
func preallocateFast(f *os.File, total uint32) error {
	if total == 0 {
		return nil
	}
	if err := unix.Fallocate(int(f.Fd()), 0, 0, int64(total)); err == nil {
		return nil
	}
	return zeroFill(f, total)
}
