//go:build !linux

package filerx

import "os"

// preallocateFast falls back straight to the portable zero-fill path on
// platforms without fallocate(2).
func preallocateFast(f *os.File, total uint32) error {
	return zeroFill(f, total)
}
