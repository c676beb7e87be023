package filerx

import "os"

// zeroFill is the portable preallocation fallback: write zeros in
// 512-byte blocks until the file reaches total bytes. Used directly on
// platforms without fallocate(2), and as the fallback when fallocate
// itself is refused by the target filesystem.
func zeroFill(f *os.File, total uint32) error {
	if total == 0 {
		return nil
	}
	var zero [512]byte
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	left := int64(total)
	for left > 0 {
		n := int64(512)
		if left < n {
			n = left
		}
		if _, err := f.Write(zero[:n]); err != nil {
			return err
		}
		left -= n
	}
	return nil
}
