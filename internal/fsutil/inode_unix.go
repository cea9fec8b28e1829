//go:build linux || darwin

package fsutil

import (
	"os"
	"syscall"
)

// Inode returns the (device, inode) pair identifying the file at path on
// platforms that expose it, and whether the probe succeeded. Two paths
// sharing both numbers are hard links to the same data.
func Inode(path string) (dev, ino uint64, ok bool) {
	fi, err := os.Lstat(path)
	if err != nil {
		return 0, 0, false
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return uint64(st.Dev), uint64(st.Ino), true
}
