//go:build !linux && !darwin

package fsutil

// Inode is unsupported on this platform: callers must treat every path as
// a unique inode, which only costs extra (harmless) duplicated tar entries.
func Inode(path string) (dev, ino uint64, ok bool) {
	return 0, 0, false
}
