package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CanLink probes whether a file in srcDir can be hard-linked into dstDir,
// rather than assuming it based on platform or mount
// table inspection. It creates and removes a throwaway file pair.
func CanLink(srcDir, dstDir string) bool {
	src, err := os.CreateTemp(srcDir, ".linkprobe-")
	if err != nil {
		return false
	}
	src.Close()
	defer os.Remove(src.Name())

	dst := filepath.Join(dstDir, filepath.Base(src.Name())+".link")
	defer os.Remove(dst)

	return os.Link(src.Name(), dst) == nil
}

// LinkOrCopy hard-links src to dst, falling back to a full copy when
// linking fails (cross-device, or a filesystem that forbids it).
func LinkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return CopyFile(src, dst)
}

// CopyFile copies src to dst, preserving the source's file mode.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return out.Close()
}

// WriteFileAtomic writes data to path by first writing to a sibling
// temporary file and renaming it into place, so a crash or interrupt never
// leaves a half-written file at path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}
