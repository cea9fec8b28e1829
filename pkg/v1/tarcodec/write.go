// Package tarcodec is the only code in this module that reads or writes
// tar bytes: filesystem-to-tar entry writers with an optional filter
// predicate, and the legacy v1 image-tar layout (a repositories index
// plus one VERSION/layer.tar/json directory per layer).
package tarcodec

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/conda-incubator/conda-docker/internal/fsutil"
)

// WriteFromPath produces an uncompressed tar containing path rooted at
// arcname. If recursive, it descends into directories. filter, if
// non-nil, is applied to every header; entries it drops are skipped.
func WriteFromPath(path, arcname string, recursive bool, filter Filter) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	if err := addPath(tw, path, arcname, recursive, filter); err != nil {
		return nil, errors.Wrapf(err, "writing tar entry for %s", path)
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "closing tar writer")
	}
	return buf.Bytes(), nil
}

func addPath(tw *tar.Writer, hostPath, arcname string, recursive bool, filter Filter) error {
	fi, err := os.Lstat(hostPath)
	if err != nil {
		return errors.Wrapf(err, "stat %s", hostPath)
	}

	if err := writeEntryHeader(tw, hostPath, arcname, fi, filter); err != nil {
		return err
	}

	if !fi.IsDir() || !recursive {
		return nil
	}

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		return errors.Wrapf(err, "read dir %s", hostPath)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if err := addPath(tw, filepath.Join(hostPath, e.Name()), filepath.Join(arcname, e.Name()), recursive, filter); err != nil {
			return err
		}
	}
	return nil
}

// writeEntryHeader writes the header (and, for regular files, the content)
// for a single filesystem entry, applying filter and honoring symlinks.
func writeEntryHeader(tw *tar.Writer, hostPath, arcname string, fi os.FileInfo, filter Filter) error {
	link := ""
	if fi.Mode()&os.ModeSymlink != 0 {
		l, err := os.Readlink(hostPath)
		if err != nil {
			return errors.Wrapf(err, "readlink %s", hostPath)
		}
		link = l
	}

	hdr, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return errors.Wrapf(err, "building header for %s", hostPath)
	}
	hdr.Name = arcname

	if filter != nil {
		out, ok := filter(hdr)
		if !ok {
			return nil
		}
		hdr = out
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "writing header for %s", arcname)
	}

	if hdr.Typeflag != tar.TypeReg {
		return nil
	}
	f, err := os.Open(hostPath)
	if err != nil {
		return errors.Wrapf(err, "open %s", hostPath)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return errors.Wrapf(err, "copy contents of %s", hostPath)
	}
	return nil
}

// WriteFromPaths writes each host path under its mapped archive name.
// Entries are emitted in sorted archive-name order for reproducibility.
// Non-recursive: callers must supply every directory entry they want
// present. When two host paths share the same (device, inode), the
// second and subsequent entries are emitted as POSIX hard-link entries
// pointing at the first entry's archive name, so hard links inside the
// staging tree survive the trip through tar.
func WriteFromPaths(paths map[string]string, filter Filter) ([]byte, error) {
	arcnames := make([]string, 0, len(paths))
	for arc := range paths {
		arcnames = append(arcnames, arc)
	}
	sort.Strings(arcnames)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	type inodeKey struct {
		dev, ino uint64
	}
	seen := make(map[inodeKey]string, len(paths))

	for _, arc := range arcnames {
		hostPath := paths[arc]
		fi, err := os.Lstat(hostPath)
		if err != nil {
			return nil, errors.Wrapf(err, "stat %s", hostPath)
		}

		if fi.Mode().IsRegular() {
			if dev, ino, ok := fsutil.Inode(hostPath); ok {
				key := inodeKey{dev, ino}
				if firstArc, dup := seen[key]; dup {
					hdr := &tar.Header{
						Typeflag: tar.TypeLink,
						Name:     arc,
						Linkname: firstArc,
						Mode:     int64(fi.Mode().Perm()),
					}
					if filter != nil {
						out, ok := filter(hdr)
						if !ok {
							continue
						}
						hdr = out
					}
					if err := tw.WriteHeader(hdr); err != nil {
						return nil, errors.Wrapf(err, "writing hardlink header for %s", arc)
					}
					continue
				}
				seen[key] = arc
			}
		}

		if err := writeEntryHeader(tw, hostPath, arc, fi, filter); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "closing tar writer")
	}
	return buf.Bytes(), nil
}

// WriteFromContents writes synthetic regular-file entries from an
// in-memory name->bytes map, in sorted name order.
func WriteFromContents(entries map[string][]byte, filter Filter) ([]byte, error) {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		content := entries[name]
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Size:     int64(len(content)),
			Mode:     0644,
		}
		if filter != nil {
			out, ok := filter(hdr)
			if !ok {
				continue
			}
			hdr = out
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, errors.Wrapf(err, "writing header for %s", name)
		}
		if _, err := tw.Write(content); err != nil {
			return nil, errors.Wrapf(err, "writing content for %s", name)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "closing tar writer")
	}
	return buf.Bytes(), nil
}

// writeTarEntry writes a single synthetic regular-file entry.
func writeTarEntry(tw *tar.Writer, name string, r io.Reader, size int64) error {
	hdr := &tar.Header{
		Mode:     0644,
		Typeflag: tar.TypeReg,
		Size:     size,
		Name:     name,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(tw, r)
	return err
}
