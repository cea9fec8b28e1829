// Package builder orchestrates the full pipeline: stage files into a
// scratch root, invoke the external extractor/installer inside a sandbox
// view of that root, construct layers from the resulting tree, and emit
// the final image tar. Each phase (stage, install, cleanup, layer) is an
// independently testable function.
package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/conda-incubator/conda-docker/internal/fsutil"
	"github.com/conda-incubator/conda-docker/pkg/condapkg"
)

// StageOptions configures the staging step.
type StageOptions struct {
	StageRoot string
	CacheDir  string // where fetched tarballs/extracted dirs live (pkg/fetcher's CacheDir)
	Remaps    []condapkg.ChannelRemap
	Argv      []string // recorded verbatim into the conda-meta history header
	Log       *logrus.Entry
}

func (o StageOptions) log() *logrus.Entry {
	if o.Log != nil {
		return o.Log
	}
	return logrus.WithField("component", "builder")
}

// Stage lays out stageRoot to look like the target filesystem: pkgs cache,
// env.txt, environments.txt, urls/urls.txt, conda-meta history, per-package
// repodata_record.json rewrites, host bash/mv.
func Stage(opts StageOptions, records []condapkg.PackageCacheRecord, installerExe string) error {
	log := opts.log()
	pkgsDir := filepath.Join(opts.StageRoot, "opt", "conda", "pkgs")
	if err := os.MkdirAll(pkgsDir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", pkgsDir)
	}

	linkable := fsutil.CanLink(opts.CacheDir, pkgsDir)
	for _, rec := range records {
		dst := filepath.Join(pkgsDir, rec.FN)
		if err := linkOrCopy(rec.TarballPath, dst, linkable); err != nil {
			return errors.Wrapf(err, "staging tarball %s", rec.FN)
		}
	}

	if installerExe != "" {
		dst := filepath.Join(opts.StageRoot, "_conda.exe")
		if err := linkOrCopy(installerExe, dst, fsutil.CanLink(filepath.Dir(installerExe), opts.StageRoot)); err != nil {
			return errors.Wrap(err, "staging installer binary")
		}
	}

	if err := writeEnvTxt(pkgsDir, records); err != nil {
		return err
	}
	if err := writeEnvironmentsTxt(opts.StageRoot); err != nil {
		return err
	}
	if err := writeURLFiles(pkgsDir, records, opts.Remaps); err != nil {
		return err
	}
	if err := writeHistory(opts.StageRoot, opts.Argv, records); err != nil {
		return err
	}
	if err := writeRepodataRecords(pkgsDir, records, opts.Remaps); err != nil {
		return err
	}
	if err := copyHostTools(opts.StageRoot); err != nil {
		return err
	}

	log.WithField("packages", len(records)).Info("staged environment")
	return nil
}

func linkOrCopy(src, dst string, linkable bool) error {
	if linkable {
		return fsutil.LinkOrCopy(src, dst)
	}
	return fsutil.CopyFile(src, dst)
}

// writeEnvTxt writes the "@EXPLICIT" install-order listing Stage step 3
// describes, referencing tarballs by their staged file:// location.
func writeEnvTxt(pkgsDir string, records []condapkg.PackageCacheRecord) error {
	var b strings.Builder
	b.WriteString("@EXPLICIT\n")
	for _, rec := range records {
		fmt.Fprintf(&b, "file:///opt/conda/pkgs/%s\n", rec.FN)
	}
	return fsutil.WriteFileAtomic(filepath.Join(pkgsDir, "env.txt"), []byte(b.String()), 0644)
}

func writeEnvironmentsTxt(stageRoot string) error {
	path := filepath.Join(stageRoot, "root", ".conda", "environments.txt")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	return fsutil.WriteFileAtomic(path, []byte("/opt/conda\n"), 0644)
}

// writeURLFiles writes urls (url#md5 per line) and urls.txt (url per
// line), both through the channel remap table and both ending in a
// trailing blank line. Only these image-visible copies are remapped; the
// records themselves keep their origin URLs.
func writeURLFiles(pkgsDir string, records []condapkg.PackageCacheRecord, remaps []condapkg.ChannelRemap) error {
	var urls, urlsTxt strings.Builder
	for _, rec := range records {
		u := condapkg.RemapURL(rec.URL, remaps)
		fmt.Fprintf(&urls, "%s#%s\n", u, rec.MD5)
		fmt.Fprintf(&urlsTxt, "%s\n", u)
	}
	urls.WriteString("\n")
	urlsTxt.WriteString("\n")
	if err := fsutil.WriteFileAtomic(filepath.Join(pkgsDir, "urls"), []byte(urls.String()), 0644); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(pkgsDir, "urls.txt"), []byte(urlsTxt.String()), 0644)
}

// writeHistory writes conda-meta/history, a header of argv plus one
// "+{channel}::{dist_name}" line per record in order.
func writeHistory(stageRoot string, argv []string, records []condapkg.PackageCacheRecord) error {
	metaDir := filepath.Join(stageRoot, "opt", "conda", "conda-meta")
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", metaDir)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "==> %s <==\n", time.Now().UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "# cmd: %s\n", strings.Join(argv, " "))
	for _, rec := range records {
		fmt.Fprintf(&b, "+%s::%s\n", rec.Channel, rec.DistName())
	}
	return fsutil.WriteFileAtomic(filepath.Join(metaDir, "history"), []byte(b.String()), 0644)
}

// writeRepodataRecords rewrites each package's already-written
// repodata_record.json, remapping url/channel for image-visible catalog
// files without mutating the record the rest of the pipeline holds.
func writeRepodataRecords(pkgsDir string, records []condapkg.PackageCacheRecord, remaps []condapkg.ChannelRemap) error {
	for _, rec := range records {
		infoDir := filepath.Join(pkgsDir, rec.DistName(), "info")
		if err := os.MkdirAll(infoDir, 0755); err != nil {
			return errors.Wrapf(err, "creating %s", infoDir)
		}
		dump := rec.PackageRecord.Remapped(remaps)
		data, err := marshalSortedIndent(dump)
		if err != nil {
			return errors.Wrapf(err, "marshaling remapped record for %s", rec.FN)
		}
		if err := fsutil.WriteFileAtomic(filepath.Join(infoDir, "repodata_record.json"), data, 0644); err != nil {
			return err
		}
	}
	return nil
}

// copyHostTools copies the host's bash and mv binaries into <stage>/bin,
// which the sandboxed installer needs on its PATH.
func copyHostTools(stageRoot string) error {
	binDir := filepath.Join(stageRoot, "bin")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", binDir)
	}
	for _, tool := range []string{"/bin/bash", "/bin/mv"} {
		if _, err := os.Stat(tool); err != nil {
			continue // host may lack one of these in a minimal test image; best effort
		}
		if err := fsutil.CopyFile(tool, filepath.Join(binDir, filepath.Base(tool))); err != nil {
			return errors.Wrapf(err, "copying %s", tool)
		}
	}
	return nil
}

// CleanupPreLayering removes the hard-linked tarballs, installer binary,
// env.txt, and copied /bin tools, leaving only opt/ for the layering step.
// The urls/urls.txt catalog files stay: they are part of the image.
func CleanupPreLayering(stageRoot string) error {
	pkgsDir := filepath.Join(stageRoot, "opt", "conda", "pkgs")
	entries, err := os.ReadDir(pkgsDir)
	if err != nil {
		return errors.Wrapf(err, "reading %s", pkgsDir)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if name == "env.txt" || strings.HasSuffix(name, ".tar.bz2") || strings.HasSuffix(name, ".conda") {
			if err := os.Remove(filepath.Join(pkgsDir, name)); err != nil {
				return err
			}
		}
	}
	_ = os.Remove(filepath.Join(stageRoot, "_conda.exe"))
	_ = os.RemoveAll(filepath.Join(stageRoot, "bin"))

	top, err := os.ReadDir(stageRoot)
	if err != nil {
		return errors.Wrapf(err, "reading %s", stageRoot)
	}
	for _, e := range top {
		if e.Name() == "opt" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(stageRoot, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
