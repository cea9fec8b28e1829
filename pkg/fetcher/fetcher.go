// Package fetcher ensures every resolved package's tarball is present and
// verified in a local cache, and writes its per-package metadata record
// alongside the expanded contents. Downloads stream through a running
// digest (md5, or sha256 when requested) and land atomically: written to
// a temp name, then renamed into place, so a concurrent process over the
// same cache never sees a half-written tarball.
package fetcher

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/conda-incubator/conda-docker/internal/fsutil"
	"github.com/conda-incubator/conda-docker/pkg/builderr"
	"github.com/conda-incubator/conda-docker/pkg/condapkg"
)

// Options configures the fetch pipeline.
type Options struct {
	CacheDir string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// UseSHA256 switches the incremental checksum from MD5 to SHA-256,
	// for callers whose records carry a sha256 rather than an md5.
	UseSHA256 bool

	HTTPClient *http.Client
	Log        *logrus.Entry
}

// WithCacheDir returns a copy of o with CacheDir set, unless o already
// names one explicitly (an Options built directly by a caller wins over
// the builder's top-level CacheDir).
func (o Options) WithCacheDir(dir string) Options {
	if o.CacheDir == "" {
		o.CacheDir = dir
	}
	return o
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 9150 * time.Millisecond
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.ConnectTimeout + o.ReadTimeout}
	}
	if o.Log == nil {
		o.Log = logrus.WithField("component", "fetcher")
	}
	return o
}

// Fetch downloads (if necessary) and verifies every record in precs, in
// order, returning PackageCacheRecords with tarball/extracted-dir
// locations filled in. The output order matches the input order.
func Fetch(ctx context.Context, opts Options, precs []condapkg.PackageRecord) ([]condapkg.PackageCacheRecord, error) {
	opts = opts.withDefaults()
	out := make([]condapkg.PackageCacheRecord, len(precs))

	for i, rec := range precs {
		cached, err := fetchOne(ctx, opts, rec)
		if err != nil {
			return nil, errors.Wrapf(err, "fetching %s", rec.FN)
		}
		out[i] = cached
	}
	return out, nil
}

func fetchOne(ctx context.Context, opts Options, rec condapkg.PackageRecord) (condapkg.PackageCacheRecord, error) {
	tarballPath := filepath.Join(opts.CacheDir, rec.FN)
	// DistName strips the full tarball extension; filepath.Ext would leave a
	// trailing ".tar" on ".tar.bz2" packages.
	extractedDir := filepath.Join(opts.CacheDir, rec.DistName())

	log := opts.Log.WithField("fn", rec.FN)

	if ok, err := md5Matches(tarballPath, rec.MD5); err == nil && ok {
		log.Debug("cache hit, skipping download")
	} else {
		if err := download(ctx, opts, rec, tarballPath); err != nil {
			return condapkg.PackageCacheRecord{}, err
		}
	}

	if err := writeRepodataRecord(rec, tarballPath, extractedDir); err != nil {
		return condapkg.PackageCacheRecord{}, err
	}

	return condapkg.PackageCacheRecord{
		PackageRecord: rec,
		TarballPath:   tarballPath,
		ExtractedDir:  extractedDir,
	}, nil
}

func md5Matches(path, want string) (bool, error) {
	if want == "" {
		return false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return fmt.Sprintf("%x", h.Sum(nil)) == want, nil
}

// download streams rec.URL to a temporary sibling of dest, verifying
// Content-Length and the running checksum incrementally, then renames the
// temp file into place atomically.
func download(ctx context.Context, opts Options, rec condapkg.PackageRecord, dest string) error {
	log := opts.Log.WithField("url", rec.URL)

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Wrapf(err, "creating cache dir for %s", dest)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.URL, nil)
	if err != nil {
		return err
	}
	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return &builderr.NetworkError{URL: rec.URL, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &builderr.NetworkError{URL: rec.URL, StatusCode: resp.StatusCode}
	}

	contentLength := resp.ContentLength

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp download file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	var h hash.Hash
	if opts.UseSHA256 {
		h = sha256.New()
	} else {
		h = md5.New()
	}

	written, err := io.Copy(io.MultiWriter(tmp, h), resp.Body)
	closeErr := tmp.Close()
	if err != nil {
		return errors.Wrapf(err, "streaming download of %s", rec.URL)
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "closing temp download file")
	}

	if contentLength > 0 && written != contentLength {
		return &builderr.IntegrityError{Path: dest, Kind: "content-length", Want: fmt.Sprint(contentLength), Got: fmt.Sprint(written)}
	}

	checksum := fmt.Sprintf("%x", h.Sum(nil))
	wantChecksum := rec.MD5
	kind := "md5"
	if opts.UseSHA256 {
		kind = "sha256"
	}
	if wantChecksum != "" && checksum != wantChecksum {
		return &builderr.IntegrityError{Path: dest, Kind: kind, Want: wantChecksum, Got: checksum}
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return errors.Wrapf(err, "renaming %s -> %s", tmpName, dest)
	}

	d := digest.NewDigestFromEncoded(digest.SHA256, checksum)
	log.WithFields(logrus.Fields{
		"bytes":    units.HumanSize(float64(written)),
		"checksum": kindDigest(kind, checksum, d),
	}).Info("downloaded package tarball")
	return nil
}

// kindDigest formats a checksum the OCI way ("algo:hex") for log
// readability; when the checksum is an md5 (not a true digest algorithm
// go-digest knows), it is reported plainly instead of misusing d.
func kindDigest(kind, checksum string, d digest.Digest) string {
	if kind == "sha256" {
		return d.String()
	}
	return "md5:" + checksum
}

// writeRepodataRecord ensures extractedDir/info exists and writes
// repodata_record.json = json(record.dump(), sorted_keys, indent=2).
func writeRepodataRecord(rec condapkg.PackageRecord, tarballPath, extractedDir string) error {
	infoDir := filepath.Join(extractedDir, "info")
	if err := os.MkdirAll(infoDir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", infoDir)
	}

	dump := condapkg.PackageCacheRecord{
		PackageRecord: rec,
		TarballPath:   tarballPath,
		ExtractedDir:  extractedDir,
	}.Dump()

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling repodata_record.json")
	}
	return fsutil.WriteFileAtomic(filepath.Join(infoDir, "repodata_record.json"), data, 0644)
}
