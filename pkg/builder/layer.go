package builder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/conda-incubator/conda-docker/pkg/builderr"
	"github.com/conda-incubator/conda-docker/pkg/condapkg"
	"github.com/conda-incubator/conda-docker/pkg/v1/image"
	"github.com/conda-incubator/conda-docker/pkg/v1/tarcodec"
	"github.com/conda-incubator/conda-docker/pkg/v1/types"
)

// MaxPerPackageLayers is the default bound on the number of per-package
// layers the layered strategy emits before rolling the remainder into the
// catch-all layer; config.BuildConfig.PerPackageLayerCap overrides it.
// Layer-chain depth is capped by registries and runtimes, so very large
// environments must not get one layer per package.
const MaxPerPackageLayers = 100

// condaMetaEntry is the subset of a conda-meta/<dist_name>.json file this
// tool needs to compute a package's owned path set.
type condaMetaEntry struct {
	Files []string `json:"files"`
}

// Single emits one layer whose content is the entire stage tree rooted at
// "/", and appends it to base.
func Single(stageRoot string, base types.Image, filter tarcodec.Filter) (types.Image, error) {
	return image.AppendLayerFromPath(base, stageRoot, "/", true, filter)
}

// Layered emits one layer per package (up to cap, or MaxPerPackageLayers
// if cap is 0) plus a final catch-all layer covering everything else
// under stageRoot, and appends them all to base in record order.
// Per-package layer ids are derived from the package's own md5 so
// rebuilds with unchanged packages produce identical layer ids.
func Layered(stageRoot string, records []condapkg.PackageCacheRecord, base types.Image, filter tarcodec.Filter, cap int) (types.Image, error) {
	if cap == 0 {
		cap = MaxPerPackageLayers
	}
	owned := make(map[string]bool)
	img := base

	perPackage := records
	if len(perPackage) > cap {
		perPackage = perPackage[:cap]
	}

	for _, rec := range perPackage {
		paths, err := packageOwnedPaths(stageRoot, rec)
		if err != nil {
			return img, errors.Wrapf(err, "computing owned paths for %s", rec.FN)
		}
		// Shared ancestor directories belong to whichever layer emitted
		// them first; re-emitting them here would put the same archive
		// path in two layers.
		for arc := range paths {
			if owned[arc] {
				delete(paths, arc)
				continue
			}
			owned[arc] = true
		}

		baseID := baseIDFor(rec)
		img, err = image.AppendLayerFromPaths(img, paths, filter, baseID)
		if err != nil {
			return img, errors.Wrapf(err, "building per-package layer for %s", rec.FN)
		}
	}

	remaining, err := allStagePaths(stageRoot)
	if err != nil {
		return img, errors.Wrap(err, "walking stage tree")
	}
	catchAll := make(map[string]string)
	for arc, host := range remaining {
		if !owned[arc] {
			catchAll[arc] = host
		}
	}

	img, err = image.AppendLayerFromPaths(img, catchAll, filter, "")
	if err != nil {
		return img, errors.Wrap(err, "building catch-all layer")
	}
	return img, nil
}

// baseIDFor derives a per-package-layer id from the package's md5, padded
// to the 64 hex characters a layer id is defined to carry, so identical
// packages across rebuilds produce identical layer ids.
func baseIDFor(rec condapkg.PackageCacheRecord) string {
	return rec.MD5 + strings.Repeat("0", 64-len(rec.MD5))
}

// packageOwnedPaths returns the set of archive-name -> host-path entries a
// single package owns: its files (from conda-meta), its pkgs cache
// directory, its conda-meta json file, and every ancestor directory of
// each owned file (so directories exist before the files inside them when
// the tar is extracted).
func packageOwnedPaths(stageRoot string, rec condapkg.PackageCacheRecord) (map[string]string, error) {
	metaPath := filepath.Join(stageRoot, "opt", "conda", "conda-meta", rec.DistName()+".json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, &builderr.MissingResourceError{Resource: metaPath, Cause: err}
	}
	var entry condaMetaEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, &builderr.MalformedDataError{Context: "conda-meta/" + rec.DistName() + ".json", Cause: err}
	}

	paths := make(map[string]string)
	addAncestors := func(relFile string) {
		dir := filepath.Dir(relFile)
		for dir != "." && dir != "/" && dir != "" {
			arc := "/" + filepath.ToSlash(dir)
			paths[arc] = filepath.Join(stageRoot, dir)
			dir = filepath.Dir(dir)
		}
	}

	for _, rel := range entry.Files {
		arc := "/" + filepath.ToSlash(filepath.Join("opt", "conda", rel))
		paths[arc] = filepath.Join(stageRoot, "opt", "conda", rel)
		addAncestors(filepath.Join("opt", "conda", rel))
	}

	pkgDir := filepath.Join("opt", "conda", "pkgs", rec.DistName())
	if fi, err := os.Stat(filepath.Join(stageRoot, pkgDir)); err == nil && fi.IsDir() {
		if err := addTreeTo(paths, stageRoot, pkgDir); err != nil {
			return nil, err
		}
	}

	metaRel := filepath.Join("opt", "conda", "conda-meta", rec.DistName()+".json")
	paths["/"+filepath.ToSlash(metaRel)] = filepath.Join(stageRoot, metaRel)

	return paths, nil
}

// addTreeTo walks relDir (relative to stageRoot) and adds every file and
// directory under it to paths.
func addTreeTo(paths map[string]string, stageRoot, relDir string) error {
	return filepath.Walk(filepath.Join(stageRoot, relDir), func(hostPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(stageRoot, hostPath)
		if err != nil {
			return err
		}
		paths["/"+filepath.ToSlash(rel)] = hostPath
		return nil
	})
}

// allStagePaths walks the entire stage tree and returns every file and
// directory as an archive-name -> host-path map, for the catch-all layer.
func allStagePaths(stageRoot string) (map[string]string, error) {
	paths := make(map[string]string)
	err := filepath.Walk(stageRoot, func(hostPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if hostPath == stageRoot {
			return nil
		}
		rel, err := filepath.Rel(stageRoot, hostPath)
		if err != nil {
			return err
		}
		paths["/"+filepath.ToSlash(rel)] = hostPath
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}
