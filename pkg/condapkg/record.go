// Package condapkg holds the package-closure data model: PackageRecord,
// PackageCacheRecord, and ChannelRemap. Records are plain immutable
// values; fields beyond the named set travel in an explicit Extras map.
package condapkg

import (
	"strings"
)

// tarballExtensions lists the two archive suffixes a conda package
// filename can carry; fn minus whichever of these it ends in is the
// package's dist_name.
var tarballExtensions = []string{".tar.bz2", ".conda"}

// PackageRecord is the immutable identity of one resolved package.
type PackageRecord struct {
	URL         string
	FN          string
	MD5         string
	Name        string
	Version     string
	BuildString string
	BuildNumber int
	Subdir      string
	Channel     string
	BaseURL     string

	// Extras carries fields not named above, keyed by JSON field name;
	// Dump writes them into records alongside the named fields. The
	// resolver does not fill it: unrecognized fields from the external
	// introspection tool are dropped.
	Extras map[string]string
}

// DistName is fn with its tarball extension stripped, e.g.
// "numpy-1.23.0-py311h1234567_0.conda" -> "numpy-1.23.0-py311h1234567_0".
func (r PackageRecord) DistName() string {
	return DistName(r.FN)
}

// DistName strips a package filename's tarball extension.
func DistName(fn string) string {
	for _, ext := range tarballExtensions {
		if strings.HasSuffix(fn, ext) {
			return strings.TrimSuffix(fn, ext)
		}
	}
	return fn
}

// FNFromURL returns the trailing path segment of a package URL, which is
// its tarball filename.
func FNFromURL(url string) string {
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return url
	}
	return url[idx+1:]
}

// PackageCacheRecord extends PackageRecord with the on-disk locations of
// its downloaded tarball and expanded contents once fetched.
type PackageCacheRecord struct {
	PackageRecord
	TarballPath  string
	ExtractedDir string
}

// ChannelRemap rewrites every URL whose prefix is Src to the corresponding
// prefix Dst when writing image-visible catalog files. It never mutates a
// record's own URL field, only the copies written into the staging tree.
type ChannelRemap struct {
	Src string
	Dst string
}

// Apply rewrites url's prefix if it matches Src, leaving it unchanged
// otherwise.
func (r ChannelRemap) Apply(url string) string {
	if strings.HasPrefix(url, r.Src) {
		return r.Dst + strings.TrimPrefix(url, r.Src)
	}
	return url
}

// RemapURL applies the first matching remap in remaps to url, or returns
// url unchanged if none match.
func RemapURL(url string, remaps []ChannelRemap) string {
	for _, r := range remaps {
		if strings.HasPrefix(url, r.Src) {
			return r.Apply(url)
		}
	}
	return url
}
