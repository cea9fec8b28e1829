package tarcodec

import (
	"archive/tar"
	"strings"
)

// Filter is applied to every tar header written by WriteFromPath and
// WriteFromPaths. Returning ok=false drops the entry entirely. A nil
// Filter keeps every entry.
type Filter func(hdr *tar.Header) (out *tar.Header, ok bool)

// CondaFileFilter drops static archive members (".a") and JS source maps
// (".js.map") from an environment layer, trimming build artifacts that
// never belong in a runtime image.
func CondaFileFilter(trimStaticLibs, trimJSMaps bool) Filter {
	return func(hdr *tar.Header) (*tar.Header, bool) {
		if trimStaticLibs && strings.HasSuffix(hdr.Name, ".a") {
			return nil, false
		}
		if trimJSMaps && strings.HasSuffix(hdr.Name, ".js.map") {
			return nil, false
		}
		return hdr, true
	}
}
