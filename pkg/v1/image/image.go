// Package image provides the append-only, parent-chain-maintaining Image
// builder: mint a Layer from a path, a path-map, or an in-memory contents
// map, and push it onto the head of an Image. Every Append* variant goes
// through the same wrap helper, which assigns the id, parent, timestamp,
// and default runtime config.
package image

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"

	"github.com/conda-incubator/conda-docker/pkg/v1/tarcodec"
	"github.com/conda-incubator/conda-docker/pkg/v1/types"
)

// Version is embedded in the default layer config's CONDA_DOCKER label,
// stamping the builder's own version into every image it produces.
const Version = "0.0.2"

// DefaultConfig returns the Docker runtime config every newly appended
// layer carries unless the caller overrides it. Must be emitted verbatim
// for interoperability with tooling that inspects built images.
func DefaultConfig() *types.Config {
	return &types.Config{
		User:       "root",
		Env:        []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"},
		Cmd:        []string{"/bin/bash"},
		Entrypoint: []string{"/bin/sh", "-c"},
		Labels:     map[string]string{"CONDA_DOCKER": Version},
	}
}

// New returns an empty image with no layers, as used for the "scratch"
// pseudo-base.
func New(name, tag string) types.Image {
	return types.Image{Name: name, Tag: tag}
}

// AppendLayerFromPath tars path (rooted at arcname) and appends it as the
// new head layer.
func AppendLayerFromPath(img types.Image, path, arcname string, recursive bool, filter tarcodec.Filter) (types.Image, error) {
	content, err := tarcodec.WriteFromPath(path, arcname, recursive, filter)
	if err != nil {
		return img, errors.Wrap(err, "building layer from path")
	}
	return wrap(img, content, ""), nil
}

// AppendLayerFromPaths tars the given archive-name -> host-path map,
// deduplicating hard links, and appends it as the new head layer. baseID,
// if non-empty, is used as the layer id instead of a random one (used by
// the per-package layering strategy, where the id is derived from the
// package's own checksum rather than minted fresh).
func AppendLayerFromPaths(img types.Image, paths map[string]string, filter tarcodec.Filter, baseID string) (types.Image, error) {
	content, err := tarcodec.WriteFromPaths(paths, filter)
	if err != nil {
		return img, errors.Wrap(err, "building layer from path map")
	}
	return wrap(img, content, baseID), nil
}

// AppendLayerFromContents builds a synthetic layer from an in-memory
// name->bytes map and appends it as the new head layer.
func AppendLayerFromContents(img types.Image, contents map[string][]byte, filter tarcodec.Filter) (types.Image, error) {
	content, err := tarcodec.WriteFromContents(contents, filter)
	if err != nil {
		return img, errors.Wrap(err, "building layer from contents")
	}
	return wrap(img, content, ""), nil
}

// wrap mints a new head Layer around tar content and pushes it onto img.
func wrap(img types.Image, content []byte, baseID string) types.Image {
	id := baseID
	if id == "" {
		id = randomID()
	}
	parent := img.Head()

	layer := types.Layer{
		ID:           id,
		ParentID:     parent,
		Architecture: "amd64",
		OS:           "linux",
		Created:      time.Now().UTC(),
		Author:       "conda_docker",
		Content:      content,
		Config:       DefaultConfig(),
	}

	img.Layers = append([]types.Layer{layer}, img.Layers...)
	return img
}

func randomID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken,
		// which is unrecoverable; surfacing a clear panic beats silently
		// minting a predictable id.
		panic(errors.Wrap(err, "reading random layer id"))
	}
	return hex.EncodeToString(buf)
}

// FromFile reads a v1 image tarball from disk and returns the first image
// it describes.
func FromFile(path string) (types.Image, error) {
	images, err := fromFile(path)
	if err != nil {
		return types.Image{}, err
	}
	if len(images) == 0 {
		return types.Image{}, errors.Errorf("%s: no images found in v1 tarball", path)
	}
	return images[0], nil
}
