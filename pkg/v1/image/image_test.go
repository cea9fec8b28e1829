package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conda-incubator/conda-docker/pkg/v1/types"
)

func TestAppendLayerFromContentsSetsParentChain(t *testing.T) {
	img := New("myimg", "v1")

	img, err := AppendLayerFromContents(img, map[string][]byte{"a": []byte("1")}, nil)
	require.NoError(t, err)
	require.Len(t, img.Layers, 1)
	assert.Empty(t, img.Layers[0].ParentID)
	firstID := img.Layers[0].ID

	img, err = AppendLayerFromContents(img, map[string][]byte{"b": []byte("2")}, nil)
	require.NoError(t, err)
	require.Len(t, img.Layers, 2)
	assert.Equal(t, firstID, img.Layers[0].ParentID)
	assert.Equal(t, "", img.Layers[1].ParentID)
	require.NoError(t, img.Validate())
}

func TestAppendLayerFromContentsDefaultConfig(t *testing.T) {
	img, err := AppendLayerFromContents(New("n", "t"), map[string][]byte{"a": []byte("1")}, nil)
	require.NoError(t, err)

	cfg := img.Layers[0].Config
	require.NotNil(t, cfg)
	assert.Equal(t, "root", cfg.User)
	assert.Equal(t, []string{"/bin/bash"}, cfg.Cmd)
	assert.Equal(t, []string{"/bin/sh", "-c"}, cfg.Entrypoint)
	assert.Equal(t, []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}, cfg.Env)
	assert.Equal(t, Version, cfg.Labels["CONDA_DOCKER"])
}

func TestAppendLayerFromPathsUsesBaseID(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0644))

	img, err := AppendLayerFromPaths(New("n", "t"), map[string]string{"/f": f}, nil, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", img.Layers[0].ID)
}

func TestAppendLayerFromPathRecursive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644))

	img, err := AppendLayerFromPath(New("n", "t"), dir, "/", true, nil)
	require.NoError(t, err)
	require.Len(t, img.Layers, 1)
	assert.NotEmpty(t, img.Layers[0].Content)
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	img, err := AppendLayerFromContents(New("roundtrip", "v1"), map[string][]byte{"a": []byte("1")}, nil)
	require.NoError(t, err)
	img.Name, img.Tag = "roundtrip", "v1"

	path := filepath.Join(t.TempDir(), "out.tar")
	require.NoError(t, WriteToFile(path, img))

	got, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", got.Name)
	assert.Equal(t, "v1", got.Tag)
	require.Len(t, got.Layers, 1)
	assert.Equal(t, img.Layers[0].ID, got.Layers[0].ID)
}

func TestFromFileMissingImageIsAnError(t *testing.T) {
	_, err := FromFile("/nonexistent/path.tar")
	assert.Error(t, err)
}

func TestNewImageHasNoLayers(t *testing.T) {
	img := New("scratch-based", "latest")
	assert.Equal(t, types.Image{Name: "scratch-based", Tag: "latest"}, img)
}
