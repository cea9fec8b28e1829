package builder

import (
	"context"
	"crypto/md5"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conda-incubator/conda-docker/pkg/condapkg"
	"github.com/conda-incubator/conda-docker/pkg/v1/image"
)

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return fmt.Sprintf("%x", sum)
}

func TestBuildValidatesOutputRequired(t *testing.T) {
	_, err := Build(context.Background(), Options{Records: []condapkg.PackageRecord{{FN: "x"}}})
	assert.Error(t, err)
}

func TestBuildValidatesExactlyOneSelector(t *testing.T) {
	_, err := Build(context.Background(), Options{Output: "/tmp/out.tar"})
	assert.Error(t, err)

	_, err = Build(context.Background(), Options{
		Output:  "/tmp/out.tar",
		Name:    "env",
		Records: []condapkg.PackageRecord{{FN: "x"}},
	})
	assert.Error(t, err)
}

func TestBuildValidatesLayeringStrategy(t *testing.T) {
	_, err := Build(context.Background(), Options{
		Output:           "/tmp/out.tar",
		Records:          []condapkg.PackageRecord{{FN: "x"}},
		LayeringStrategy: "bogus",
	})
	assert.Error(t, err)
}

func TestBuildEndToEndFromScratchWithDirectRecords(t *testing.T) {
	payload := []byte("tarball-bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	outPath := filepath.Join(t.TempDir(), "out.tar")
	rec := condapkg.PackageRecord{
		URL: server.URL + "/numpy-1.0-0.conda", FN: "numpy-1.0-0.conda", MD5: md5Hex(payload),
		Name: "numpy", Version: "1.0", BuildString: "0", Channel: "main",
	}

	res, err := Build(context.Background(), Options{
		Base:             "scratch",
		ImageName:        "myimg",
		ImageTag:         "v1",
		Records:          []condapkg.PackageRecord{rec},
		LayeringStrategy: LayeringSingle,
		CacheDir:         t.TempDir(),
		Output:           outPath,
	})
	require.NoError(t, err)
	assert.Equal(t, outPath, res.Output)
	assert.Equal(t, 1, res.PackageCount)
	assert.Equal(t, 1, res.Layers)

	got, err := image.FromFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "myimg", got.Name)
	assert.Equal(t, "v1", got.Tag)
	require.Len(t, got.Layers, 1)
	assert.Equal(t, got.Layers[0].ID, res.HeadID)
}

func TestPullBaseScratchReturnsEmptyImage(t *testing.T) {
	img, err := pullBase(Options{Base: "scratch", ImageName: "n", ImageTag: "t"})
	require.NoError(t, err)
	assert.Empty(t, img.Layers)
	assert.Equal(t, "n", img.Name)
}

func TestRunInstallSkipsSandboxWhenNoSandboxExe(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "opt", "conda", "pkgs"), 0755))
	err := runInstall(context.Background(), Options{}, dir)
	assert.NoError(t, err)
}
