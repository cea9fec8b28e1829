package builder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conda-incubator/conda-docker/pkg/condapkg"
)

func newFakePackage(t *testing.T, cacheDir, fn, contents string) condapkg.PackageCacheRecord {
	t.Helper()
	path := filepath.Join(cacheDir, fn)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return condapkg.PackageCacheRecord{
		PackageRecord: condapkg.PackageRecord{
			URL: "https://example/" + fn, FN: fn, MD5: "deadbeef",
			Name: "numpy", Version: "1.0", BuildString: "0", Channel: "main",
		},
		TarballPath: path,
	}
}

func TestStageWritesExpectedLayout(t *testing.T) {
	cacheDir := t.TempDir()
	stageRoot := t.TempDir()
	rec := newFakePackage(t, cacheDir, "numpy-1.0-0.conda", "fake-tarball")

	err := Stage(StageOptions{StageRoot: stageRoot, CacheDir: cacheDir, Argv: []string{"condadocker", "build"}}, []condapkg.PackageCacheRecord{rec}, "")
	require.NoError(t, err)

	pkgsDir := filepath.Join(stageRoot, "opt", "conda", "pkgs")
	assert.FileExists(t, filepath.Join(pkgsDir, "numpy-1.0-0.conda"))
	assert.FileExists(t, filepath.Join(pkgsDir, "env.txt"))
	assert.FileExists(t, filepath.Join(pkgsDir, "urls"))
	assert.FileExists(t, filepath.Join(pkgsDir, "urls.txt"))
	assert.FileExists(t, filepath.Join(stageRoot, "root", ".conda", "environments.txt"))
	assert.FileExists(t, filepath.Join(stageRoot, "opt", "conda", "conda-meta", "history"))
	assert.FileExists(t, filepath.Join(pkgsDir, "numpy-1.0-0", "info", "repodata_record.json"))

	envTxt, err := os.ReadFile(filepath.Join(pkgsDir, "env.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(envTxt), "@EXPLICIT")
	assert.Contains(t, string(envTxt), "file:///opt/conda/pkgs/numpy-1.0-0.conda")
}

func TestWriteHistoryRecordsArgvAndDistNames(t *testing.T) {
	stageRoot := t.TempDir()
	rec := condapkg.PackageCacheRecord{PackageRecord: condapkg.PackageRecord{
		FN: "numpy-1.0-0.conda", Channel: "main",
	}}

	require.NoError(t, writeHistory(stageRoot, []string{"condadocker", "build", "-n", "env"}, []condapkg.PackageCacheRecord{rec}))

	data, err := os.ReadFile(filepath.Join(stageRoot, "opt", "conda", "conda-meta", "history"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "# cmd: condadocker build -n env")
	assert.Contains(t, string(data), "+main::numpy-1.0-0")
}

func TestWriteURLFilesAppliesRemap(t *testing.T) {
	pkgsDir := t.TempDir()
	rec := condapkg.PackageCacheRecord{PackageRecord: condapkg.PackageRecord{
		FN: "numpy-1.0-0.conda", URL: "https://a.example/numpy-1.0-0.conda", MD5: "deadbeef",
	}}
	remaps := []condapkg.ChannelRemap{{Src: "https://a.example/", Dst: "https://b.example/"}}

	require.NoError(t, writeURLFiles(pkgsDir, []condapkg.PackageCacheRecord{rec}, remaps))

	urls, err := os.ReadFile(filepath.Join(pkgsDir, "urls"))
	require.NoError(t, err)
	assert.Equal(t, "https://b.example/numpy-1.0-0.conda#deadbeef\n\n", string(urls))

	urlsTxt, err := os.ReadFile(filepath.Join(pkgsDir, "urls.txt"))
	require.NoError(t, err)
	assert.Equal(t, "https://b.example/numpy-1.0-0.conda\n\n", string(urlsTxt))
	assert.Equal(t, "https://a.example/numpy-1.0-0.conda", rec.URL, "remap must not mutate the record")
}

func TestWriteRepodataRecordsAppliesRemap(t *testing.T) {
	pkgsDir := t.TempDir()
	rec := condapkg.PackageCacheRecord{PackageRecord: condapkg.PackageRecord{
		FN: "numpy-1.0-0.conda", URL: "https://a.example/numpy-1.0-0.conda", Channel: "https://a.example/main",
	}}
	remaps := []condapkg.ChannelRemap{{Src: "https://a.example/", Dst: "https://b.example/"}}

	require.NoError(t, writeRepodataRecords(pkgsDir, []condapkg.PackageCacheRecord{rec}, remaps))

	data, err := os.ReadFile(filepath.Join(pkgsDir, "numpy-1.0-0", "info", "repodata_record.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "https://b.example/numpy-1.0-0.conda")
}

func TestCleanupPreLayeringLeavesOnlyOpt(t *testing.T) {
	stageRoot := t.TempDir()
	pkgsDir := filepath.Join(stageRoot, "opt", "conda", "pkgs")
	require.NoError(t, os.MkdirAll(pkgsDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pkgsDir, "x.conda"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(pkgsDir, "y-1.0-0.tar.bz2"), []byte("y"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(pkgsDir, "env.txt"), []byte("@EXPLICIT\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(pkgsDir, "urls"), []byte("u#m\n\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(pkgsDir, "urls.txt"), []byte("u\n\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(stageRoot, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stageRoot, "bin", "bash"), []byte("x"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stageRoot, "_conda.exe"), []byte("x"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(stageRoot, "root"), 0755))

	require.NoError(t, CleanupPreLayering(stageRoot))

	entries, err := os.ReadDir(stageRoot)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "opt", entries[0].Name())

	assert.NoFileExists(t, filepath.Join(pkgsDir, "x.conda"))
	assert.NoFileExists(t, filepath.Join(pkgsDir, "y-1.0-0.tar.bz2"))
	assert.NoFileExists(t, filepath.Join(pkgsDir, "env.txt"))
	assert.FileExists(t, filepath.Join(pkgsDir, "urls"))
	assert.FileExists(t, filepath.Join(pkgsDir, "urls.txt"))
}
