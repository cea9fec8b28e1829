package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls   [][]string
	outputs [][]byte
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args []string, env []string) ([]byte, []byte, error) {
	f.calls = append(f.calls, args)
	if f.err != nil {
		return nil, nil, f.err
	}
	out := f.outputs[len(f.calls)-1]
	return out, nil, nil
}

func TestFromEnvironmentRequiresExactlyOneOfNameOrPrefix(t *testing.T) {
	opts := Options{CondaExe: "/usr/bin/conda", Runner: &fakeRunner{}}

	_, err := FromEnvironment(context.Background(), opts, "", "")
	assert.Error(t, err)

	_, err = FromEnvironment(context.Background(), opts, "env", "/prefix")
	assert.Error(t, err)
}

func TestFromEnvironmentJoinsExplicitListingWithMetadata(t *testing.T) {
	metaJSON := []byte(`{"numpy-1.23.0-py311h0_0": {"name": "numpy", "version": "1.23.0", "build_string": "py311h0_0", "build_number": 0, "channel": "main", "base_url": "https://repo.anaconda.com/pkgs/main", "platform": "linux-64"}}`)
	explicitJSON := []byte("@EXPLICIT\nhttps://repo.anaconda.com/pkgs/main/linux-64/numpy-1.23.0-py311h0_0.conda#deadbeef\n")

	runner := &fakeRunner{outputs: [][]byte{metaJSON, explicitJSON}}
	opts := Options{CondaExe: "/usr/bin/conda", Runner: runner}

	records, err := FromEnvironment(context.Background(), opts, "myenv", "")
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "numpy", rec.Name)
	assert.Equal(t, "1.23.0", rec.Version)
	assert.Equal(t, "deadbeef", rec.MD5)
	assert.Equal(t, "numpy-1.23.0-py311h0_0.conda", rec.FN)

	require.Len(t, runner.calls, 2)
	assert.Contains(t, runner.calls[0], "-n")
	assert.Contains(t, runner.calls[0], "myenv")
}

func TestFromEnvironmentUsesPrefixFlag(t *testing.T) {
	runner := &fakeRunner{outputs: [][]byte{[]byte(`{}`), []byte("@EXPLICIT\n")}}
	opts := Options{CondaExe: "/usr/bin/conda", Runner: runner}

	_, err := FromEnvironment(context.Background(), opts, "", "/my/prefix")
	require.NoError(t, err)
	assert.Contains(t, runner.calls[0], "-p")
	assert.Contains(t, runner.calls[0], "/my/prefix")
}

func TestDecodeMetadataByDistToleratesUnknownFields(t *testing.T) {
	raw := []byte(`{"pkg-1-0": {"name": "pkg", "version": "1", "build_string": "0", "some_future_field": {"nested": true}}}`)
	out, err := decodeMetadataByDist(raw)
	require.NoError(t, err)
	assert.Equal(t, "pkg", out["pkg-1-0"].Name)
}

func TestJoinExplicitSkipsCommentsAndHeader(t *testing.T) {
	raw := []byte("@EXPLICIT\n# comment\n\nhttps://a/pkg-1-0.conda#abc\n")
	records, err := joinExplicit(raw, map[string]explicitMetadata{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "abc", records[0].MD5)
}

func TestJoinExplicitMissingMD5IsMalformed(t *testing.T) {
	_, err := joinExplicit([]byte("https://a/pkg-1-0.conda\n"), map[string]explicitMetadata{})
	assert.Error(t, err)
}
