//go:build linux || darwin

package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInodeMatchesForHardLinkedFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0644))
	require.NoError(t, os.Link(a, b))

	devA, inoA, ok := Inode(a)
	require.True(t, ok)
	devB, inoB, ok := Inode(b)
	require.True(t, ok)

	assert.Equal(t, devA, devB)
	assert.Equal(t, inoA, inoB)
}

func TestInodeDiffersForDistinctFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("y"), 0644))

	_, inoA, _ := Inode(a)
	_, inoB, _ := Inode(b)
	assert.NotEqual(t, inoA, inoB)
}
