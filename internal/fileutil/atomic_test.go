package fileutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, WriteAtomic(dir, "a.txt", bytes.NewReader([]byte("first"))))
	require.NoError(t, WriteAtomic(dir, "a.txt", bytes.NewReader([]byte("second"))))

	got, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteAtomic_MissingDir(t *testing.T) {
	err := WriteAtomic(filepath.Join(t.TempDir(), "nope"), "a.txt", bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestIsTemp(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{".offsets.json.tmp-12345", true},
		{".unit.parquet.tmp-1", true},
		{"offsets.json", false},
		{"unit.tmp-1", false},
		{".hidden", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTemp(tt.name))
		})
	}
}

func TestRemoveStaleTemps(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "dt=2024-01-01")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	keep := filepath.Join(sub, "unit.parquet")
	stale := []string{
		filepath.Join(root, ".x.tmp-1"),
		filepath.Join(sub, ".unit.parquet.tmp-2"),
	}
	require.NoError(t, os.WriteFile(keep, []byte("ok"), 0o644))
	for _, p := range stale {
		require.NoError(t, os.WriteFile(p, []byte("partial"), 0o644))
	}

	n, err := RemoveStaleTemps(root)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.FileExists(t, keep)
	for _, p := range stale {
		assert.NoFileExists(t, p)
	}

	n, err = RemoveStaleTemps(filepath.Join(root, "missing"))
	require.NoError(t, err)
	assert.Zero(t, n)
}
