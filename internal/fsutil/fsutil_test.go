package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInDir(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)

	got, err := ReplaceTildeInDir("~/.cache/gocl")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(usr.HomeDir, ".cache/gocl"), got)

	got, err = ReplaceTildeInDir("~")
	require.NoError(t, err)
	require.Equal(t, usr.HomeDir, filepath.Clean(got))

	got, err = ReplaceTildeInDir("/tmp/x")
	require.NoError(t, err)
	require.Equal(t, "/tmp/x", got)

	_, err = ReplaceTildeInDir("~no-such-user-for-gocl-tests/x")
	require.Error(t, err)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "file.bin")
	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0o644))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	// No temporary files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
