package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campagnol.pid")

	require.NoError(t, Write(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), mustAtoi(t, string(data)))

	require.NoError(t, Remove(path))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestWriteOverwritesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campagnol.pid")
	require.NoError(t, os.WriteFile(path, []byte("99999999\n"), 0644))

	require.NoError(t, Write(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), mustAtoi(t, string(data)))
}

func TestEmptyPathIsNoop(t *testing.T) {
	require.NoError(t, Write(""))
	require.NoError(t, Remove(""))
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	s = s[:len(s)-1] // trim trailing newline
	var v int
	for _, r := range s {
		require.True(t, r >= '0' && r <= '9')
		v = v*10 + int(r-'0')
	}
	return v
}
