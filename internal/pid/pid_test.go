package pid_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/pid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	f := pid.New(t.TempDir())

	require.NoError(t, f.Write())
	data, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	require.NoError(t, f.Remove())
	_, err = os.Stat(f.Path())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, f.Remove(), "removing twice is not an error")
}

func TestWriteRefusesLiveProcess(t *testing.T) {
	dir := t.TempDir()
	// PID 1 always exists.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thermalmon.pid"), []byte("1"), 0o600))

	err := pid.New(dir).Write()
	require.Error(t, err)
	assert.Equal(t, errors.ErrAlreadyRunning, errors.CodeOf(err))
}

func TestWriteReplacesGarbage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thermalmon.pid"), []byte("not-a-pid"), 0o600))

	require.NoError(t, pid.New(dir).Write())
}
