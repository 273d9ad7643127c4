package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSplitLogger checks that every level lands in its own file
func TestSplitLogger(t *testing.T) {
	dir := t.TempDir()
	ml, err := New(dir, true, false)
	require.NoError(t, err)

	ml.Infof("created %s", "alice")
	ml.Warnf("reconcile found %d issues", 2)
	ml.Errf("write failed: %v", "disk full")
	ml.Printf("GET /v1/healthz")
	require.NoError(t, ml.Close())

	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		return string(data)
	}
	assert.Contains(t, read(infoFileName), "created alice")
	assert.NotContains(t, read(infoFileName), "disk full")
	assert.Contains(t, read(warnFileName), "reconcile found 2 issues")
	assert.Contains(t, read(errFileName), "write failed: disk full")
	assert.Contains(t, read(errFileName), "logger_test.go", "error lines carry the caller")
	assert.Contains(t, read(logFileName), "GET /v1/healthz")
}

// TestSingleFileLogger checks that without split all levels share one file
func TestSingleFileLogger(t *testing.T) {
	dir := t.TempDir()
	ml, err := New(dir, false, false)
	require.NoError(t, err)

	ml.Infof("one")
	ml.Warnf("two")
	ml.Errf("three")
	require.NoError(t, ml.Close())

	data, err := os.ReadFile(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	for _, s := range []string{"[INFO]", "one", "[WARNING]", "two", "[ERROR]", "three"} {
		assert.Contains(t, string(data), s)
	}
	assert.NotContains(t, string(data), "\033[", "files carry no color escapes")
	_, err = os.Stat(filepath.Join(dir, infoFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestNilLoggerIsSilent(t *testing.T) {
	var ml *MultiLogger
	ml.Infof("ignored")
	ml.Errf("ignored")
	assert.NoError(t, ml.Close())
}
