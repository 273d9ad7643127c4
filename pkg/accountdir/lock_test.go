package accountdir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockPath(t *testing.T) {
	assert.Equal(t, "/etc/.passwd.lock", LockPath("/etc/passwd"))
	assert.Equal(t, "/etc/.sudoers.d.lock", LockPath("/etc/sudoers.d/"))
}

func TestExclusiveLockExcludes(t *testing.T) {
	target := filepath.Join(t.TempDir(), "passwd")
	ctx := context.Background()

	holder := &Locker{}
	g, err := holder.Acquire(ctx, target, ExclusiveLock)
	require.NoError(t, err)

	impatient := &Locker{Timeout: 50 * time.Millisecond}
	_, err = impatient.Acquire(ctx, target, SharedLock)
	require.Error(t, err)
	assert.True(t, IsLockTimeout(err), "got %v", err)

	var lte *LockTimeoutError
	require.True(t, errors.As(err, &lte))
	assert.Equal(t, target, lte.Path)

	require.NoError(t, g.Release())
	require.NoError(t, g.Release(), "second release is a no-op")

	g2, err := impatient.Acquire(ctx, target, ExclusiveLock)
	require.NoError(t, err)
	require.NoError(t, g2.Release())
}

func TestSharedLocksCoexist(t *testing.T) {
	target := filepath.Join(t.TempDir(), "group")
	ctx := context.Background()
	l := &Locker{Timeout: 50 * time.Millisecond}

	a, err := l.Acquire(ctx, target, SharedLock)
	require.NoError(t, err)
	b, err := l.Acquire(ctx, target, SharedLock)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, target, ExclusiveLock)
	assert.True(t, IsLockTimeout(err))

	require.NoError(t, LockSet{a, b}.Release())
}

func TestLockHonorsContext(t *testing.T) {
	target := filepath.Join(t.TempDir(), "shadow")
	l := &Locker{}
	g, err := l.Acquire(context.Background(), target, ExclusiveLock)
	require.NoError(t, err)
	defer g.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, target, ExclusiveLock)
	assert.True(t, IsLockTimeout(err), "got %v", err)
}

func TestBlockingLockWaitsForRelease(t *testing.T) {
	target := filepath.Join(t.TempDir(), "passwd")
	l := &Locker{}
	g, err := l.Acquire(context.Background(), target, ExclusiveLock)
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		err := l.WithWriteLock(context.Background(), target, func() error { return nil })
		got <- err
	}()

	select {
	case <-got:
		t.Fatal("acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, g.Release())

	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("lock never acquired after release")
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	target := filepath.Join(t.TempDir(), "passwd")
	l := &Locker{Timeout: 50 * time.Millisecond}
	boom := errors.New("boom")

	err := l.WithWriteLock(context.Background(), target, func() error { return boom })
	require.ErrorIs(t, err, boom)

	require.NoError(t, l.WithWriteLock(context.Background(), target, func() error { return nil }))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "passwd")
	require.NoError(t, os.WriteFile(target, []byte("old\n"), 0o644))

	require.NoError(t, writeFileAtomic(target, []byte("new\n"), 0o640, nil))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))
	fi, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), fi.Mode().Perm())
	assertNoTempFiles(t, dir)
}

func TestWriteFileAtomicVerifyFailure(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "alice")
	require.NoError(t, os.WriteFile(target, []byte("old\n"), 0o440))

	rejected := errors.New("rejected")
	var seen string
	err := writeFileAtomic(target, []byte("new\n"), 0o440, func(tmp string) error {
		data, err := os.ReadFile(tmp)
		require.NoError(t, err)
		seen = string(data)
		return rejected
	})
	require.ErrorIs(t, err, rejected)
	assert.Equal(t, "new\n", seen, "verify sees the complete new content")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(data))
	assertNoTempFiles(t, dir)
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "leftover %s", e.Name())
	}
}
