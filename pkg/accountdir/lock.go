package accountdir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/wait"
)

type LockMode int

const (
	SharedLock LockMode = iota
	ExclusiveLock
)

func (m LockMode) String() string {
	if m == ExclusiveLock {
		return "exclusive"
	}
	return "shared"
}

const defaultLockPollInterval = 5 * time.Millisecond

// Locker hands out flock(2) advisory locks. The lock is taken on a hidden
// sidecar file next to the target (see LockPath), never on the target
// itself: the target is replaced by rename on every write, and a lock held
// on the old inode would not exclude anyone opening the new one.
//
// flock locks belong to the open file description, so two goroutines of the
// same process exclude each other just like two processes do.
type Locker struct {
	// Timeout bounds each acquisition. Zero waits until the context is done.
	Timeout time.Duration
	// Interval between non-blocking attempts while a deadline is in force.
	Interval time.Duration
}

// LockPath returns the sidecar lock file used for path: /etc/passwd is
// guarded by /etc/.passwd.lock. The name stays clear of /etc/passwd.lock,
// which shadow-utils treats as "locked" by mere existence.
func LockPath(path string) string {
	dir, base := filepath.Split(filepath.Clean(path))
	return filepath.Join(dir, "."+base+".lock")
}

// Guard is a held lock. Release is safe to call more than once.
type Guard struct {
	path string
	mode LockMode
	file *os.File

	once sync.Once
	err  error
}

func (g *Guard) Path() string   { return g.path }
func (g *Guard) Mode() LockMode { return g.mode }

func (g *Guard) Release() error {
	if g == nil {
		return nil
	}
	g.once.Do(func() {
		uerr := unix.Flock(int(g.file.Fd()), unix.LOCK_UN)
		cerr := g.file.Close()
		g.err = ioErr("unlock", g.path, errors.Join(uerr, cerr))
	})
	return g.err
}

// Acquire blocks until the lock on path is held in the requested mode, the
// Locker timeout elapses, or ctx is done. The last two yield a
// *LockTimeoutError.
func (l *Locker) Acquire(ctx context.Context, path string, mode LockMode) (*Guard, error) {
	lp := LockPath(path)
	f, err := os.OpenFile(lp, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, ioErr("open lock", lp, err)
	}

	how := unix.LOCK_SH
	if mode == ExclusiveLock {
		how = unix.LOCK_EX
	}
	if err := l.flock(ctx, f, how); err != nil {
		f.Close()
		if wait.Interrupted(err) {
			return nil, &LockTimeoutError{Path: path, Err: err}
		}
		return nil, ioErr("flock", lp, err)
	}
	return &Guard{path: path, mode: mode, file: f}, nil
}

func (l *Locker) flock(ctx context.Context, f *os.File, how int) error {
	fd := int(f.Fd())

	// no deadline of any kind: plain blocking flock
	if l.Timeout <= 0 && ctx.Done() == nil {
		for {
			err := unix.Flock(fd, how)
			if err != unix.EINTR {
				return err
			}
		}
	}

	interval := l.Interval
	if interval <= 0 {
		interval = defaultLockPollInterval
	}
	try := func(context.Context) (bool, error) {
		err := unix.Flock(fd, how|unix.LOCK_NB)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
			return false, nil
		default:
			return false, err
		}
	}
	if l.Timeout > 0 {
		return wait.PollUntilContextTimeout(ctx, interval, l.Timeout, true, try)
	}
	return wait.PollUntilContextCancel(ctx, interval, true, try)
}

// WithReadLock runs fn while holding a shared lock on path.
func (l *Locker) WithReadLock(ctx context.Context, path string, fn func() error) error {
	return l.with(ctx, path, SharedLock, fn)
}

// WithWriteLock runs fn while holding an exclusive lock on path.
func (l *Locker) WithWriteLock(ctx context.Context, path string, fn func() error) error {
	return l.with(ctx, path, ExclusiveLock, fn)
}

func (l *Locker) with(ctx context.Context, path string, mode LockMode, fn func() error) (err error) {
	g, err := l.Acquire(ctx, path, mode)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, g.Release())
	}()
	return fn()
}

// LockSet holds several guards acquired in order; Release drops them in
// reverse order.
type LockSet []*Guard

func (ls LockSet) Release() error {
	var errs []error
	for i := len(ls) - 1; i >= 0; i-- {
		errs = append(errs, ls[i].Release())
	}
	return errors.Join(errs...)
}
