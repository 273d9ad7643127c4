package accountdir

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
)

// VerifyFunc inspects the fully written temporary file before it replaces
// the target. A non-nil error aborts the write and leaves the target as it
// was.
type VerifyFunc func(tmpPath string) error

// writeFileAtomic replaces path with data so that a concurrent reader sees
// either the old content or the new one, never a mix. The new file gets
// mode perm and, when running as root, the owner of the file it replaces.
func writeFileAtomic(path string, data []byte, perm os.FileMode, verify VerifyFunc) (err error) {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return ioErr("create temp", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return ioErr("write", tmpPath, err)
	}
	if err = tmp.Chmod(perm); err != nil {
		return ioErr("chmod", tmpPath, err)
	}
	if err = keepOwner(tmp, path); err != nil {
		return ioErr("chown", tmpPath, err)
	}
	if err = tmp.Sync(); err != nil {
		return ioErr("sync", tmpPath, err)
	}
	if err = tmp.Close(); err != nil {
		return ioErr("close", tmpPath, err)
	}
	if verify != nil {
		if err = verify(tmpPath); err != nil {
			return err
		}
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return ioErr("rename", path, err)
	}
	if err = syncDir(dir); err != nil {
		return ioErr("sync", dir, err)
	}
	return nil
}

// keepOwner copies uid/gid of an existing target onto f. Only root can do
// that, so the call is skipped otherwise.
func keepOwner(f *os.File, target string) error {
	if os.Geteuid() != 0 {
		return nil
	}
	fi, err := os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	return f.Chown(int(st.Uid), int(st.Gid))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
