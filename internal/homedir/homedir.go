// Package homedir creates and removes the home directories of accounts
// managed through accountdir.
package homedir

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	copier "github.com/otiai10/copy"

	"kyri56xcaesar/accountd/internal/logger"
)

const homePerm os.FileMode = 0o700

type Provisioner struct {
	// homes are only created or removed strictly below base
	base    string
	skelDir string
	dryRun  bool
	log     *logger.MultiLogger

	// chown is skipped when not running as root
	chown func(path string, uid, gid int) error
}

func New(base, skelDir string, dryRun bool, log *logger.MultiLogger) *Provisioner {
	p := &Provisioner{base: filepath.Clean(base), skelDir: skelDir, dryRun: dryRun, log: log}
	if os.Geteuid() == 0 {
		p.chown = os.Lchown
	}
	return p
}

// Create populates dir from the skeleton directory and hands the tree to
// uid:gid. An existing dir is only re-owned at its top level.
func (p *Provisioner) Create(dir string, uid, gid int) error {
	if err := p.Check(dir); err != nil {
		return err
	}
	if p.dryRun {
		p.log.Infof("[dry-run] create home %s from %s for %d:%d", dir, p.skelDir, uid, gid)
		return nil
	}

	fi, err := os.Lstat(dir)
	switch {
	case err == nil && !fi.IsDir():
		return fmt.Errorf("refusing to touch home directory %q: not a directory", dir)
	case err == nil:
		return p.own(dir, uid, gid)
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", dir, err)
	}
	if _, err := os.Stat(p.skelDir); err != nil {
		p.log.Warnf("skeleton %s unavailable (%v), creating empty home %s", p.skelDir, err, dir)
		if err := os.Mkdir(dir, homePerm); err != nil {
			return err
		}
	} else {
		err := copier.Copy(p.skelDir, dir, copier.Options{
			OnSymlink: func(string) copier.SymlinkAction { return copier.Shallow },
			Sync:      true,
		})
		if err != nil {
			return fmt.Errorf("failed to copy %s to %s: %w", p.skelDir, dir, err)
		}
		if err := os.Chmod(dir, homePerm); err != nil {
			return err
		}
	}

	if p.chown == nil {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return p.chown(path, uid, gid)
	})
}

func (p *Provisioner) own(dir string, uid, gid int) error {
	if p.chown == nil {
		return nil
	}
	return p.chown(dir, uid, gid)
}

// Remove deletes dir recursively. A missing dir is fine.
func (p *Provisioner) Remove(dir string) error {
	if err := p.Check(dir); err != nil {
		return err
	}
	if p.dryRun {
		p.log.Infof("[dry-run] remove home %s", dir)
		return nil
	}
	return os.RemoveAll(dir)
}

// Check reports whether dir is a clean absolute path strictly below the
// home base.
func (p *Provisioner) Check(dir string) error {
	refuse := fmt.Errorf("refusing to touch home directory %q outside %s", dir, p.base)
	if !filepath.IsAbs(dir) || filepath.Clean(dir) != dir || !filepath.IsAbs(p.base) {
		return refuse
	}
	rel, err := filepath.Rel(p.base, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return refuse
	}
	return nil
}
