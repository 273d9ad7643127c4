package accountdir

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

const policyPerm os.FileMode = 0o440

// PolicyLine is the single grant written for name.
func PolicyLine(name string) string {
	return name + " ALL=(ALL) NOPASSWD:ALL\n"
}

// PolicyStore keeps one sudoers drop-in per user. The whole directory shares
// one lock, taken through LockPath(Dir()).
type PolicyStore struct {
	dir    string
	verify VerifyFunc
}

func NewPolicyStore(dir string, verify VerifyFunc) *PolicyStore {
	return &PolicyStore{dir: dir, verify: verify}
}

func (p *PolicyStore) Dir() string { return p.dir }

func (p *PolicyStore) path(name string) string {
	return filepath.Join(p.dir, name)
}

// Write installs the grant for name. The validator, when configured, checks
// the temporary file so a rejected policy is never renamed into place.
func (p *PolicyStore) Write(name string) error {
	return writeFileAtomic(p.path(name), []byte(PolicyLine(name)), policyPerm, p.verify)
}

// Remove deletes the file for name; a missing file is fine.
func (p *PolicyStore) Remove(name string) error {
	err := os.Remove(p.path(name))
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return ioErr("remove", p.path(name), err)
}

// Read returns the content of the file for name and whether it exists.
func (p *PolicyStore) Read(name string) ([]byte, bool, error) {
	data, err := os.ReadFile(p.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ioErr("read", p.path(name), err)
	}
	return data, true, nil
}

// Valid reports whether data is exactly the grant this store writes for name.
func (p *PolicyStore) Valid(name string, data []byte) bool {
	return bytes.Equal(data, []byte(PolicyLine(name)))
}

// List returns the names of the policy files, sorted. Hidden entries (our
// temp files, lock files) are skipped, as sudo itself skips them.
func (p *PolicyStore) List() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("readdir", p.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// snapshot returns a func putting the file for name back the way it is now.
func (p *PolicyStore) snapshot(name string) (func() error, error) {
	data, ok, err := p.Read(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return func() error { return p.Remove(name) }, nil
	}
	return func() error {
		return writeFileAtomic(p.path(name), data, policyPerm, nil)
	}, nil
}

// PolicyValidationError carries the validator's output.
type PolicyValidationError struct {
	Path   string
	Output string
	Err    error
}

func (e *PolicyValidationError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("policy %s rejected: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("policy %s rejected: %v: %s", e.Path, e.Err, out)
}

func (e *PolicyValidationError) Unwrap() error { return e.Err }

// Policy validator settings.
const (
	ValidatorAuto = ""     // look up visudo in PATH, skip when absent
	ValidatorNone = "none" // never validate
)

// NewPolicyValidator resolves the checker binary. It returns nil when
// validation is disabled or, in auto mode, when visudo is not installed.
// An explicit path that does not resolve is an error.
func NewPolicyValidator(bin string) (VerifyFunc, error) {
	switch bin {
	case ValidatorNone:
		return nil, nil
	case ValidatorAuto:
		p, err := exec.LookPath("visudo")
		if err != nil {
			return nil, nil
		}
		bin = p
	default:
		p, err := exec.LookPath(bin)
		if err != nil {
			return nil, &ValidationError{Field: "policy validator", Reason: err.Error()}
		}
		bin = p
	}
	return func(tmp string) error {
		out, err := exec.Command(bin, "-cf", tmp).CombinedOutput()
		if err != nil {
			return &PolicyValidationError{Path: tmp, Output: string(out), Err: err}
		}
		return nil
	}, nil
}
