package accountdir

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrFormat      = errors.New("malformed record")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrLockTimeout = errors.New("lock timeout")
	ErrIO          = errors.New("io failure")
	ErrInvalid     = errors.New("invalid input")
)

// FormatError reports a stored line that could not be parsed. The operation
// that hit it aborts before writing anything.
type FormatError struct {
	Path   string
	Line   int // 1-based, 0 when not read from a file
	Kind   string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid %s record: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s:%d: invalid %s record: %s", e.Path, e.Line, e.Kind, e.Reason)
}

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// Entity kinds used by NotFoundError.
const (
	KindUser       = "user"
	KindGroup      = "group"
	KindMember     = "member"
	KindCredential = "credential"
)

// NotFoundError covers the UnknownUser, UnknownGroup and UnknownMember cases.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictReason tells apart the different uniqueness/reference violations.
type ConflictReason string

const (
	DuplicateUser  ConflictReason = "duplicate user"
	DuplicateUID   ConflictReason = "duplicate uid"
	DuplicateGroup ConflictReason = "duplicate group"
	DuplicateGID   ConflictReason = "duplicate gid"
	GroupInUse     ConflictReason = "group in use"
)

type ConflictError struct {
	Reason ConflictReason
	Name   string
	Detail string
}

func (e *ConflictError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %q: %s", e.Reason, e.Name, e.Detail)
	}
	return fmt.Sprintf("%s %q", e.Reason, e.Name)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// LockTimeoutError is transient: the caller may retry the whole operation.
type LockTimeoutError struct {
	Path string
	Err  error
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for lock on %s", e.Path)
}

func (e *LockTimeoutError) Is(target error) bool { return target == ErrLockTimeout }

func (e *LockTimeoutError) Unwrap() error { return e.Err }

// IOError wraps a disk or permission failure of the read/write sequence.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Is(target error) bool { return target == ErrIO }

func (e *IOError) Unwrap() error { return e.Err }

// ValidationError rejects caller input before any lock is taken.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
func IsFormat(err error) bool { return errors.Is(err, ErrFormat) }
func IsLockTimeout(err error) bool { return errors.Is(err, ErrLockTimeout) }
func IsIO(err error) bool { return errors.Is(err, ErrIO) }
func IsValidation(err error) bool { return errors.Is(err, ErrInvalid) }

// ConflictReasonOf returns the reason of the first ConflictError in err's chain.
func ConflictReasonOf(err error) (ConflictReason, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}

func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}
