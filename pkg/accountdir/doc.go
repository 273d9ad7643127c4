// Package accountdir keeps the passwd, group and shadow files and the
// sudoers.d drop-ins of a host consistent under concurrent edits.
//
// Every file is rewritten whole through a temporary file and a rename, so
// readers that know nothing about this package (a container runtime bind
// mounting /etc/passwd, say) never see a torn write. Writers that go through
// this package additionally serialize on flock(2) sidecar locks, taken in
// the fixed order passwd, group, shadow, sudoers.d.
//
// There is no multi-file transaction. A Directory operation that fails
// half way restores the files it already replaced, and Reconcile finds and
// repairs what a crash can still leave behind.
//
// The package never logs. Failures come back as typed errors (FormatError,
// NotFoundError, ConflictError, LockTimeoutError, IOError, ValidationError)
// matching the Err* sentinels through errors.Is.
package accountdir
