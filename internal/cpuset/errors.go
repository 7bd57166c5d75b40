package cpuset

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCgroupV1 is returned when mount_path is already a mount point
	// for something other than a cgroup v1 cpuset. A failed attempt to
	// mount the cpuset controller is reported with the mount error instead.
	ErrNotCgroupV1 = errors.New("cpuset: mount_path is not a cgroup v1 cpuset mount")

	// ErrShieldBusy is returned when a shield directory still has a task
	// resident at the moment of teardown.
	ErrShieldBusy = errors.New("cpuset: shield still has a resident task")
)

// Error wraps any failure surfaced by this package, named after the
// CgroupFailed error kind.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cpuset %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RollbackReport aggregates the errors encountered while unwinding a
// Manager's RollbackAction stack. Rollback is always attempted fully: a
// failing action never halts the remaining unwind (spec's RollbackDegraded
// behavior), so this is a diagnostic, not a fatal error, and callers should
// log it rather than propagate it as the operation's primary failure.
type RollbackReport struct {
	Failures []error
}

func (r *RollbackReport) Error() string {
	return fmt.Sprintf("cpuset: %d rollback action(s) failed", len(r.Failures))
}

func (r *RollbackReport) HasFailures() bool {
	return r != nil && len(r.Failures) > 0
}
