// Package sched applies a POSIX scheduling policy and priority to a host
// thread. golang.org/x/sys/unix has no wrapper for sched_setscheduler(2), so
// this package issues the raw syscall directly against the kernel ABI's
// sched_param struct.
package sched

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Policy identifies a POSIX scheduling policy by its kernel constant.
type Policy int

const (
	Other Policy = 0
	FIFO  Policy = 1
	RR    Policy = 2
	Batch Policy = 3
	Idle  Policy = 5
)

// policyByName maps the `launcher.scheduler` config values to the kernel
// policy constants. "deadline" deliberately has no entry: SCHED_DEADLINE
// takes a runtime/deadline/period triple, not a single priority, so it is
// rejected earlier by internal/config rather than mapped here.
var policyByName = map[string]Policy{
	"other": Other,
	"batch": Batch,
	"fifo":  FIFO,
	"idle":  Idle,
	"rr":    RR,
}

// PolicyByName resolves a config scheduler name to its kernel Policy.
func PolicyByName(name string) (Policy, bool) {
	p, ok := policyByName[name]

	return p, ok
}

// schedParam mirrors struct sched_param from <sched.h>, the kernel ABI
// sched_setscheduler(2) expects for every policy this package supports.
type schedParam struct {
	Priority int32
}

// SetScheduler applies policy and priority to the thread identified by tid
// (a host TID, not a Go goroutine or process group).
func SetScheduler(tid int, policy Policy, priority int) error {
	param := schedParam{Priority: int32(priority)}

	_, _, errno := unix.Syscall(
		unix.SYS_SCHED_SETSCHEDULER,
		uintptr(tid),
		uintptr(policy),
		uintptr(unsafe.Pointer(&param)),
	)
	if errno != 0 {
		return &Error{TID: tid, Policy: policy, Err: errno}
	}

	return nil
}

// Error wraps a scheduling failure, named after the SchedulerFailed error
// kind.
type Error struct {
	TID    int
	Policy Policy
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sched: set scheduler %d for tid %d: %v", e.Policy, e.TID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
