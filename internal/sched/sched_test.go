package sched_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/qemu-launcher/qemu-launcher/internal/sched"
)

func TestPolicyByNameKnownPolicies(t *testing.T) {
	cases := map[string]sched.Policy{
		"other": sched.Other,
		"batch": sched.Batch,
		"fifo":  sched.FIFO,
		"idle":  sched.Idle,
		"rr":    sched.RR,
	}

	for name, want := range cases {
		got, ok := sched.PolicyByName(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
}

func TestPolicyByNameRejectsDeadline(t *testing.T) {
	_, ok := sched.PolicyByName("deadline")
	assert.False(t, ok)
}

func TestPolicyByNameRejectsUnknown(t *testing.T) {
	_, ok := sched.PolicyByName("nonsense")
	assert.False(t, ok)
}

// TestSetSchedulerOtherOnSelfSucceedsUnprivileged exercises the syscall
// path with SCHED_OTHER, the one policy change that never requires
// CAP_SYS_NICE, against the calling thread's own TID.
func TestSetSchedulerOtherOnSelfSucceedsUnprivileged(t *testing.T) {
	tid := unix.Gettid()

	err := sched.SetScheduler(tid, sched.Other, 0)
	require.NoError(t, err)
}
