package cpuset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestManager sets up a fake mount_path with the root cpuset files a
// real cgroup v1 mount would already have, then builds a Manager against
// it without exercising ensureMounted (which talks to /proc/mounts).
func newTestManager(t *testing.T) *Manager {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, cpusFile), []byte("0-3"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, memsFile), []byte("0"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tasksFile), []byte(""), 0o644))

	return NewManager(dir, "qemu-launcher", []int{0, 1, 2, 3}, nil)
}

// TestScenarioS4 reproduces spec.md's single-socket dual-thread pin
// scenario end to end against a fake mount_path.
func TestScenarioS4(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.buildPrefix())
	require.NoError(t, m.buildPool([]int{1, 3}))
	require.NoError(t, m.buildShields([]int{1, 3}))
	require.NoError(t, m.PinThread(1, 1001))
	require.NoError(t, m.PinThread(3, 1002))

	poolCPUs, err := readFile(filepath.Join(m.poolDir(), cpusFile))
	require.NoError(t, err)
	cpus, err := parseCPUList(poolCPUs)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 2}, cpus)

	shield1CPUs, err := readFile(filepath.Join(m.shieldDir(1), cpusFile))
	require.NoError(t, err)
	assert.Equal(t, "1", shield1CPUs)

	shield3CPUs, err := readFile(filepath.Join(m.shieldDir(3), cpusFile))
	require.NoError(t, err)
	assert.Equal(t, "3", shield3CPUs)

	shield1Tasks, err := readFile(filepath.Join(m.shieldDir(1), tasksFile))
	require.NoError(t, err)
	assert.Equal(t, "1001", shield1Tasks)

	shield3Tasks, err := readFile(filepath.Join(m.shieldDir(3), tasksFile))
	require.NoError(t, err)
	assert.Equal(t, "1002", shield3Tasks)

	report := m.Teardown()
	assert.False(t, report.HasFailures(), "%v", report.Failures)

	assert.NoDirExists(t, m.shieldDir(1))
	assert.NoDirExists(t, m.shieldDir(3))
}

func TestBuildPrefixInheritsMemsAndCpusFromParent(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.buildPrefix())

	cpus, err := readFile(filepath.Join(m.prefixDir(), cpusFile))
	require.NoError(t, err)
	assert.Equal(t, "0-3", cpus)

	mems, err := readFile(filepath.Join(m.prefixDir(), memsFile))
	require.NoError(t, err)
	assert.Equal(t, "0", mems)
}

func TestPrefixAndPoolCpusUnionIsDisjointAndComplete(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.buildPrefix())
	require.NoError(t, m.buildPool([]int{2}))
	require.NoError(t, m.buildShields([]int{2}))

	poolCPUs, err := readFile(filepath.Join(m.poolDir(), cpusFile))
	require.NoError(t, err)
	pool, err := parseCPUList(poolCPUs)
	require.NoError(t, err)

	shieldCPUs, err := readFile(filepath.Join(m.shieldDir(2), cpusFile))
	require.NoError(t, err)
	shield, err := parseCPUList(shieldCPUs)
	require.NoError(t, err)

	union := append(append([]int{}, pool...), shield...)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, union)
}

func TestTeardownIsUnconditionalAcrossFailures(t *testing.T) {
	m := newTestManager(t)

	calls := 0
	m.push("always fails", func() error { calls++; return assertError{} })
	m.push("always succeeds", func() error { calls++; return nil })

	report := m.Teardown()
	assert.Equal(t, 2, calls)
	assert.True(t, report.HasFailures())
	assert.Len(t, report.Failures, 1)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestMountStatusRecognisesCpusetMount(t *testing.T) {
	mounts := "cgroup /sys/fs/cgroup/cpuset cgroup rw,cpuset,noexec 0 0\n"

	mounted, isCpuset, err := mountStatusFromMounts(strings.NewReader(mounts), "/sys/fs/cgroup/cpuset")
	require.NoError(t, err)
	assert.True(t, mounted)
	assert.True(t, isCpuset)
}

func TestMountStatusRejectsNonCpusetMountAtSamePath(t *testing.T) {
	mounts := "tmpfs /sys/fs/cgroup/cpuset tmpfs rw 0 0\n"

	mounted, isCpuset, err := mountStatusFromMounts(strings.NewReader(mounts), "/sys/fs/cgroup/cpuset")
	require.NoError(t, err)
	assert.True(t, mounted)
	assert.False(t, isCpuset)
}

func TestMountStatusReportsUnmountedPath(t *testing.T) {
	mounts := "cgroup /sys/fs/cgroup/other cgroup rw,cpuset 0 0\n"

	mounted, _, err := mountStatusFromMounts(strings.NewReader(mounts), "/sys/fs/cgroup/cpuset")
	require.NoError(t, err)
	assert.False(t, mounted)
}

func TestRemoveShieldDirRejectsResidentTask(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, tasksFile), []byte("4242"), 0o644))

	err := removeShieldDir(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShieldBusy)
	assert.DirExists(t, dir)
}

func TestRemoveShieldDirSucceedsWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, tasksFile), []byte(""), 0o644))

	require.NoError(t, removeShieldDir(dir))
	assert.NoDirExists(t, dir)
}
