// Package cpuset builds and tears down a cgroup v1 cpuset hierarchy that
// partitions host logical CPUs into a shared pool and per-core shields, so
// that specific vCPU host threads can be isolated onto dedicated CPUs.
//
// Every mutation pushes an inverse [RollbackAction] onto the Manager's
// stack. Teardown pops and applies them in LIFO order, unconditionally:
// a failing action is recorded in the returned [RollbackReport] but never
// stops the rest of the unwind.
package cpuset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	cpusFile         = "cpuset.cpus"
	memsFile         = "cpuset.mems"
	exclusiveFile    = "cpuset.cpu_exclusive"
	tasksFile        = "tasks"
	poolDirName      = "pool"
	rootMountDefault = "/sys/fs/cgroup/cpuset"
)

// RollbackAction is one inverse step recorded during setup. Name exists
// purely for diagnostics and the debug rollback trace.
type RollbackAction struct {
	Name string
	Undo func() error
}

// Manager owns one cpuset hierarchy rooted at mountPath/prefix for the
// lifetime of a single launcher invocation.
type Manager struct {
	mountPath string
	prefix    string
	online    []int
	logger    *slog.Logger

	rollback []RollbackAction
}

// NewManager constructs a Manager. online is normally [OnlineCPUs]'s
// result; it is accepted as a parameter so tests can supply a fixed set.
func NewManager(mountPath, prefix string, online []int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{mountPath: mountPath, prefix: prefix, online: online, logger: logger}
}

func (m *Manager) prefixDir() string { return filepath.Join(m.mountPath, m.prefix) }
func (m *Manager) poolDir() string   { return filepath.Join(m.prefixDir(), poolDirName) }
func (m *Manager) shieldDir(host int) string {
	return filepath.Join(m.prefixDir(), strconv.Itoa(host))
}

func (m *Manager) push(name string, undo func() error) {
	m.logger.Debug("cpuset rollback action recorded", "action", name)
	m.rollback = append(m.rollback, RollbackAction{Name: name, Undo: undo})
}

// Setup builds the mount (if needed), the prefix cpuset, the pool cpuset
// (online CPUs minus pinnedCPUs, with all foreign tasks migrated in), and a
// shield for every host CPU in pinnedCPUs. On any failure it tears down
// whatever it had already built and returns the original error; the
// RollbackReport from that implicit teardown, if any action failed, is
// logged rather than returned, mirroring the fact that rollback errors
// never mask the primary error.
func (m *Manager) Setup(pinnedCPUs []int) error {
	if err := m.ensureMounted(); err != nil {
		m.unwind()

		return &Error{Op: "setup", Err: err}
	}

	if err := m.buildPrefix(); err != nil {
		m.unwind()

		return &Error{Op: "setup", Err: err}
	}

	if err := m.buildPool(pinnedCPUs); err != nil {
		m.unwind()

		return &Error{Op: "setup", Err: err}
	}

	if err := m.buildShields(pinnedCPUs); err != nil {
		m.unwind()

		return &Error{Op: "setup", Err: err}
	}

	return nil
}

func (m *Manager) unwind() {
	if report := m.Teardown(); report.HasFailures() {
		for _, err := range report.Failures {
			m.logger.Error("cpuset rollback action failed", "error", err)
		}
	}
}

// ensureMounted implements spec's §4.4.1: if mount_path is already a cpuset
// mount, it is used as-is without recording any rollback. Otherwise
// mount_path is created (rmdir on rollback, but only if this call is the one
// that created it) and a fresh cpuset mount is laid down there (umount on
// rollback). A mount_path that is already mounted, but as something other
// than a cgroup v1 cpuset, is a hard conflict rather than something to mount
// over, so that case returns ErrNotCgroupV1.
func (m *Manager) ensureMounted() error {
	mounted, isCpuset, err := mountStatus(m.mountPath)
	if err != nil {
		return err
	}

	if mounted {
		if !isCpuset {
			return &Error{Op: "ensure-mounted", Err: ErrNotCgroupV1}
		}

		return nil
	}

	existed := dirExists(m.mountPath)

	if err := os.MkdirAll(m.mountPath, 0o755); err != nil {
		return err
	}

	if !existed {
		mountPath := m.mountPath
		m.push("rmdir "+mountPath, func() error { return os.Remove(mountPath) })
	}

	if err := unix.Mount("cgroup", m.mountPath, "cgroup", 0, "cpuset"); err != nil {
		return &Error{Op: "mount", Err: err}
	}

	mountPath := m.mountPath
	m.push("unmount "+mountPath, func() error {
		return unix.Unmount(mountPath, 0)
	})

	return nil
}

// mountStatus checks /proc/mounts for an entry at path, reporting whether
// anything is mounted there at all and, if so, whether it is a cgroup v1
// mount with the cpuset option set, the same signal proc-mounts-style
// detection uses upstream.
func mountStatus(path string) (mounted bool, isCpuset bool, err error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false, false, err
	}
	defer f.Close()

	return mountStatusFromMounts(f, path)
}

func mountStatusFromMounts(r io.Reader, path string) (mounted bool, isCpuset bool, err error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}

		mountPoint, fsType, opts := fields[1], fields[2], fields[3]
		if mountPoint != path {
			continue
		}

		if fsType != "cgroup" {
			return true, false, nil
		}

		for _, opt := range strings.Split(opts, ",") {
			if opt == "cpuset" {
				return true, true, nil
			}
		}

		return true, false, nil
	}

	return false, false, scanner.Err()
}

func (m *Manager) buildPrefix() error {
	dir := m.prefixDir()

	existed := dirExists(dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Op: "build-prefix", Err: err}
	}

	if !existed {
		m.push("rmdir "+dir, func() error { return os.Remove(dir) })
	}

	if err := writeFile(filepath.Join(dir, exclusiveFile), "1"); err != nil {
		return &Error{Op: "build-prefix", Err: err}
	}

	if err := inheritIfEmpty(filepath.Join(dir, cpusFile), filepath.Join(m.mountPath, cpusFile)); err != nil {
		return &Error{Op: "build-prefix", Err: err}
	}

	if err := inheritIfEmpty(filepath.Join(dir, memsFile), filepath.Join(m.mountPath, memsFile)); err != nil {
		return &Error{Op: "build-prefix", Err: err}
	}

	return nil
}

func (m *Manager) buildPool(pinnedCPUs []int) error {
	dir := m.poolDir()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Op: "build-pool", Err: err}
	}

	m.push("rmdir "+dir, func() error { return os.Remove(dir) })

	if err := writeFile(filepath.Join(dir, exclusiveFile), "1"); err != nil {
		return &Error{Op: "build-pool", Err: err}
	}

	if err := inheritIfEmpty(filepath.Join(dir, memsFile), filepath.Join(m.prefixDir(), memsFile)); err != nil {
		return &Error{Op: "build-pool", Err: err}
	}

	poolCPUs := setDifference(m.online, pinnedCPUs)
	if err := writeFile(filepath.Join(dir, cpusFile), formatCPUList(poolCPUs)); err != nil {
		return &Error{Op: "build-pool", Err: err}
	}

	if err := m.migrateForeignTasks(); err != nil {
		return &Error{Op: "build-pool", Err: err}
	}

	return nil
}

// migrateForeignTasks moves every task found in the root cpuset's tasks
// file into the pool. EPERM/ESRCH on an individual TID is tolerated since
// some tasks are unmovable kernel threads or may have already exited; any
// other error aborts. The rollback re-migrates everything in pool back to
// root; cpuset v1's kernel-thread placement rules make an exact reversal
// unnecessary.
func (m *Manager) migrateForeignTasks() error {
	rootTasks, err := readLines(filepath.Join(m.mountPath, tasksFile))
	if err != nil {
		return err
	}

	poolTasks := filepath.Join(m.poolDir(), tasksFile)
	for _, tid := range rootTasks {
		if err := writeFile(poolTasks, tid); err != nil && !isTolerableTaskError(err) {
			return err
		}
	}

	poolDir := m.poolDir()
	mountPath := m.mountPath

	m.push("migrate pool tasks back to root", func() error {
		tasks, err := readLines(filepath.Join(poolDir, tasksFile))
		if err != nil {
			return err
		}

		rootTasksPath := filepath.Join(mountPath, tasksFile)

		var firstErr error

		for _, tid := range tasks {
			if err := writeFile(rootTasksPath, tid); err != nil && !isTolerableTaskError(err) && firstErr == nil {
				firstErr = err
			}
		}

		return firstErr
	})

	return nil
}

func (m *Manager) buildShields(pinnedCPUs []int) error {
	for _, host := range pinnedCPUs {
		if err := m.buildShield(host); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) buildShield(host int) error {
	dir := m.shieldDir(host)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Op: "build-shield", Err: err}
	}

	m.push("rmdir "+dir, func() error { return removeShieldDir(dir) })

	if err := m.removeFromPool(host); err != nil {
		return &Error{Op: "build-shield", Err: err}
	}

	if err := writeFile(filepath.Join(dir, cpusFile), strconv.Itoa(host)); err != nil {
		return &Error{Op: "build-shield", Err: err}
	}

	mems, err := readFile(filepath.Join(m.prefixDir(), memsFile))
	if err != nil {
		return &Error{Op: "build-shield", Err: err}
	}

	if err := writeFile(filepath.Join(dir, memsFile), mems); err != nil {
		return &Error{Op: "build-shield", Err: err}
	}

	return nil
}

// removeShieldDir refuses to remove a shield directory that still has a
// resident task: PinThread's own rollback is expected to have emptied it
// first, so a non-empty tasks file here means something else moved a task
// in after pinning, the same condition the original client's
// is_thread_free check guards against before it rmdirs a shield.
func removeShieldDir(dir string) error {
	tasks, err := readLines(filepath.Join(dir, tasksFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	if len(tasks) > 0 {
		return fmt.Errorf("%w: %s has %d resident task(s)", ErrShieldBusy, dir, len(tasks))
	}

	return os.Remove(dir)
}

func (m *Manager) removeFromPool(host int) error {
	poolCPUsPath := filepath.Join(m.poolDir(), cpusFile)

	current, err := readFile(poolCPUsPath)
	if err != nil {
		return err
	}

	cpus, err := parseCPUList(current)
	if err != nil {
		return err
	}

	if err := writeFile(poolCPUsPath, formatCPUList(setDifference(cpus, []int{host}))); err != nil {
		return err
	}

	m.push("restore cpu "+strconv.Itoa(host)+" to pool", func() error {
		current, err := readFile(poolCPUsPath)
		if err != nil {
			return err
		}

		cpus, err := parseCPUList(current)
		if err != nil {
			return err
		}

		return writeFile(poolCPUsPath, formatCPUList(append(cpus, host)))
	})

	return nil
}

// PinThread writes hostTID into the shield dedicated to hostCPU. Rollback
// writes the TID back into the pool's tasks file; the kernel removes it
// from the shield automatically once it is re-attached elsewhere.
func (m *Manager) PinThread(hostCPU, hostTID int) error {
	shieldTasks := filepath.Join(m.shieldDir(hostCPU), tasksFile)

	if err := writeFile(shieldTasks, strconv.Itoa(hostTID)); err != nil {
		return &Error{Op: "pin-thread", Err: err}
	}

	poolTasks := filepath.Join(m.poolDir(), tasksFile)
	tidStr := strconv.Itoa(hostTID)

	m.push("return tid "+tidStr+" to pool", func() error {
		return writeFile(poolTasks, tidStr)
	})

	return nil
}

// Teardown pops and applies every recorded RollbackAction in LIFO order.
// It never short-circuits: a failing action is recorded and the unwind
// continues, since leaving later actions unattempted would leak more host
// state than the failure already represents.
func (m *Manager) Teardown() *RollbackReport {
	report := &RollbackReport{}

	for i := len(m.rollback) - 1; i >= 0; i-- {
		action := m.rollback[i]
		if err := action.Undo(); err != nil {
			report.Failures = append(report.Failures, errors.New(action.Name+": "+err.Error()))
		}
	}

	m.rollback = nil

	return report
}

func dirExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.IsDir()
}

func inheritIfEmpty(path, parent string) error {
	current, err := readFile(path)
	if err != nil {
		return err
	}

	if current != "" {
		return nil
	}

	parentVal, err := readFile(parent)
	if err != nil {
		return err
	}

	return writeFile(path, parentVal)
}

func readFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(raw)), nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}

	return lines, scanner.Err()
}

func writeFile(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}

func isTolerableTaskError(err error) bool {
	return errors.Is(err, os.ErrPermission) || errors.Is(err, unix.ESRCH)
}
