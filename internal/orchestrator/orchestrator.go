// Package orchestrator sequences the configuration loader, argv
// synthesiser, process launcher, QMP client, cpuset manager and scheduling
// applier into one launcher run, and owns the rollback/cleanup contract
// across every exit path.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/qemu-launcher/qemu-launcher/internal/argv"
	"github.com/qemu-launcher/qemu-launcher/internal/config"
	"github.com/qemu-launcher/qemu-launcher/internal/cpuset"
	"github.com/qemu-launcher/qemu-launcher/internal/launch"
	"github.com/qemu-launcher/qemu-launcher/internal/qmp"
	"github.com/qemu-launcher/qemu-launcher/internal/sched"
)

// Options configures one launcher run.
type Options struct {
	ConfigPath string
	MountPath  string
	CpusetName string
	Logger     *slog.Logger

	// LevelVar, if set, backs Logger's handler and is raised to
	// slog.LevelDebug once LauncherConfig.Debug is known to be true. The
	// CLI's own -d/-v flags already pick an initial level before the
	// config file is even read; this only ever raises that level, never
	// lowers it.
	LevelVar *slog.LevelVar
}

// IO holds the streams the child process's non-QMP output is connected to.
type IO struct {
	Stderr io.Writer
}

// Run loads the configuration, spawns QEMU, negotiates QMP, builds the
// cpuset hierarchy and scheduling policy when pinning was requested, waits
// for the child, and unwinds all host-side state before returning.
//
// Ordering follows the dependency chain strictly: the cpuset hierarchy is
// built before any vCPU thread is pinned, and scheduling policy is applied
// only after pinning, so a policy change observes the intended cpuset. A
// config with no vcpu_pinning never queries the topology, never touches
// mount_path, and never applies a scheduling policy, even if a scheduler
// was configured: both C4 and C5 live entirely inside the pinning-requested
// path (spec's scenario S3).
func Run(ctx context.Context, opts Options) (int, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return 1, err
	}

	if opts.LevelVar != nil && cfg.Launcher.Debug {
		opts.LevelVar.Set(slog.LevelDebug)
	}

	fullArgv, err := argv.Synthesize(cfg.QemuNode, cfg.Launcher.HasPinning())
	if err != nil {
		return 1, err
	}

	fullArgv = append(fullArgv, "-qmp", "stdio")

	proc, err := launch.Spawn(ctx, launch.Spec{
		Binary:        cfg.Launcher.Binary,
		Argv:          fullArgv,
		ClearEnv:      cfg.Launcher.ClearEnv,
		Env:           cfg.Launcher.Env,
		User:          cfg.Launcher.User,
		Group:         cfg.Launcher.Group,
		RlimitMemlock: cfg.Launcher.RlimitMemlock,
	})
	if err != nil {
		return 2, err
	}

	stopForwarding := forwardSignals(ctx, proc)
	defer stopForwarding()

	conn, err := qmp.Dial(proc.QMPReader, proc.QMPWriter)
	if err != nil {
		_ = proc.Kill()

		return 2, err
	}

	var mgr *cpuset.Manager

	if cfg.Launcher.HasPinning() {
		topology, err := conn.QueryTopology()
		if err != nil {
			_ = proc.Kill()

			return 2, err
		}

		mgr, err = setUpCpuset(logger, opts, cfg, topology)
		if err != nil {
			_ = proc.Kill()

			return 2, err
		}

		if cfg.Launcher.HasScheduling {
			// Scheduling policy applies to every vCPU host thread QEMU
			// reports, not only the ones pinned to a shield.
			if err := applyScheduling(cfg, topology); err != nil {
				logRollback(logger, mgr.Teardown())

				_ = proc.Kill()

				return 2, err
			}
		}
	}

	code, waitErr := proc.Wait()

	if mgr != nil {
		logRollback(logger, mgr.Teardown())
	}

	if waitErr != nil {
		return 2, waitErr
	}

	return code, nil
}

// setUpCpuset resolves the requested pinning against the QMP topology and
// builds the cpuset hierarchy. Callers only reach this once vcpu_pinning is
// known to be non-empty; a config with no pinning never calls this at all,
// so mount_path stays untouched in that case.
func setUpCpuset(
	logger *slog.Logger,
	opts Options,
	cfg *config.Config,
	topology qmp.Topology,
) (*cpuset.Manager, error) {
	resolved, err := topology.ResolveHostThreads(cfg.Launcher.VCPUPinning)
	if err != nil {
		return nil, err
	}

	online, err := cpuset.OnlineCPUs()
	if err != nil {
		return nil, err
	}

	entries := cfg.Launcher.VCPUPinning.Entries()
	pinnedCPUs := distinctHostIDs(entries)

	mgr := cpuset.NewManager(opts.MountPath, opts.CpusetName, online, logger)

	if err := mgr.Setup(pinnedCPUs); err != nil {
		return nil, err
	}

	for _, entry := range entries {
		hostTID := resolved[entry.VCPU]
		if err := mgr.PinThread(entry.HostID, hostTID); err != nil {
			logRollback(logger, mgr.Teardown())

			return nil, err
		}
	}

	return mgr, nil
}

// applyScheduling sets policy+priority on every vCPU host thread. Each
// change is an independent syscall against its own thread id with no
// shared state between them, so they fan out concurrently via errgroup
// instead of one at a time. Every call runs to completion; the first
// failure is returned.
func applyScheduling(cfg *config.Config, topology qmp.Topology) error {
	policy, ok := sched.PolicyByName(cfg.Launcher.Scheduler)
	if !ok {
		return fmt.Errorf("orchestrator: unresolvable scheduler policy %q", cfg.Launcher.Scheduler)
	}

	var group errgroup.Group

	for _, hostTID := range topology {
		hostTID := hostTID

		group.Go(func() error {
			return sched.SetScheduler(hostTID, policy, cfg.Launcher.Priority)
		})
	}

	return group.Wait()
}

func distinctHostIDs(entries []config.PinnedVCPU) []int {
	seen := make(map[int]bool, len(entries))

	var ids []int

	for _, e := range entries {
		if !seen[e.HostID] {
			seen[e.HostID] = true

			ids = append(ids, e.HostID)
		}
	}

	return ids
}

// forwardSignals relays SIGINT/SIGTERM to the child: QEMU needs the actual
// signal delivered to its process, not just a cancelled context.
func forwardSignals(ctx context.Context, proc *launch.Process) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			if proc.Cmd.Process != nil {
				_ = proc.Cmd.Process.Signal(sig)
			}
		case <-ctx.Done():
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func logRollback(logger *slog.Logger, report *cpuset.RollbackReport) {
	if !report.HasFailures() {
		return
	}

	for _, err := range report.Failures {
		logger.Error("cpuset rollback degraded", "error", err)
	}
}
