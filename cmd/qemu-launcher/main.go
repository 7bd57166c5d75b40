package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/qemu-launcher/qemu-launcher/internal/orchestrator"
)

const (
	defaultConfigDir    = "/usr/local/etc/qemu-launcher"
	defaultMountPath    = "/sys/fs/cgroup/cpuset"
	defaultCpusetPrefix = "qemu"
)

func run(args []string) (int, error) {
	flags, err := parseFlags(args)
	if err != nil {
		if err == errHelpRequested {
			return 0, nil
		}

		return 1, err
	}

	if err := validateMachineName(flags.machineName); err != nil {
		return 1, err
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelWarn)

	if flags.verbose {
		levelVar.Set(slog.LevelInfo)
	}

	if flags.debug {
		levelVar.Set(slog.LevelDebug)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	configDir := envOr("QEMU_LAUNCHER_CONFIG_DIR", defaultConfigDir)
	mountPath := envOr("QEMU_LAUNCHER_CPUSET_MOUNT_PATH", defaultMountPath)
	prefix := envOr("QEMU_LAUNCHER_CPUSET_PREFIX", defaultCpusetPrefix)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	code, err := orchestrator.Run(ctx, orchestrator.Options{
		ConfigPath: filepath.Join(configDir, flags.machineName+".yml"),
		MountPath:  mountPath,
		CpusetName: prefix,
		Logger:     logger,
		LevelVar:   levelVar,
	})
	if err != nil {
		return code, err
	}

	return code, nil
}

// validateMachineName rejects path components that would escape config_dir
// or otherwise confuse the filesystem, per the CLI collaborator's contract.
func validateMachineName(name string) error {
	if name == "" {
		return fmt.Errorf("machine name is required")
	}

	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, 0) {
		return fmt.Errorf("machine name %q must not contain '/' or a null byte", name)
	}

	return nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}

	return fallback
}

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "qemu-launcher: %v\n", err)
	}

	os.Exit(code)
}
