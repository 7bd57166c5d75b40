package config_test

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qemu-launcher/qemu-launcher/internal/config"
)

func decodeString(t *testing.T, doc string) (*config.Config, error) {
	t.Helper()

	dir := t.TempDir()
	path := dir + "/machine.yml"

	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	return config.Load(path)
}

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := decodeString(t, `
launcher:
  binary: /usr/bin/qemu-system-x86_64
qemu:
  - nographic
`)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/qemu-system-x86_64", cfg.Launcher.Binary)
	assert.False(t, cfg.Launcher.HasPinning())
	assert.False(t, cfg.Launcher.HasScheduling)
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	_, err := decodeString(t, `
launcher:
  binary: /usr/bin/qemu-system-x86_64
qemu: []
extra: true
`)
	require.Error(t, err)
}

func TestLoadRejectsUnknownLauncherKey(t *testing.T) {
	_, err := decodeString(t, `
launcher:
  binary: /usr/bin/qemu-system-x86_64
  bogus_field: 1
qemu: []
`)
	require.Error(t, err)
}

func TestLoadRejectsMissingBinary(t *testing.T) {
	_, err := decodeString(t, `
launcher: {}
qemu: []
`)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingBinary)
}

func TestLoadRejectsSchedulerWithoutPriority(t *testing.T) {
	_, err := decodeString(t, `
launcher:
  binary: /bin/true
  scheduler: fifo
qemu: []
`)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrSchedulerMismatch)
}

func TestLoadRejectsPriorityWithoutScheduler(t *testing.T) {
	_, err := decodeString(t, `
launcher:
  binary: /bin/true
  priority: 10
qemu: []
`)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrSchedulerMismatch)
}

func TestLoadRejectsDeadlineScheduler(t *testing.T) {
	_, err := decodeString(t, `
launcher:
  binary: /bin/true
  scheduler: deadline
  priority: 10
qemu: []
`)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrDeadlineRejected)
}

func TestLoadAcceptsFifoSchedulerWithPriority(t *testing.T) {
	cfg, err := decodeString(t, `
launcher:
  binary: /bin/true
  scheduler: fifo
  priority: 10
qemu: []
`)
	require.NoError(t, err)
	assert.True(t, cfg.Launcher.HasScheduling)
	assert.Equal(t, config.SchedulerFIFO, cfg.Launcher.Scheduler)
	assert.Equal(t, 10, cfg.Launcher.Priority)
}

// TestLoadRejectsDuplicatePinTarget exercises scenario S5: two vCPU threads
// pinned to the same host CPU must fail validation before the process is
// ever spawned.
func TestLoadRejectsDuplicatePinTarget(t *testing.T) {
	_, err := decodeString(t, `
launcher:
  binary: /bin/true
  vcpu_pinning:
    0:
      0:
        0: 2
        1: 2
qemu: []
`)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrDuplicatePin)
}

func TestLoadAcceptsDisjointPinning(t *testing.T) {
	cfg, err := decodeString(t, `
launcher:
  binary: /bin/true
  vcpu_pinning:
    0:
      0:
        0: 1
        1: 3
qemu: []
`)
	require.NoError(t, err)
	require.True(t, cfg.Launcher.HasPinning())

	entries := cfg.Launcher.VCPUPinning.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].HostID)
	assert.Equal(t, 3, entries[1].HostID)
}

func TestPinningMapEntriesAreOrderedBySocketCoreThread(t *testing.T) {
	pinning := config.PinningMap{
		1: {0: {0: 9}},
		0: {1: {0: 8, 1: 7}, 0: {0: 6}},
	}

	entries := pinning.Entries()
	require.Len(t, entries, 4)

	var got []int
	for _, e := range entries {
		got = append(got, e.HostID)
	}

	assert.Equal(t, []int{6, 8, 7, 9}, got)
}

func TestLoadPropagatesAmbientOptions(t *testing.T) {
	cfg, err := decodeString(t, `
launcher:
  binary: /bin/true
  clear_env: true
  env:
    FOO: bar
  debug: true
  rlimit_memlock: true
qemu: []
`)
	require.NoError(t, err)
	assert.True(t, cfg.Launcher.ClearEnv)
	assert.Equal(t, map[string]string{"FOO": "bar"}, cfg.Launcher.Env)
	assert.True(t, cfg.Launcher.Debug)
	assert.True(t, cfg.Launcher.RlimitMemlock)
}

func TestLoadMissingFileReturnsConfigError(t *testing.T) {
	_, err := config.Load("/nonexistent/path/does-not-exist.yml")
	require.Error(t, err)

	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.True(t, strings.Contains(cfgErr.Path, "nonexistent"))
}
