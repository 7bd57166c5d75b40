// Package config loads and validates the two-key YAML surface schema
// (`launcher`, `qemu`) described in the qemu-launcher configuration format.
package config

import "gopkg.in/yaml.v3"

// Scheduler policies accepted by the `launcher.scheduler` key.
const (
	SchedulerBatch    = "batch"
	SchedulerDeadline = "deadline"
	SchedulerFIFO     = "fifo"
	SchedulerIdle     = "idle"
	SchedulerOther    = "other"
	SchedulerRR       = "rr"
)

// PinningMap is the 3-level socket -> core -> thread -> host CPU id mapping
// from the `launcher.vcpu_pinning` key. A nil map means pinning was not
// requested at all.
type PinningMap map[int]map[int]map[int]int

// VCPU identifies one guest-visible logical processor by its QMP
// (socket, core, thread) coordinates.
type VCPU struct {
	Socket int
	Core   int
	Thread int
}

// Entries flattens the PinningMap into a slice of (VCPU, host CPU id) pairs,
// iterated in deterministic ascending (socket, core, thread) order.
func (p PinningMap) Entries() []PinnedVCPU {
	sockets := sortedKeys(p)

	entries := make([]PinnedVCPU, 0, len(p))

	for _, s := range sockets {
		cores := sortedKeys(p[s])
		for _, c := range cores {
			threads := sortedKeys(p[s][c])
			for _, t := range threads {
				entries = append(entries, PinnedVCPU{
					VCPU:   VCPU{Socket: s, Core: c, Thread: t},
					HostID: p[s][c][t],
				})
			}
		}
	}

	return entries
}

// PinnedVCPU pairs a guest vCPU coordinate with the host CPU it is pinned to.
type PinnedVCPU struct {
	VCPU
	HostID int
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	// Simple insertion sort: pinning maps are small (a handful of vCPUs).
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}

	return keys
}

// LauncherConfig is the validated `launcher` section.
type LauncherConfig struct {
	Binary        string
	ClearEnv      bool
	Env           map[string]string
	Debug         bool
	User          *int
	Group         *int
	Scheduler     string
	Priority      int
	HasScheduling bool
	VCPUPinning   PinningMap
	RlimitMemlock bool
}

// HasPinning reports whether any vCPU pinning was requested (spec.md
// §4.4.7's short-circuit condition).
func (c *LauncherConfig) HasPinning() bool {
	return len(c.VCPUPinning) > 0
}

// Config is the fully parsed and validated configuration file.
type Config struct {
	Launcher LauncherConfig
	QemuNode *yaml.Node
}
