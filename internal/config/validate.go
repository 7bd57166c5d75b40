package config

import "fmt"

var validSchedulers = map[string]bool{
	SchedulerBatch:    true,
	SchedulerDeadline: true,
	SchedulerFIFO:     true,
	SchedulerIdle:     true,
	SchedulerOther:    true,
	SchedulerRR:       true,
}

func validateLauncher(raw rawLauncher) (LauncherConfig, error) {
	if raw.Binary == "" {
		return LauncherConfig{}, ErrMissingBinary
	}

	cfg := LauncherConfig{
		Binary:        raw.Binary,
		ClearEnv:      raw.ClearEnv,
		Env:           raw.Env,
		Debug:         raw.Debug,
		User:          raw.User,
		Group:         raw.Group,
		VCPUPinning:   PinningMap(raw.VCPUPinning),
		RlimitMemlock: raw.RlimitMemlock,
	}

	if err := validateScheduling(raw, &cfg); err != nil {
		return LauncherConfig{}, err
	}

	if err := validatePinning(cfg.VCPUPinning); err != nil {
		return LauncherConfig{}, err
	}

	return cfg, nil
}

func validateScheduling(raw rawLauncher, cfg *LauncherConfig) error {
	if raw.Scheduler == nil && raw.Priority == nil {
		return nil
	}

	if raw.Scheduler == nil || raw.Priority == nil {
		return ErrSchedulerMismatch
	}

	if !validSchedulers[*raw.Scheduler] {
		return fmt.Errorf("%w: %q", ErrInvalidScheduler, *raw.Scheduler)
	}

	if *raw.Scheduler == SchedulerDeadline {
		return ErrDeadlineRejected
	}

	cfg.Scheduler = *raw.Scheduler
	cfg.Priority = *raw.Priority
	cfg.HasScheduling = true

	return nil
}

func validatePinning(pinning PinningMap) error {
	seen := make(map[int]VCPU, len(pinning))

	for _, entry := range pinning.Entries() {
		if entry.HostID < 0 {
			return fmt.Errorf("%w: %d", ErrNegativeHostCPU, entry.HostID)
		}

		if prior, ok := seen[entry.HostID]; ok {
			return fmt.Errorf(
				"%w: host CPU %d claimed by socket %d/core %d/thread %d and socket %d/core %d/thread %d",
				ErrDuplicatePin, entry.HostID,
				prior.Socket, prior.Core, prior.Thread,
				entry.Socket, entry.Core, entry.Thread,
			)
		}

		seen[entry.HostID] = entry.VCPU
	}

	return nil
}
