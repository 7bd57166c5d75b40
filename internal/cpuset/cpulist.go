package cpuset

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const onlineCPUsPath = "/sys/devices/system/cpu/online"

// OnlineCPUs reads the kernel's online-CPU range list.
func OnlineCPUs() ([]int, error) {
	raw, err := os.ReadFile(onlineCPUsPath)
	if err != nil {
		return nil, &Error{Op: "online-cpus", Err: err}
	}

	cpus, err := parseCPUList(string(raw))
	if err != nil {
		return nil, &Error{Op: "online-cpus", Err: err}
	}

	return cpus, nil
}

// parseCPUList parses a cgroup/cpumask-style list ("0-2,4,7-8") into a
// slice of individual CPU ids.
func parseCPUList(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var cpus []int

	for _, group := range strings.Split(spec, ",") {
		bounds := strings.SplitN(group, "-", 2)

		switch len(bounds) {
		case 1:
			n, err := strconv.Atoi(bounds[0])
			if err != nil {
				return nil, fmt.Errorf("malformed cpu list %q: %w", spec, err)
			}

			cpus = append(cpus, n)

		case 2:
			lo, err := strconv.Atoi(bounds[0])
			if err != nil {
				return nil, fmt.Errorf("malformed cpu list %q: %w", spec, err)
			}

			hi, err := strconv.Atoi(bounds[1])
			if err != nil {
				return nil, fmt.Errorf("malformed cpu list %q: %w", spec, err)
			}

			for n := lo; n <= hi; n++ {
				cpus = append(cpus, n)
			}
		}
	}

	return cpus, nil
}

// formatCPUList renders CPU ids as a comma-joined list, matching what the
// kernel accepts on writes to cpuset.cpus. Unlike /proc's own range-compressed
// output, this never emits "a-b" ranges: a flat comma join is simpler to
// reason about when individual CPUs are added and removed one at a time.
func formatCPUList(cpus []int) string {
	parts := make([]string, len(cpus))
	for i, c := range cpus {
		parts[i] = strconv.Itoa(c)
	}

	return strings.Join(parts, ",")
}

func setDifference(all, remove []int) []int {
	excluded := make(map[int]bool, len(remove))
	for _, c := range remove {
		excluded[c] = true
	}

	result := make([]int, 0, len(all))

	for _, c := range all {
		if !excluded[c] {
			result = append(result, c)
		}
	}

	return result
}
