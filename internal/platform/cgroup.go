// Package platform detects container resource limits (cgroup memory,
// CPU core count) and derives worker-pool and connection-table sizes
// from them. The reactor does not call these sizing helpers; cmd/reactord
// uses only ProcessMemoryMB, for its startup log line.
package platform

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// MemoryLimitBytes returns the container memory limit in bytes, trying
// cgroup v2 first and falling back to cgroup v1. Returns 0 if no limit is
// detected (bare metal, VM, or an unconstrained container).
func MemoryLimitBytes() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		s := strings.TrimSpace(string(data))
		if s != "max" {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				return v
			}
		}
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		s := strings.TrimSpace(string(data))
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v
		}
	}
	return 0
}

// DefaultWorkerCount returns a sane worker-pool size when the operator
// hasn't pinned one explicitly: twice GOMAXPROCS, which is already
// cgroup-aware via automaxprocs having run in main().
func DefaultWorkerCount() int {
	n := runtime.GOMAXPROCS(0) * 2
	if n < 2 {
		n = 2
	}
	return n
}

// EstimateMaxConnections derives a safe connection-table size from the
// memory limit and a configured per-connection footprint (buffer size plus
// bookkeeping overhead), reserving headroom for the Go runtime itself.
func EstimateMaxConnections(memoryLimitBytes int64, perConnBytes int, configuredMax int) int {
	if memoryLimitBytes <= 0 || perConnBytes <= 0 {
		return configuredMax
	}
	const runtimeOverheadBytes = 128 * 1024 * 1024
	available := memoryLimitBytes - runtimeOverheadBytes
	if available <= 0 {
		return configuredMax
	}
	estimate := int(available / int64(perConnBytes))
	if estimate < configuredMax {
		return estimate
	}
	return configuredMax
}
