package platform

import (
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessMemoryMB returns the resident set size of the current process in
// megabytes, falling back to host-wide used memory if process introspection
// is unavailable (e.g. restricted container runtimes).
func ProcessMemoryMB() float64 {
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil {
			return float64(info.RSS) / 1024 / 1024
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		return float64(vmem.Used) / 1024 / 1024
	}
	return 0
}
