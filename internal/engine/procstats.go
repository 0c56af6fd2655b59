package engine

import (
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessUsageStats describes resource usage of a transcoder process.
type ProcessUsageStats struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
}

// processUsage samples CPU and memory usage of a live process. Returns nil
// when the process cannot be inspected, which is expected around exit.
func processUsage(pid int32) *ProcessUsageStats {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}

	stats := &ProcessUsageStats{PID: pid}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryRSS = mem.RSS
	}
	return stats
}
