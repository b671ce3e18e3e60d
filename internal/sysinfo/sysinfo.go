package sysinfo

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time view of host resources. The UI uses it to warn
// before loading a multi-gigabyte model.
type Snapshot struct {
	GoVersion    string  `json:"go_version"`
	NumCPU       int     `json:"num_cpu"`
	CPUPercent   float64 `json:"cpu_percent"`
	MemTotal     uint64  `json:"mem_total"`
	MemAvailable uint64  `json:"mem_available"`
	ProcAlloc    uint64  `json:"proc_alloc"`
}

// Collect gathers a snapshot. Host probes are best-effort; fields stay zero
// when a probe fails.
func Collect() Snapshot {
	snap := Snapshot{
		GoVersion: runtime.Version(),
		NumCPU:    runtime.NumCPU(),
	}
	// Interval zero compares against the previous call instead of blocking.
	if usage, err := cpu.Percent(0, false); err == nil && len(usage) > 0 {
		snap.CPUPercent = usage[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemTotal = vm.Total
		snap.MemAvailable = vm.Available
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.ProcAlloc = ms.Alloc
	return snap
}
