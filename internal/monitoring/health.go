package monitoring

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthSnapshot is the JSON body served by /health.
type HealthSnapshot struct {
	Status         string  `json:"status"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Connections    int64   `json:"connections"`
	Worlds         int     `json:"worlds"`
	Participants   int     `json:"participants"`
	DirtySections  int     `json:"dirty_sections"`
	Goroutines     int     `json:"goroutines"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryUsedPct  float64 `json:"memory_used_pct"`
	HeapAllocBytes uint64  `json:"heap_alloc_bytes"`
}

// CollectHealth fills in the system half of a health snapshot. CPU and
// memory come from gopsutil; failures there degrade to zero values
// rather than failing the health check.
func CollectHealth(startedAt time.Time) HealthSnapshot {
	snap := HealthSnapshot{
		Status:        "healthy",
		UptimeSeconds: time.Since(startedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryUsedPct = vm.UsedPercent
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.HeapAllocBytes = ms.HeapAlloc

	return snap
}
