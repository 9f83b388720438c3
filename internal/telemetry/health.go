package telemetry

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Health is a point-in-time process/host health reading, served by the ops
// surface's /healthz endpoint alongside each component's own liveness.
type Health struct {
	UptimeSeconds  float64
	CPUPercent     float64
	MemUsedPercent float64
	Components     map[string]bool
}

// HealthSampler samples host resource usage via gopsutil, giving the ops
// surface a real signal beyond "process is still scheduled".
type HealthSampler struct {
	startedAt time.Time
}

// NewHealthSampler returns a sampler whose uptime clock starts now.
func NewHealthSampler() *HealthSampler {
	return &HealthSampler{startedAt: time.Now()}
}

// Sample reads current CPU/memory usage. A short per-call context bounds
// how long a slow /proc read can stall the health endpoint.
func (h *HealthSampler) Sample(ctx context.Context, components map[string]bool) (Health, error) {
	sampleCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	cpuPercents, err := cpu.PercentWithContext(sampleCtx, 0, false)
	if err != nil {
		return Health{}, err
	}
	cpuPct := 0.0
	if len(cpuPercents) > 0 {
		cpuPct = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(sampleCtx)
	if err != nil {
		return Health{}, err
	}

	return Health{
		UptimeSeconds:  time.Since(h.startedAt).Seconds(),
		CPUPercent:     cpuPct,
		MemUsedPercent: vm.UsedPercent,
		Components:     components,
	}, nil
}
