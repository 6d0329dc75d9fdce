package resource

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Usage is a host utilization sample in percent.
type Usage struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
}

// Sampler reports host utilization.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// HostSampler samples the local machine through gopsutil.
type HostSampler struct{}

// Sample reads CPU usage since the previous call and current memory usage.
func (HostSampler) Sample(ctx context.Context) (Usage, error) {
	cpus, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to sample memory: %w", err)
	}

	u := Usage{MemoryPercent: vm.UsedPercent}
	if len(cpus) > 0 {
		u.CPUPercent = cpus[0]
	}
	return u, nil
}
