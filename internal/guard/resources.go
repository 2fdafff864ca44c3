package guard

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Usage is one resource sample.
type Usage struct {
	CPUPercent   float64
	MemoryUsedMB float64
}

// ResourceSampler reports current host CPU and memory usage.
type ResourceSampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// SystemSampler samples the host with gopsutil.
type SystemSampler struct{}

// Sample returns CPU percent since the previous call and used memory
// (total minus available).
func (SystemSampler) Sample(ctx context.Context) (Usage, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Usage{}, fmt.Errorf("sample cpu: %w", err)
	}
	if len(percents) == 0 {
		return Usage{}, fmt.Errorf("sample cpu: no data")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("sample memory: %w", err)
	}
	used := float64(vm.Total-vm.Available) / (1024 * 1024)
	return Usage{CPUPercent: percents[0], MemoryUsedMB: used}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
