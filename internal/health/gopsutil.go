package health

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSampler reads host CPU and memory usage through gopsutil.
type SystemSampler struct{}

func (SystemSampler) Sample(ctx context.Context) (Usage, error) {
	// interval 0 compares against the previous call instead of sleeping
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Usage{}, fmt.Errorf("cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("virtual memory: %w", err)
	}

	var u Usage
	if len(pct) > 0 {
		u.CPU = pct[0]
	}
	u.Memory = vm.UsedPercent
	return u, nil
}
