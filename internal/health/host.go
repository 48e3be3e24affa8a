package health

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/me/gpusched/pkg/model"
)

// HostSampler reads host CPU and memory usage. Informational only.
type HostSampler struct {
	mu   sync.RWMutex
	last model.HostStatus
}

// NewHostSampler creates an empty sampler.
func NewHostSampler() *HostSampler {
	return &HostSampler{}
}

// Sample reads current host usage and stores it.
func (h *HostSampler) Sample(ctx context.Context) model.HostStatus {
	st := model.HostStatus{ObservedAt: time.Now()}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		st.MemoryPercent = vm.UsedPercent
		st.MemoryTotalMB = vm.Total / (1024 * 1024)
	} else {
		st.Error = err.Error()
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		st.CPUPercent = pct[0]
	} else if err != nil && st.Error == "" {
		st.Error = err.Error()
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		st.Load1 = avg.Load1
	}

	h.mu.Lock()
	h.last = st
	h.mu.Unlock()
	return st
}

// Last returns the most recent sample.
func (h *HostSampler) Last() model.HostStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Run samples on a fixed interval until ctx is cancelled.
func (h *HostSampler) Run(ctx context.Context, interval time.Duration) {
	h.Sample(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sample(ctx)
		}
	}
}
