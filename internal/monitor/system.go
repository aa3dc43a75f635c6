package monitor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/loykin/botfleet/internal/metrics"
)

// SystemStats describes the host.
type SystemStats struct {
	CPUPercent       float64   `json:"cpu"`
	MemoryPercent    float64   `json:"memory"`
	TotalMemoryBytes uint64    `json:"totalMemoryBytes"`
	FreeMemoryBytes  uint64    `json:"freeMemoryBytes"`
	UptimeSeconds    uint64    `json:"uptime"`
	Timestamp        time.Time `json:"timestamp"`
}

// SystemSampler reads host resources.
type SystemSampler func(ctx context.Context) (SystemStats, error)

// HostSampler reads the local host with gopsutil. CPU is measured since the
// previous call.
func HostSampler(ctx context.Context) (SystemStats, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemStats{}, err
	}
	s := SystemStats{
		MemoryPercent:    vm.UsedPercent,
		TotalMemoryBytes: vm.Total,
		FreeMemoryBytes:  vm.Available,
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		s.UptimeSeconds = up
	}
	return s, nil
}

// PollSystem samples the host once.
func (m *Monitor) PollSystem(ctx context.Context) error {
	s, err := m.opts.Sampler(ctx)
	if err != nil {
		return err
	}
	s.Timestamp = m.now().UTC()
	m.mu.Lock()
	m.system = s
	m.mu.Unlock()
	metrics.SetSystem(s.CPUPercent, s.TotalMemoryBytes-s.FreeMemoryBytes, s.TotalMemoryBytes,
		time.Duration(s.UptimeSeconds)*time.Second)
	return nil
}

// System returns the latest host sample.
func (m *Monitor) System() SystemStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.system
}
