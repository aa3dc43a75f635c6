package process

import (
	"errors"
	"sync"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrNotRunning is returned by Usage when no process is alive.
var ErrNotRunning = errors.New("process not running")

// Usage is a resource sample for one process.
type Usage struct {
	MemoryRSS  uint64  `json:"memory_rss"`
	CPUPercent float64 `json:"cpu_percent"`
}

// sampler keeps one gopsutil handle per pid so CPU percent is computed
// between consecutive samples instead of over the whole lifetime.
type sampler struct {
	mu    sync.Mutex
	pid   int32
	proc  *gopsproc.Process
	first bool
}

func newSampler(pid int) *sampler { return &sampler{pid: int32(pid), first: true} }

func (s *sampler) sample() (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		p, err := gopsproc.NewProcess(s.pid)
		if err != nil {
			return Usage{}, err
		}
		s.proc = p
	}
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return Usage{}, err
	}
	var cpu float64
	if s.first {
		// no previous sample yet; lifetime average
		cpu, err = s.proc.CPUPercent()
		s.first = false
		_, _ = s.proc.Percent(0)
	} else {
		cpu, err = s.proc.Percent(0)
	}
	if err != nil {
		cpu = 0
	}
	return Usage{MemoryRSS: mem.RSS, CPUPercent: cpu}, nil
}
