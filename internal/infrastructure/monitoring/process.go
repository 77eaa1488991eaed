package monitoring

import (
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessSample is one reading of the host process's resource usage
type ProcessSample struct {
	PID        int
	RSSBytes   uint64
	CPUPercent float64
	Goroutines int
}

// ProcessSampler reads resource usage of the current process via gopsutil
type ProcessSampler struct {
	mu   sync.Mutex
	proc *process.Process
	pid  int
}

// NewProcessSampler creates a sampler for the current process. A sampler
// whose process handle cannot be opened still reports goroutines and PID.
func NewProcessSampler() *ProcessSampler {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		proc = nil
	}
	return &ProcessSampler{proc: proc, pid: pid}
}

// Sample reads the current usage
func (s *ProcessSampler) Sample() ProcessSample {
	sample := ProcessSample{
		PID:        s.pid,
		Goroutines: runtime.NumGoroutine(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil {
		return sample
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		sample.RSSBytes = mem.RSS
	}
	if cpu, err := s.proc.Percent(0); err == nil {
		sample.CPUPercent = cpu
	}
	return sample
}
