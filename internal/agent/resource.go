package agent

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// ResourceUsage is one sample of the process's resource consumption.
type ResourceUsage struct {
	MemoryMB   float64 `json:"memory_mb"`
	CPUPercent float64 `json:"cpu_percent"`
}

// ResourceSampler provides current memory/CPU usage for the metrics loop.
type ResourceSampler interface {
	Sample() (ResourceUsage, error)
}

// ProcessSampler reads usage for the current process via gopsutil.
type ProcessSampler struct {
	proc *process.Process
}

// NewProcessSampler opens a handle on the running process.
func NewProcessSampler() (*ProcessSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open process: %w", err)
	}
	return &ProcessSampler{proc: p}, nil
}

// Sample returns resident memory in MB and CPU percentage.
func (s *ProcessSampler) Sample() (ResourceUsage, error) {
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, err := s.proc.CPUPercent()
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("cpu percent: %w", err)
	}
	return ResourceUsage{
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		CPUPercent: cpu,
	}, nil
}

// NopSampler always reports zero usage. Used in tests and when process
// sampling is unavailable.
type NopSampler struct{}

func (NopSampler) Sample() (ResourceUsage, error) { return ResourceUsage{}, nil }
