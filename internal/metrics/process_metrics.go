package metrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSample is a point-in-time CPU and memory reading for one worker.
type ProcessSample struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	NumThreads int32   `json:"num_threads"`
}

// SampleProcess reads CPU and memory usage of pid. CPU percent is averaged
// over the process lifetime, which avoids blocking for a sampling interval.
func SampleProcess(ctx context.Context, pid int) (ProcessSample, error) {
	if pid <= 0 {
		return ProcessSample{}, fmt.Errorf("invalid pid %d", pid)
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessSample{}, err
	}
	var s ProcessSample
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		s.MemoryMB = float64(mem.RSS) / 1024 / 1024
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = n
	}
	return s, nil
}
