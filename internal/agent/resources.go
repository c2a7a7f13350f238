package agent

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/loykin/fleetr/internal/protocol"
)

// Sampler produces the resource snapshot carried by heartbeats.
type Sampler func(ctx context.Context) protocol.Resources

// SampleResources reads host CPU, memory and root-disk usage. Readings that
// fail are reported as zero rather than failing the heartbeat.
func SampleResources(ctx context.Context) protocol.Resources {
	r := protocol.Resources{SampledAt: time.Now().UTC()}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		r.CPU = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		r.Memory = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, rootPath()); err == nil {
		r.Disk = du.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		r.Load1 = avg.Load1
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		r.UptimeSec = up
	}
	return r
}

func rootPath() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}
