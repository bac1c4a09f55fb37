// Package hoststat reports on the machine cloudmetrics itself runs on.
// It backs the host section of /api/health and uses gopsutil so the same
// code works on Linux, macOS and Windows.
package hoststat

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is one reading of the host.
type Snapshot struct {
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemUsage    float64   `json:"memory_usage"`
	DiskUsage   float64   `json:"disk_usage"`
	UptimeSec   uint64    `json:"uptime_seconds"`
	Goroutines  int       `json:"goroutines"`
	CollectedAt time.Time `json:"collected_at"`
}

// Collect reads the host. Individual probes that fail leave their field at
// zero; Collect only errors when ctx is done.
func Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		OS:          detailedOS(ctx),
		Goroutines:  runtime.NumGoroutine(),
		CollectedAt: time.Now().UTC(),
	}

	if h, err := os.Hostname(); err == nil {
		snap.Hostname = h
	}

	// zero interval compares against the previous call instead of sleeping
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		snap.CPUUsage = pcts[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemUsage = vm.UsedPercent
	}

	snap.DiskUsage = maxDiskUsage(ctx)

	if up, err := host.UptimeWithContext(ctx); err == nil {
		snap.UptimeSec = up
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return snap, nil
}

// detailedOS returns e.g. "ubuntu 22.04", or runtime.GOOS when unknown.
func detailedOS(ctx context.Context) string {
	info, err := host.InfoWithContext(ctx)
	if err == nil && info.Platform != "" {
		if info.PlatformVersion != "" {
			return fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
		}
		return info.Platform
	}
	return runtime.GOOS
}

// maxDiskUsage returns the used percentage of the fullest partition.
func maxDiskUsage(ctx context.Context) float64 {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return 0
	}
	var max float64
	for _, p := range partitions {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		if usage.UsedPercent > max {
			max = usage.UsedPercent
		}
	}
	return max
}
