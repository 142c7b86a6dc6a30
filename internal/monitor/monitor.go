// Package monitor is the metrics provider: point-in-time snapshots of CPU,
// memory, and disk figures plus process listings, via gopsutil.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// MaxProcessLimit caps process listings to keep response frames bounded.
const MaxProcessLimit = 50

// ErrInvalidSort is returned for an unrecognized process sort key.
var ErrInvalidSort = errors.New("sort_by must be \"cpu\" or \"memory\"")

// Snapshot is one point-in-time read of system metrics. One snapshot is
// shared across all subscribers of a tick.
type Snapshot struct {
	Timestamp time.Time   `json:"timestamp"`
	CPU       CPUStats    `json:"cpu"`
	Memory    MemoryStats `json:"memory"`
	Disks     []DiskStats `json:"disk"`
	Host      HostInfo    `json:"system"`
	Uptime    float64     `json:"uptime"`
}

// CPUStats holds aggregate and per-core CPU usage.
type CPUStats struct {
	Percent       float64   `json:"percent"`
	CountLogical  int       `json:"count_logical"`
	CountPhysical int       `json:"count_physical"`
	PerCore       []float64 `json:"per_core"`
}

// MemoryStats holds virtual and swap memory usage.
type MemoryStats struct {
	Virtual VirtualMemory `json:"virtual"`
	Swap    SwapMemory    `json:"swap"`
}

// VirtualMemory mirrors the fields dashboards chart.
type VirtualMemory struct {
	Total     uint64  `json:"total"`
	Available uint64  `json:"available"`
	Used      uint64  `json:"used"`
	Percent   float64 `json:"percent"`
}

// SwapMemory holds swap usage.
type SwapMemory struct {
	Total   uint64  `json:"total"`
	Used    uint64  `json:"used"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

// DiskStats holds usage for one mounted partition.
type DiskStats struct {
	Device     string  `json:"device"`
	Mountpoint string  `json:"mountpoint"`
	Fstype     string  `json:"fstype"`
	Total      uint64  `json:"total"`
	Used       uint64  `json:"used"`
	Free       uint64  `json:"free"`
	Percent    float64 `json:"percent"`
}

// HostInfo holds static host identification.
type HostInfo struct {
	Hostname     string `json:"hostname"`
	Platform     string `json:"platform"`
	Architecture string `json:"architecture"`
}

// ProcessInfo is one row of a process listing.
type ProcessInfo struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float32 `json:"memory_percent"`
	Status        string  `json:"status"`
}

// Collector reads system metrics from the operating system.
type Collector struct {
	startTime time.Time
	logger    *zap.Logger
}

// NewCollector creates a collector. Uptime in snapshots is measured from
// this call.
func NewCollector(logger *zap.Logger) *Collector {
	return &Collector{
		startTime: time.Now(),
		logger:    logger,
	}
}

// Snapshot collects one reading of all system metrics. Individual probe
// failures degrade the snapshot rather than failing it; only a total CPU
// read failure is fatal since every consumer needs it.
func (c *Collector) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Timestamp: time.Now(),
		Uptime:    time.Since(c.startTime).Seconds(),
	}

	// CPU. Interval 0 reports usage since the previous call, which keeps
	// collection non-blocking within a tick.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("cpu percent: %w", err)
	}
	if len(percents) > 0 {
		snap.CPU.Percent = percents[0]
	}
	if perCore, err := cpu.PercentWithContext(ctx, 0, true); err == nil {
		snap.CPU.PerCore = perCore
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPU.CountLogical = n
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		snap.CPU.CountPhysical = n
	}

	// Memory.
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.Memory.Virtual = VirtualMemory{
			Total:     vm.Total,
			Available: vm.Available,
			Used:      vm.Used,
			Percent:   vm.UsedPercent,
		}
	} else {
		c.logger.Warn("virtual memory read failed", zap.Error(err))
	}
	if sm, err := mem.SwapMemoryWithContext(ctx); err == nil {
		snap.Memory.Swap = SwapMemory{
			Total:   sm.Total,
			Used:    sm.Used,
			Free:    sm.Free,
			Percent: sm.UsedPercent,
		}
	}

	// Disks. Unreadable partitions are skipped, not fatal.
	if partitions, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, p := range partitions {
			usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
			if err != nil {
				continue
			}
			snap.Disks = append(snap.Disks, DiskStats{
				Device:     p.Device,
				Mountpoint: p.Mountpoint,
				Fstype:     p.Fstype,
				Total:      usage.Total,
				Used:       usage.Used,
				Free:       usage.Free,
				Percent:    usage.UsedPercent,
			})
		}
	} else {
		c.logger.Warn("disk partitions read failed", zap.Error(err))
	}

	// Host.
	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Host = HostInfo{
			Hostname:     info.Hostname,
			Platform:     info.Platform,
			Architecture: info.KernelArch,
		}
	}

	return snap, nil
}

// Processes returns the top processes sorted by CPU or memory usage. The
// limit is clamped to MaxProcessLimit.
func (c *Collector) Processes(ctx context.Context, limit int, sortBy string) ([]ProcessInfo, error) {
	if sortBy != "cpu" && sortBy != "memory" {
		return nil, ErrInvalidSort
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > MaxProcessLimit {
		limit = MaxProcessLimit
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	rows := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		// Processes can vanish mid-iteration; skip anything unreadable.
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		row := ProcessInfo{PID: p.Pid, Name: name}
		if v, err := p.CPUPercentWithContext(ctx); err == nil {
			row.CPUPercent = v
		}
		if v, err := p.MemoryPercentWithContext(ctx); err == nil {
			row.MemoryPercent = v
		}
		if statuses, err := p.StatusWithContext(ctx); err == nil && len(statuses) > 0 {
			row.Status = statuses[0]
		}
		rows = append(rows, row)
	}

	sortProcesses(rows, sortBy)

	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// sortProcesses orders rows descending by the requested key.
func sortProcesses(rows []ProcessInfo, sortBy string) {
	switch sortBy {
	case "memory":
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].MemoryPercent > rows[j].MemoryPercent
		})
	default:
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].CPUPercent > rows[j].CPUPercent
		})
	}
}
