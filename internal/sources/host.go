package sources

import (
	"context"
	"fmt"
	"os"
	"time"

	pollerrors "github.com/Strix89/PMI-DashboardEPS-sub000/internal/errors"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/models"
	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	goload "github.com/shirou/gopsutil/v4/load"
	gomem "github.com/shirou/gopsutil/v4/mem"
)

// System call wrappers for testing
var (
	cpuPercent    = gocpu.PercentWithContext
	virtualMemory = gomem.VirtualMemoryWithContext
	diskUsage     = godisk.UsageWithContext
	loadAvg       = goload.AvgWithContext
	hostUptime    = gohost.UptimeWithContext
	osHostname    = os.Hostname
)

// cpuSampleWindow is how long the CPU usage sample integrates over. Kept
// well under the fetch timeout; the rest of the collection is
// near-instant.
const cpuSampleWindow = time.Second

// HostSource samples the machine the dashboard itself runs on.
type HostSource struct {
	id       string
	hostname string
	mount    string
}

// NewHostSource builds the local host source. Disk usage is sampled at
// the root mount.
func NewHostSource() *HostSource {
	name, err := osHostname()
	if err != nil || name == "" {
		name = "localhost"
	}
	return &HostSource{
		id:       "host-" + name,
		hostname: name,
		mount:    "/",
	}
}

// Fetch collects one utilisation sample. Memory stats are required;
// everything else is best effort so a missing /proc entry on an exotic
// platform degrades a field instead of failing the poll.
func (s *HostSource) Fetch(ctx context.Context) ([]models.Entity, error) {
	stats := models.HostStats{
		ID:       s.id,
		Hostname: s.hostname,
	}

	memStats, err := virtualMemory(ctx)
	if err != nil {
		return nil, pollerrors.Classify("collect_host", s.hostname, fmt.Errorf("memory stats: %w", err))
	}
	stats.Memory = models.Memory{
		Total: int64(memStats.Total),
		Used:  int64(memStats.Used),
		Usage: memStats.UsedPercent,
	}

	if percentages, err := cpuPercent(ctx, cpuSampleWindow, false); err == nil && len(percentages) > 0 {
		stats.CPU = clampPercent(percentages[0])
	}
	if usage, err := diskUsage(ctx, s.mount); err == nil && usage != nil {
		stats.Disk = models.Disk{
			Total: int64(usage.Total),
			Used:  int64(usage.Used),
			Usage: usage.UsedPercent,
		}
	}
	if avg, err := loadAvg(ctx); err == nil && avg != nil {
		stats.Load = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	if uptime, err := hostUptime(ctx); err == nil {
		stats.Uptime = int64(uptime)
	}

	return []models.Entity{stats}, nil
}
