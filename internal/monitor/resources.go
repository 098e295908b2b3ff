package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/arcp-dev/arcp/pkg/models"
)

// DefaultResourceCacheTTL keeps concurrent dashboard ticks from probing
// the OS more than once a second.
const DefaultResourceCacheTTL = time.Second

// Resources samples OS utilization. Probes are best effort: a failing
// probe leaves its fields zero rather than failing the snapshot.
// Network counters are reported as deltas between snapshots.
type Resources struct {
	ttl time.Duration

	mu       sync.Mutex
	last     models.ResourceUtilization
	at       time.Time
	prevSent uint64
	prevRecv uint64
	haveNet  bool
}

func NewResources(ttl time.Duration) *Resources {
	if ttl <= 0 {
		ttl = DefaultResourceCacheTTL
	}
	return &Resources{ttl: ttl}
}

// Snapshot returns the current utilization, served from cache when the
// previous probe is fresh enough.
func (r *Resources) Snapshot(ctx context.Context) models.ResourceUtilization {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.at.IsZero() && time.Since(r.at) < r.ttl {
		return r.last
	}

	var util models.ResourceUtilization
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		util.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		util.MemoryPercent = vm.UsedPercent
		util.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		util.DiskPercent = du.UsedPercent
	}
	if counters, err := gopsnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		sent, recv := counters[0].BytesSent, counters[0].BytesRecv
		if r.haveNet {
			util.NetworkSentKB = float64(sent-r.prevSent) / 1024
			util.NetworkRecvKB = float64(recv-r.prevRecv) / 1024
		}
		r.prevSent, r.prevRecv, r.haveNet = sent, recv, true
	}

	r.last = util
	r.at = time.Now()
	return util
}
