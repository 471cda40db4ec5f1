package services

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"trustgate/internal/domain"
)

var _ domain.SystemInfoProvider = (*SystemInfo)(nil)

// SystemInfo reports a host snapshot. Snapshots are cached for ttl so a
// chatty plugin cannot turn system_info into a host probe.
type SystemInfo struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	cached   domain.SystemInfo
	cachedAt time.Time
}

// NewSystemInfo creates a provider caching for ttl. Zero means one second.
func NewSystemInfo(ttl time.Duration) *SystemInfo {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &SystemInfo{ttl: ttl, now: time.Now}
}

// SystemInfo implements domain.SystemInfoProvider.
func (s *SystemInfo) SystemInfo(ctx context.Context) (domain.SystemInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cachedAt.IsZero() && s.now().Sub(s.cachedAt) < s.ttl {
		return s.cached, nil
	}

	info := domain.SystemInfo{OS: runtime.GOOS, Arch: runtime.GOARCH}
	h, err := host.InfoWithContext(ctx)
	if err != nil {
		return domain.SystemInfo{}, fmt.Errorf("host info: %w", err)
	}
	info.Hostname = h.Hostname
	info.Uptime = h.Uptime

	if info.CPUCount, err = cpu.CountsWithContext(ctx, true); err != nil {
		info.CPUCount = runtime.NumCPU()
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		info.CPUPercent = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return domain.SystemInfo{}, fmt.Errorf("memory info: %w", err)
	}
	info.MemoryTotal = vm.Total
	info.MemoryAvailable = vm.Available

	s.cached, s.cachedAt = info, s.now()
	return info, nil
}
