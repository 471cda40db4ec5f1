package sandbox

import (
	"fmt"
	"sync"
	"time"

	"trustgate/internal/domain"
	"trustgate/internal/shard"
)

type quotaEntry struct {
	limits    domain.ResourceQuota
	hasLimits bool
	usage     domain.ResourceUsage
}

// QuotaManager tracks per-plugin usage against its ResourceQuota. Every
// check-then-update runs inside one stripe critical section.
type QuotaManager struct {
	defaults domain.ResourceQuota
	entries  *shard.Map[quotaEntry]
	now      func() time.Time
}

// NewQuotaManager creates a manager. Plugins without explicit limits get
// defaults.
func NewQuotaManager(defaults domain.ResourceQuota) *QuotaManager {
	return &QuotaManager{
		defaults: defaults.Clamp(domain.DefaultResourceQuota(), domain.ResourceQuota{}),
		entries:  shard.New[quotaEntry](),
		now:      time.Now,
	}
}

// update loads the entry for id, lazily creating usage, and runs fn on it.
func (m *QuotaManager) update(id string, fn func(e *quotaEntry) error) error {
	return m.entries.Update(id, func(e *quotaEntry, ok bool) error {
		if !ok {
			e.usage.WindowStart = m.now()
		}
		if !e.hasLimits {
			e.limits = m.defaults
		}
		m.rollWindow(e)
		return fn(e)
	})
}

func (m *QuotaManager) rollWindow(e *quotaEntry) {
	window := e.limits.NetworkWindow
	if window <= 0 {
		window = domain.DefaultNetworkWindow
	}
	if now := m.now(); now.Sub(e.usage.WindowStart) > window {
		e.usage.NetworkRequests = 0
		e.usage.WindowStart = now
	}
}

// SetLimits installs limits for id. Zero fields take the manager defaults.
func (m *QuotaManager) SetLimits(id string, limits domain.ResourceQuota) {
	limits = limits.Clamp(m.defaults, domain.ResourceQuota{})
	_ = m.update(id, func(e *quotaEntry) error {
		e.limits = limits
		e.hasLimits = true
		return nil
	})
}

// Limits returns the limits in force for id.
func (m *QuotaManager) Limits(id string) domain.ResourceQuota {
	if e, ok := m.entries.Get(id); ok && e.hasLimits {
		return e.limits
	}
	return m.defaults
}

// Usage returns the current usage for id.
func (m *QuotaManager) Usage(id string) (domain.ResourceUsage, bool) {
	e, ok := m.entries.Get(id)
	return e.usage, ok
}

// CheckAndEnforce fails when any recorded usage is over its ceiling or the
// network window is exhausted.
func (m *QuotaManager) CheckAndEnforce(id string) error {
	return m.update(id, func(e *quotaEntry) error {
		u, l := e.usage, e.limits
		switch {
		case u.MemoryUsed > l.MemoryLimit:
			return limitError(id, "QuotaManager.CheckAndEnforce", domain.ErrMemoryLimitExceeded, float64(u.MemoryUsed), float64(l.MemoryLimit), "bytes")
		case u.CPUUsage > l.CPULimit:
			return limitError(id, "QuotaManager.CheckAndEnforce", domain.ErrCPUThrottling, u.CPUUsage, l.CPULimit, "%")
		case u.StorageUsed > l.StorageLimit:
			return limitError(id, "QuotaManager.CheckAndEnforce", domain.ErrStorageQuotaExceeded, float64(u.StorageUsed), float64(l.StorageLimit), "bytes")
		case u.NetworkRequests >= l.NetworkLimit:
			return limitError(id, "QuotaManager.CheckAndEnforce", domain.ErrNetworkQuotaExceeded, float64(u.NetworkRequests), float64(l.NetworkLimit), "requests")
		case l.MaxExecutionTime > 0 && u.ExecutionTime > l.MaxExecutionTime:
			return domain.NewPluginError(id, "QuotaManager.CheckAndEnforce", domain.ErrExecutionTimeout,
				fmt.Sprintf("last execution took %s, limit %s", u.ExecutionTime, l.MaxExecutionTime))
		}
		return nil
	})
}

// Reserve atomically adds amount to the usage of resource if the result stays
// within the limit. CPU amounts are whole percentage points.
func (m *QuotaManager) Reserve(id string, resource domain.Resource, amount uint64) error {
	const op = "QuotaManager.Reserve"
	return m.update(id, func(e *quotaEntry) error {
		u, l := &e.usage, e.limits
		switch resource {
		case domain.ResourceMemory:
			if u.MemoryUsed+amount > l.MemoryLimit {
				return limitError(id, op, domain.ErrMemoryLimitExceeded, float64(u.MemoryUsed+amount), float64(l.MemoryLimit), "bytes")
			}
			u.MemoryUsed += amount
		case domain.ResourceStorage:
			if u.StorageUsed+amount > l.StorageLimit {
				return limitError(id, op, domain.ErrStorageQuotaExceeded, float64(u.StorageUsed+amount), float64(l.StorageLimit), "bytes")
			}
			u.StorageUsed += amount
		case domain.ResourceCPU:
			if next := u.CPUUsage + float64(amount); next > l.CPULimit {
				return limitError(id, op, domain.ErrCPUThrottling, next, l.CPULimit, "%")
			}
			u.CPUUsage += float64(amount)
		case domain.ResourceNetwork:
			if uint64(u.NetworkRequests)+amount > uint64(l.NetworkLimit) {
				return limitError(id, op, domain.ErrNetworkQuotaExceeded, float64(uint64(u.NetworkRequests)+amount), float64(l.NetworkLimit), "requests")
			}
			u.NetworkRequests += uint32(amount)
		default:
			return domain.NewPluginError(id, op, domain.ErrInvalidInput, fmt.Sprintf("unknown resource %q", resource))
		}
		return nil
	})
}

// Release returns amount of resource, saturating at zero.
func (m *QuotaManager) Release(id string, resource domain.Resource, amount uint64) {
	_ = m.update(id, func(e *quotaEntry) error {
		u := &e.usage
		switch resource {
		case domain.ResourceMemory:
			u.MemoryUsed = subSat(u.MemoryUsed, amount)
		case domain.ResourceStorage:
			u.StorageUsed = subSat(u.StorageUsed, amount)
		case domain.ResourceCPU:
			u.CPUUsage = max(0, u.CPUUsage-float64(amount))
		case domain.ResourceNetwork:
			u.NetworkRequests = uint32(subSat(uint64(u.NetworkRequests), amount))
		}
		return nil
	})
}

// ReleaseAll returns everything held by r and empties it.
func (m *QuotaManager) ReleaseAll(id string, r *Reservation) {
	for res, amount := range r.drain() {
		m.Release(id, res, amount)
	}
}

// RegisterNetworkRequest counts one outbound request in the current window.
func (m *QuotaManager) RegisterNetworkRequest(id string) error {
	return m.Reserve(id, domain.ResourceNetwork, 1)
}

// UpdateMemory records the current memory footprint.
func (m *QuotaManager) UpdateMemory(id string, bytes uint64) {
	_ = m.update(id, func(e *quotaEntry) error { e.usage.MemoryUsed = bytes; return nil })
}

// UpdateCPU records the current CPU usage in percent.
func (m *QuotaManager) UpdateCPU(id string, percent float64) {
	_ = m.update(id, func(e *quotaEntry) error { e.usage.CPUUsage = percent; return nil })
}

// UpdateStorage records the current storage footprint.
func (m *QuotaManager) UpdateStorage(id string, bytes uint64) {
	_ = m.update(id, func(e *quotaEntry) error { e.usage.StorageUsed = bytes; return nil })
}

// UpdateExecutionTime records the duration of the most recent execution.
func (m *QuotaManager) UpdateExecutionTime(id string, d time.Duration) {
	_ = m.update(id, func(e *quotaEntry) error { e.usage.ExecutionTime = d; return nil })
}

// ResetUsage zeroes usage for id and keeps its limits.
func (m *QuotaManager) ResetUsage(id string) {
	_ = m.update(id, func(e *quotaEntry) error {
		e.usage = domain.ResourceUsage{WindowStart: m.now()}
		return nil
	})
}

// Remove forgets id entirely.
func (m *QuotaManager) Remove(id string) {
	m.entries.Delete(id)
}

func limitError(id, op string, kind error, used, limit float64, unit string) error {
	return domain.NewPluginError(id, op, &domain.LimitError{Kind: kind, Used: used, Limit: limit, Unit: unit}, "")
}

func subSat(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Reservation records transient holds taken for one operation so they can be
// returned together, whether the operation finished, failed or was cancelled.
type Reservation struct {
	mu   sync.Mutex
	held map[domain.Resource]uint64
}

// NewReservation creates an empty reservation.
func NewReservation() *Reservation {
	return &Reservation{held: make(map[domain.Resource]uint64)}
}

// Take reserves amount through m and records it on success.
func (r *Reservation) Take(m *QuotaManager, id string, resource domain.Resource, amount uint64) error {
	if err := m.Reserve(id, resource, amount); err != nil {
		return err
	}
	r.mu.Lock()
	r.held[resource] += amount
	r.mu.Unlock()
	return nil
}

// Held returns the amount currently held for resource.
func (r *Reservation) Held(resource domain.Resource) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held[resource]
}

func (r *Reservation) drain() map[domain.Resource]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.held
	r.held = make(map[domain.Resource]uint64)
	return out
}
