package agentpool

// RoleStats accumulates lookup outcomes for one role.
type RoleStats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	BuildErrors uint64 `json:"build_errors"`
}

// HitRate returns hits / (hits + misses), 0 when idle.
func (r *RoleStats) HitRate() float64 {
	total := r.Hits + r.Misses
	if total == 0 {
		return 0
	}
	return float64(r.Hits) / float64(total)
}

// Stats is the pool's cumulative accounting, collected only when stats
// are enabled in configuration.
type Stats struct {
	Hits        uint64                `json:"hits"`
	Misses      uint64                `json:"misses"`
	BuildErrors uint64                `json:"build_errors"`
	Evictions   uint64                `json:"evictions"`
	ByRole      map[string]*RoleStats `json:"by_role,omitempty"`
}

// StatsSnapshot is Stats plus point-in-time size, served by the system
// endpoint.
type StatsSnapshot struct {
	Stats
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	HitRate float64 `json:"hit_rate"`
}

// Snapshot copies the counters under the pool lock.
func (p *Pool) Snapshot() StatsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := StatsSnapshot{
		Stats: Stats{
			Hits:        p.counters.Hits,
			Misses:      p.counters.Misses,
			BuildErrors: p.counters.BuildErrors,
			Evictions:   p.counters.Evictions,
		},
		Size:    len(p.entries),
		MaxSize: p.maxSize,
	}
	if total := snap.Hits + snap.Misses; total > 0 {
		snap.HitRate = float64(snap.Hits) / float64(total)
	}
	if p.counters.ByRole != nil {
		snap.ByRole = make(map[string]*RoleStats, len(p.counters.ByRole))
		for role, rs := range p.counters.ByRole {
			copied := *rs
			snap.ByRole[role] = &copied
		}
	}
	return snap
}
