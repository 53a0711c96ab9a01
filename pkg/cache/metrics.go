package cache

import "sync/atomic"

// entityCounters accumulates outcomes for one entity kind.
type entityCounters struct {
	hits          atomic.Uint64
	misses        atomic.Uint64
	errors        atomic.Uint64
	invalidations atomic.Uint64
}

type counterSet struct {
	byEntity map[string]*entityCounters
}

func newCounterSet() *counterSet {
	set := &counterSet{byEntity: make(map[string]*entityCounters)}
	for _, entity := range []string{
		EntityUser, EntityOrg, EntitySquad, EntityMembers, EntityTask, EntityExecution,
	} {
		set.byEntity[entity] = &entityCounters{}
	}
	return set
}

func (s *counterSet) hit(entity string)   { s.byEntity[entity].hits.Add(1) }
func (s *counterSet) miss(entity string)  { s.byEntity[entity].misses.Add(1) }
func (s *counterSet) backendError(entity string) {
	s.byEntity[entity].errors.Add(1)
}
func (s *counterSet) invalidation(entity string) {
	s.byEntity[entity].invalidations.Add(1)
}

// EntityMetrics is the per-entity snapshot served by the cache metrics
// endpoint.
type EntityMetrics struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Errors        uint64  `json:"errors"`
	Invalidations uint64  `json:"invalidations"`
	HitRate       float64 `json:"hit_rate"`
}

// Metrics returns a point-in-time snapshot of all entity counters.
func (c *Cache) Metrics() map[string]EntityMetrics {
	out := make(map[string]EntityMetrics, len(c.counters.byEntity))
	for entity, ctr := range c.counters.byEntity {
		m := EntityMetrics{
			Hits:          ctr.hits.Load(),
			Misses:        ctr.misses.Load(),
			Errors:        ctr.errors.Load(),
			Invalidations: ctr.invalidations.Load(),
		}
		if total := m.Hits + m.Misses; total > 0 {
			m.HitRate = float64(m.Hits) / float64(total)
		}
		out[entity] = m
	}
	return out
}
