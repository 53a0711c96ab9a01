// Package agentpool bounds and reuses constructed agents. Keys are
// (squad, role): executions of the same squad share agent instances
// instead of paying construction cost per step.
package agentpool

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/codeready-toolchain/squadron/pkg/agent"
	"github.com/codeready-toolchain/squadron/pkg/metrics"
)

// Builder constructs the agent for a pool key on a miss. The pool
// guarantees at most one concurrent build per key.
type Builder func(ctx context.Context, squadID, role string) (agent.Agent, error)

type entry struct {
	key     string
	squadID string
	role    string
	agent   agent.Agent
	inUse   bool
	uses    uint64
}

// Pool is a bounded FIFO agent pool. When full, the oldest idle entry is
// evicted to make room. Entries currently processing a step are never
// evicted; if every entry is busy the new agent is built unpooled and
// discarded after release, so the pool never exceeds its bound.
type Pool struct {
	mu      sync.Mutex
	maxSize int
	stats   bool
	builder Builder

	entries map[string]*entry
	order   *list.List // *entry in insertion order, oldest at front
	builds  map[string]*sync.Mutex

	counters Stats
}

// New creates a pool. maxSize must be positive (validated by config).
func New(maxSize int, enableStats bool, builder Builder) *Pool {
	return &Pool{
		maxSize: maxSize,
		stats:   enableStats,
		builder: builder,
		entries: make(map[string]*entry),
		order:   list.New(),
		builds:  make(map[string]*sync.Mutex),
	}
}

func poolKey(squadID, role string) string {
	return squadID + "/" + role
}

// Lease is a checked-out agent. Release must be called exactly once.
type Lease struct {
	Agent agent.Agent

	pool    *Pool
	key     string
	pooled  bool
	release sync.Once
}

// Release returns the agent to the pool.
func (l *Lease) Release() {
	l.release.Do(func() {
		if l.pooled {
			l.pool.releaseEntry(l.key)
		}
	})
}

// Acquire returns an agent for (squadID, role), building one on a miss.
// The returned lease grants exclusive use until Release.
func (p *Pool) Acquire(ctx context.Context, squadID, role string) (*Lease, error) {
	key := poolKey(squadID, role)

	if lease := p.tryHit(key); lease != nil {
		return lease, nil
	}

	// One concurrent construction per key. A parallel caller for the same
	// key waits here, then usually finds the freshly pooled entry.
	buildMu := p.buildLock(key)
	buildMu.Lock()
	defer buildMu.Unlock()

	if lease := p.tryHit(key); lease != nil {
		return lease, nil
	}

	a, err := p.builder(ctx, squadID, role)
	if err != nil {
		p.countLookup(role, "error")
		return nil, fmt.Errorf("failed to build agent %s: %w", key, err)
	}
	p.countLookup(role, "miss")

	return p.admit(key, squadID, role, a), nil
}

// tryHit checks the pool for an idle instance of key.
func (p *Pool) tryHit(key string) *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok || e.inUse {
		return nil
	}
	e.inUse = true
	e.uses++
	p.countLookupLocked(e.role, "hit")
	return &Lease{Agent: e.agent, pool: p, key: key, pooled: true}
}

// admit pools the freshly built agent if room can be made, otherwise
// hands it out unpooled.
func (p *Pool) admit(key, squadID, role string, a agent.Agent) *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A busy instance may already hold the slot (same squad and role
	// running concurrently). Hand this one out unpooled.
	if _, exists := p.entries[key]; exists {
		return &Lease{Agent: a, pool: p, key: key, pooled: false}
	}

	if len(p.entries) >= p.maxSize && !p.evictOldestIdleLocked() {
		// Everything pooled is mid-step. Do not exceed the bound.
		return &Lease{Agent: a, pool: p, key: key, pooled: false}
	}

	e := &entry{key: key, squadID: squadID, role: role, agent: a, inUse: true, uses: 1}
	p.entries[key] = e
	p.order.PushBack(e)
	metrics.AgentPoolSize.Set(float64(len(p.entries)))
	return &Lease{Agent: a, pool: p, key: key, pooled: true}
}

// evictOldestIdleLocked removes the oldest entry not currently in use.
func (p *Pool) evictOldestIdleLocked() bool {
	for el := p.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.inUse {
			continue
		}
		p.order.Remove(el)
		delete(p.entries, e.key)
		if p.stats {
			p.counters.Evictions++
		}
		metrics.AgentPoolEvictions.Inc()
		metrics.AgentPoolSize.Set(float64(len(p.entries)))
		return true
	}
	return false
}

func (p *Pool) releaseEntry(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		e.inUse = false
	}
}

// InvalidateSquad evicts every idle agent belonging to the squad. Agents
// mid-step finish with the configuration they started with and are
// dropped on release.
func (p *Pool) InvalidateSquad(squadID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for el := p.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if e.squadID == squadID && !e.inUse {
			p.order.Remove(el)
			delete(p.entries, e.key)
			removed++
		}
		el = next
	}
	metrics.AgentPoolSize.Set(float64(len(p.entries)))
	return removed
}

// Clear drops every idle entry.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for el := p.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if !e.inUse {
			p.order.Remove(el)
			delete(p.entries, e.key)
		}
		el = next
	}
	metrics.AgentPoolSize.Set(float64(len(p.entries)))
}

// Size returns the number of pooled agents.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) buildLock(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	mu, ok := p.builds[key]
	if !ok {
		mu = &sync.Mutex{}
		p.builds[key] = mu
	}
	return mu
}

func (p *Pool) countLookup(role, outcome string) {
	p.mu.Lock()
	p.countLookupLocked(role, outcome)
	p.mu.Unlock()
}

func (p *Pool) countLookupLocked(role, outcome string) {
	metrics.AgentPoolLookups.WithLabelValues(role, outcome).Inc()
	if !p.stats {
		return
	}
	if p.counters.ByRole == nil {
		p.counters.ByRole = make(map[string]*RoleStats)
	}
	rs, ok := p.counters.ByRole[role]
	if !ok {
		rs = &RoleStats{}
		p.counters.ByRole[role] = rs
	}
	switch outcome {
	case "hit":
		p.counters.Hits++
		rs.Hits++
	case "miss":
		p.counters.Misses++
		rs.Misses++
	case "error":
		p.counters.BuildErrors++
		rs.BuildErrors++
	}
}
