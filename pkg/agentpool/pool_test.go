package agentpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/squadron/pkg/agent"
)

type stubAgent struct {
	role string
	id   int64
}

func (s *stubAgent) Process(ctx context.Context, message string, history []agent.Message) (*agent.Response, error) {
	return &agent.Response{Content: "ok"}, nil
}

func (s *stubAgent) Role() string { return s.role }

func countingBuilder(builds *atomic.Int64) Builder {
	return func(ctx context.Context, squadID, role string) (agent.Agent, error) {
		return &stubAgent{role: role, id: builds.Add(1)}, nil
	}
}

func TestPool_HitReusesInstance(t *testing.T) {
	var builds atomic.Int64
	p := New(10, true, countingBuilder(&builds))
	ctx := context.Background()

	l1, err := p.Acquire(ctx, "squad-1", "dev")
	require.NoError(t, err)
	first := l1.Agent
	l1.Release()

	l2, err := p.Acquire(ctx, "squad-1", "dev")
	require.NoError(t, err)
	assert.Same(t, first, l2.Agent, "idle pooled instance is reused")
	l2.Release()

	assert.EqualValues(t, 1, builds.Load())

	snap := p.Snapshot()
	assert.EqualValues(t, 1, snap.Hits)
	assert.EqualValues(t, 1, snap.Misses)
	assert.InDelta(t, 0.5, snap.HitRate, 0.001)
	assert.InDelta(t, 0.5, snap.ByRole["dev"].HitRate(), 0.001)
}

func TestPool_FIFOEvictionAtCapacity(t *testing.T) {
	var builds atomic.Int64
	p := New(2, true, countingBuilder(&builds))
	ctx := context.Background()

	for _, squad := range []string{"s1", "s2"} {
		l, err := p.Acquire(ctx, squad, "dev")
		require.NoError(t, err)
		l.Release()
	}
	require.Equal(t, 2, p.Size())

	// Third key evicts the oldest (s1/dev).
	l3, err := p.Acquire(ctx, "s3", "dev")
	require.NoError(t, err)
	l3.Release()
	assert.Equal(t, 2, p.Size(), "pool never exceeds max size")
	assert.EqualValues(t, 1, p.Snapshot().Evictions)

	// s1 is gone: acquiring it again rebuilds.
	before := builds.Load()
	l, err := p.Acquire(ctx, "s1", "dev")
	require.NoError(t, err)
	l.Release()
	assert.Equal(t, before+1, builds.Load())

	// s2 survived eviction order (s1 went first).
	before = builds.Load()
	l, err = p.Acquire(ctx, "s3", "dev")
	require.NoError(t, err)
	l.Release()
	assert.Equal(t, before, builds.Load(), "s3 still pooled")
}

func TestPool_BusyEntriesNotEvicted(t *testing.T) {
	var builds atomic.Int64
	p := New(1, true, countingBuilder(&builds))
	ctx := context.Background()

	held, err := p.Acquire(ctx, "s1", "dev")
	require.NoError(t, err)

	// Pool is full with a busy entry: next acquisition runs unpooled.
	other, err := p.Acquire(ctx, "s2", "qa")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Size())
	other.Release()
	assert.Equal(t, 1, p.Size(), "unpooled agent discarded on release")

	held.Release()

	// Busy same-key entry: concurrent same-role use gets a second,
	// unpooled instance rather than sharing one agent.
	a1, err := p.Acquire(ctx, "s1", "dev")
	require.NoError(t, err)
	a2, err := p.Acquire(ctx, "s1", "dev")
	require.NoError(t, err)
	assert.NotSame(t, a1.Agent, a2.Agent)
	a1.Release()
	a2.Release()
}

func TestPool_ConcurrentAcquireBuildsOnce(t *testing.T) {
	var builds atomic.Int64
	p := New(10, true, countingBuilder(&builds))
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	leases := make([]*Lease, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := p.Acquire(ctx, "squad-1", "dev")
			require.NoError(t, err)
			leases[i] = l
		}(i)
	}
	wg.Wait()
	for _, l := range leases {
		l.Release()
	}

	// Exactly one build wins the pooled slot. Later same-key acquisitions
	// while it was busy may have built unpooled extras, but the pooled
	// entry is constructed exactly once and the pool holds one agent.
	assert.Equal(t, 1, p.Size())

	l, err := p.Acquire(ctx, "squad-1", "dev")
	require.NoError(t, err)
	before := builds.Load()
	l.Release()
	l2, err := p.Acquire(ctx, "squad-1", "dev")
	require.NoError(t, err)
	l2.Release()
	assert.Equal(t, before, builds.Load(), "sequential reuse does not rebuild")
}

func TestPool_BuilderErrorCounted(t *testing.T) {
	p := New(10, true, func(ctx context.Context, squadID, role string) (agent.Agent, error) {
		return nil, fmt.Errorf("no such member %s/%s", squadID, role)
	})

	_, err := p.Acquire(context.Background(), "s1", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such member")

	snap := p.Snapshot()
	assert.EqualValues(t, 1, snap.BuildErrors)
	assert.EqualValues(t, 1, snap.ByRole["ghost"].BuildErrors)
	assert.Zero(t, p.Size())
}

func TestPool_InvalidateSquadAndClear(t *testing.T) {
	var builds atomic.Int64
	p := New(10, true, countingBuilder(&builds))
	ctx := context.Background()

	for _, role := range []string{"pm", "dev", "qa"} {
		l, err := p.Acquire(ctx, "squad-1", role)
		require.NoError(t, err)
		l.Release()
	}
	l, err := p.Acquire(ctx, "squad-2", "dev")
	require.NoError(t, err)
	l.Release()

	removed := p.InvalidateSquad("squad-1")
	assert.Equal(t, 3, removed)
	assert.Equal(t, 1, p.Size(), "other squads untouched")

	// Busy entries survive invalidation.
	busy, err := p.Acquire(ctx, "squad-2", "dev")
	require.NoError(t, err)
	assert.Zero(t, p.InvalidateSquad("squad-2"))
	busy.Release()

	p.Clear()
	assert.Zero(t, p.Size())
}
