package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/squadron/pkg/config"
	"github.com/codeready-toolchain/squadron/pkg/metrics"
)

// Engine runs the worker pool for one replica and tracks which executions
// are currently being processed here so the API can cancel them without a
// round-trip through the database heartbeat.
type Engine struct {
	instanceID string
	store      Store
	bus        Publisher
	runner     *Runner
	cache      SnapshotInvalidator
	cfg        *config.EngineConfig

	workers []*Worker

	mu      sync.RWMutex
	running map[string]*runState
	started bool
}

// New creates the engine. cache may be nil.
func New(st Store, pub Publisher, runner *Runner, cache SnapshotInvalidator, cfg *config.EngineConfig) *Engine {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Engine{
		instanceID: fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		store:      st,
		bus:        pub,
		runner:     runner,
		cache:      cache,
		cfg:        cfg,
		running:    make(map[string]*runState),
	}
}

// InstanceID identifies this replica's worker pool in leases and logs.
func (e *Engine) InstanceID() string { return e.instanceID }

// Start launches the configured number of workers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}

	for i := 0; i < e.cfg.Workers; i++ {
		id := fmt.Sprintf("%s-w%d", e.instanceID, i)
		w := NewWorker(id, e.store, e.bus, e.runner, e.cfg, e, e.cache)
		e.workers = append(e.workers, w)
		w.Start(ctx)
	}
	e.started = true

	slog.Info("Engine started",
		"instance_id", e.instanceID,
		"workers", e.cfg.Workers,
		"max_concurrent", e.cfg.MaxConcurrent)
	return nil
}

// Stop shuts all workers down concurrently and waits for their in-flight
// executions to finish. Bounded by the per-execution timeout each worker
// already enforces.
func (e *Engine) Stop() {
	e.mu.Lock()
	workers := e.workers
	e.workers = nil
	e.started = false
	e.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			w.Stop()
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("Engine stopped", "instance_id", e.instanceID)
}

// register and unregister implement executionRegistry for the workers.

func (e *Engine) register(executionID string, rs *runState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[executionID] = rs
}

func (e *Engine) unregister(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, executionID)
}

// CancelLocal requests cancellation of an execution running on this
// replica. Returns false when the execution is not running here, in which
// case the caller relies on the cancel_requested flag being observed by
// the owning replica's heartbeat.
func (e *Engine) CancelLocal(executionID string) bool {
	e.mu.RLock()
	rs, ok := e.running[executionID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	rs.RequestCancel()
	metrics.CancellationsRequested.Inc()
	return true
}

// ActiveExecutions lists the execution IDs currently running on this
// replica, sorted for stable output.
func (e *Engine) ActiveExecutions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Health aggregates worker states and probes the database.
func (e *Engine) Health(ctx context.Context) Health {
	e.mu.RLock()
	workers := make([]*Worker, len(e.workers))
	copy(workers, e.workers)
	e.mu.RUnlock()

	h := Health{
		IsHealthy:        true,
		DBReachable:      true,
		WorkerID:         e.instanceID,
		TotalWorkers:     len(workers),
		MaxConcurrent:    e.cfg.MaxConcurrent,
		ActiveExecutions: e.ActiveExecutions(),
	}

	running, err := e.store.CountRunning(ctx)
	if err != nil {
		h.IsHealthy = false
		h.DBReachable = false
		h.DBError = err.Error()
	} else {
		h.RunningGlobal = running
	}

	for _, w := range workers {
		wh := w.Health()
		if wh.Status == WorkerStatusWorking {
			h.ActiveWorkers++
		}
		h.Workers = append(h.Workers, wh)
	}
	return h
}
