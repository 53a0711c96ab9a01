package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeready-toolchain/squadron/pkg/config"
	"github.com/codeready-toolchain/squadron/pkg/metrics"
	"github.com/codeready-toolchain/squadron/pkg/models"
	"github.com/codeready-toolchain/squadron/pkg/store"
)

// runState is the per-run control block shared between the worker, the
// runner, and the cancellation registry.
type runState struct {
	worker string
	grace  time.Duration
	cancel context.CancelFunc

	cancelRequested atomic.Bool
	abandoned       atomic.Bool
	cancelOnce      sync.Once
}

// RequestCancel flags the run as cancelled and hard-cancels its context
// after the grace window, giving the in-flight agent call a chance to
// finish.
func (rs *runState) RequestCancel() {
	rs.cancelOnce.Do(func() {
		rs.cancelRequested.Store(true)
		time.AfterFunc(rs.grace, rs.cancel)
	})
}

// abandon stops the run immediately: the lease belongs to someone else.
func (rs *runState) abandon() {
	rs.abandoned.Store(true)
	rs.cancel()
}

// executionRegistry is the subset of the Engine the worker uses to expose
// in-flight runs for cancellation.
type executionRegistry interface {
	register(executionID string, rs *runState)
	unregister(executionID string)
}

// Worker is one claim-and-run loop. Each worker processes at most one
// execution at a time; concurrency comes from the engine running many
// workers.
type Worker struct {
	id       string
	store    Store
	bus      Publisher
	runner   *Runner
	cfg      *config.EngineConfig
	registry executionRegistry
	cache    SnapshotInvalidator

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu            sync.RWMutex
	status        WorkerStatus
	currentExecID string
	executionsRun int
	lastActivity  time.Time
}

// NewWorker creates one worker. cache may be nil.
func NewWorker(id string, st Store, pub Publisher, runner *Runner, cfg *config.EngineConfig, registry executionRegistry, cache SnapshotInvalidator) *Worker {
	return &Worker{
		id:           id,
		store:        st,
		bus:          pub,
		runner:       runner,
		cfg:          cfg,
		registry:     registry,
		cache:        cache,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start launches the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to finish its current execution and exit, then
// waits for it. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the worker's introspection snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                 w.id,
		Status:             w.status,
		CurrentExecutionID: w.currentExecID,
		ExecutionsRun:      w.executionsRun,
		LastActivity:       w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoneClaimable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing execution", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollInterval returns the poll duration with jitter, spreading claim
// queries across workers.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// pollAndProcess checks capacity, claims an execution, and runs it to a
// terminal state.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Best-effort global capacity check; racy across workers but bounded
	// by worker count and mitigated by poll jitter.
	running, err := w.store.CountRunning(ctx)
	if err != nil {
		return fmt.Errorf("failed to check running executions: %w", err)
	}
	if running >= w.cfg.MaxConcurrent {
		return ErrAtCapacity
	}

	exec, err := w.store.ClaimNext(ctx, w.id, w.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to claim execution: %w", err)
	}
	if exec == nil {
		return ErrNoneClaimable
	}

	log := slog.With("execution_id", exec.ID, "worker_id", w.id)
	log.Info("Execution claimed", "squad_id", exec.SquadID, "attempt", exec.Attempt)
	metrics.ExecutionsRunning.Inc()
	defer metrics.ExecutionsRunning.Dec()
	w.invalidateSnapshot(exec.ID)

	w.setStatus(WorkerStatusWorking, exec.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	runCtx, cancelRun := context.WithTimeout(ctx, w.cfg.ExecutionTimeout)
	defer cancelRun()

	rs := &runState{worker: w.id, grace: w.cfg.CancelGrace, cancel: cancelRun}

	// Expose the run for API-triggered cancellation on this replica.
	w.registry.register(exec.ID, rs)
	defer w.registry.unregister(exec.ID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(runCtx)
	w.wg.Add(1)
	go w.runHeartbeat(heartbeatCtx, exec.ID, rs)

	started := time.Now()
	res := w.runner.Run(runCtx, rs, exec)
	cancelHeartbeat()

	if res == nil {
		// Defensive: the runner must always return an outcome.
		res = &result{status: models.StatusFailed, err: &models.ExecutionError{
			Code: "internal", Message: "runner returned no result"}}
	}
	if res.status == "" && !res.abandoned {
		switch {
		case rs.cancelRequested.Load():
			res = &result{status: models.StatusCancelled}
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			res = &result{status: models.StatusFailed, err: &models.ExecutionError{
				Code: "timeout", Message: fmt.Sprintf("execution timed out after %v", w.cfg.ExecutionTimeout)}}
		default:
			res = &result{status: models.StatusFailed, err: &models.ExecutionError{
				Code: "internal", Message: "execution ended without outcome"}}
		}
	}

	if res.abandoned {
		metrics.LeasesLost.Inc()
		log.Warn("Run abandoned, lease left to expire for re-claim")
		return nil
	}

	// Terminal writes run on a background context: the run context may
	// already be cancelled or past its deadline.
	finishCtx, cancelFinish := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFinish()

	if err := w.finish(finishCtx, exec, res); err != nil {
		log.Error("Failed to persist terminal state", "error", err)
		return err
	}

	metrics.ExecutionsFinished.WithLabelValues(string(res.status)).Inc()
	metrics.ExecutionDuration.WithLabelValues(string(res.status)).
		Observe(time.Since(started).Seconds())

	w.mu.Lock()
	w.executionsRun++
	w.mu.Unlock()

	log.Info("Execution finished", "status", res.status)
	return nil
}

// finish persists the terminal row, then publishes the terminal event.
// The order matters: the terminal event seals the stream, and a sealed
// stream with a non-terminal row would be unrecoverable. The reverse —
// terminal row without its event, after a crash here — costs only the
// final notification, which is explicitly at-most-once.
func (w *Worker) finish(ctx context.Context, exec *models.Execution, res *result) error {
	var err error
	switch res.status {
	case models.StatusCompleted:
		err = w.store.CompleteExecution(ctx, exec.ID, w.id, res.output)
	case models.StatusCancelled:
		err = w.store.CancelExecution(ctx, exec.ID, w.id)
	default:
		err = w.store.FailExecution(ctx, exec.ID, w.id, *res.err)
	}
	if err != nil {
		if errors.Is(err, store.ErrLeaseLost) || errors.Is(err, store.ErrTerminal) {
			// Another worker took over; it owns the terminal transition.
			metrics.LeasesLost.Inc()
			slog.Warn("Terminal write skipped, execution no longer owned",
				"execution_id", exec.ID, "worker_id", w.id, "error", err)
			return nil
		}
		return err
	}

	w.invalidateSnapshot(exec.ID)
	w.publishTerminal(ctx, exec, res)
	return nil
}

// publishTerminal emits the sealing event. Failures are logged, not
// returned: the durable state is already terminal.
func (w *Worker) publishTerminal(ctx context.Context, exec *models.Execution, res *result) {
	ev := &models.AgentEvent{
		ExecutionID: exec.ID,
		SquadID:     exec.SquadID,
		Content:     string(res.status),
	}
	switch res.status {
	case models.StatusCompleted:
		ev.Kind = models.EventCompleted
		ev.Metadata = res.output
	case models.StatusCancelled:
		ev.Kind = models.EventCancelled
	default:
		ev.Kind = models.EventFailed
		if payload, err := json.Marshal(res.err); err == nil {
			ev.Metadata = payload
		}
	}

	if err := w.bus.Publish(ctx, ev); err != nil {
		slog.Error("Failed to publish terminal event",
			"execution_id", exec.ID, "status", res.status, "error", err)
	}
}

// runHeartbeat renews the lease while the execution runs and observes
// cross-replica cancellation requests.
func (w *Worker) runHeartbeat(ctx context.Context, executionID string, rs *runState) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.EffectiveHeartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelRequested, err := w.store.RenewLease(ctx, executionID, w.id, w.cfg.LeaseTTL)
			if err != nil {
				if errors.Is(err, store.ErrLeaseLost) {
					slog.Warn("Lease lost, abandoning execution",
						"execution_id", executionID, "worker_id", w.id)
					rs.abandon()
					return
				}
				if ctx.Err() == nil {
					slog.Warn("Heartbeat failed",
						"execution_id", executionID, "worker_id", w.id, "error", err)
				}
				continue
			}
			if cancelRequested {
				slog.Info("Cancellation observed on heartbeat", "execution_id", executionID)
				rs.RequestCancel()
			}
		}
	}
}

func (w *Worker) invalidateSnapshot(executionID string) {
	if w.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := w.cache.InvalidateExecution(ctx, executionID); err != nil {
		slog.Warn("Failed to invalidate execution snapshot",
			"execution_id", executionID, "error", err)
	}
}

func (w *Worker) setStatus(status WorkerStatus, executionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentExecID = executionID
	w.lastActivity = time.Now()
}
