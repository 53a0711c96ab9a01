package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codeready-toolchain/squadron/pkg/agent"
	"github.com/codeready-toolchain/squadron/pkg/agentpool"
	"github.com/codeready-toolchain/squadron/pkg/config"
	"github.com/codeready-toolchain/squadron/pkg/metrics"
	"github.com/codeready-toolchain/squadron/pkg/models"
	"github.com/codeready-toolchain/squadron/pkg/store"
)

// Runner executes one claimed execution through its squad's pipeline.
// It writes step records and progress while running and emits every
// observable moment on the bus; the terminal outcome is returned to the
// worker, which persists it.
type Runner struct {
	store  Store
	bus    Publisher
	squads SquadSource
	agents *agentpool.Pool
	cfg    *config.EngineConfig
}

// NewRunner creates the step runner shared by all workers.
func NewRunner(st Store, pub Publisher, squads SquadSource, agents *agentpool.Pool, cfg *config.EngineConfig) *Runner {
	return &Runner{store: st, bus: pub, squads: squads, agents: agents, cfg: cfg}
}

// Run drives the execution to a terminal outcome. ctx carries the
// execution timeout; rs carries cancellation and lease state.
func (r *Runner) Run(ctx context.Context, rs *runState, exec *models.Execution) *result {
	log := slog.With("execution_id", exec.ID, "worker_id", rs.worker)

	squad, err := r.squads.Squad(ctx, exec.SquadID)
	if err != nil {
		log.Error("Failed to resolve squad", "squad_id", exec.SquadID, "error", err)
		return r.failed("squad_unresolved",
			fmt.Sprintf("squad %s could not be resolved: %v", exec.SquadID, err), "")
	}
	pipeline := squad.Pipeline

	memo, err := r.store.GetSuccessfulSteps(ctx, exec.ID)
	if err != nil {
		log.Error("Failed to load step records for resume", "error", err)
		return &result{abandoned: true}
	}
	if len(memo) > 0 {
		log.Info("Resuming execution", "completed_steps", len(memo), "attempt", exec.Attempt)
		metrics.ExecutionsResumed.Inc()
	}

	// Each claim bumps exec.Attempt, so anything past the first is a
	// re-claim of an execution that was already running.
	from := models.StatusQueued
	if exec.Attempt > 1 {
		from = models.StatusRunning
	}
	if err := r.emit(ctx, exec, models.EventStatusChange, "", string(models.StatusRunning),
		map[string]any{"from": string(from), "to": string(models.StatusRunning)}); err != nil {
		return r.publishFailure(log, err)
	}

	history := make([]agent.Message, 0, 2*len(pipeline))
	input := exec.InitialMessage
	digests := make([]stepDigest, 0, len(pipeline))

	for i, step := range pipeline {
		if rec, ok := memo[step.Name]; ok {
			// Memoized from a previous attempt: feed its output forward
			// without re-executing.
			var out stepOutput
			if err := json.Unmarshal(rec.Output, &out); err != nil {
				log.Error("Corrupt step record output", "step", step.Name, "error", err)
				return r.failed("corrupt_step_record",
					fmt.Sprintf("step %s has undecodable output", step.Name), step.Name)
			}
			history = append(history,
				agent.Message{Role: agent.RoleUser, Content: input},
				agent.Message{Role: agent.RoleAssistant, Content: out.Content})
			input = out.Content
			digests = append(digests, stepDigest{Name: step.Name, Role: step.Role})
			continue
		}

		out, res := r.runStep(ctx, rs, exec, step, input, history, i+1, len(pipeline))
		if res != nil {
			return res
		}
		history = append(history,
			agent.Message{Role: agent.RoleUser, Content: input},
			agent.Message{Role: agent.RoleAssistant, Content: out.Content})
		input = out.Content
		digests = append(digests, stepDigest{Name: step.Name, Role: step.Role})
	}

	payload, err := json.Marshal(executionResult{Output: input, Steps: digests})
	if err != nil {
		return r.failed("result_encoding", fmt.Sprintf("failed to encode result: %v", err), "")
	}
	return &result{status: models.StatusCompleted, output: payload}
}

// runStep executes one step with the per-step retry policy. A non-nil
// result ends the whole execution.
func (r *Runner) runStep(ctx context.Context, rs *runState, exec *models.Execution, step models.PipelineStep, input string, history []agent.Message, index, total int) (*stepOutput, *result) {
	log := slog.With("execution_id", exec.ID, "step", step.Name, "role", step.Role)

	if err := r.emit(ctx, exec, models.EventStepStart, step.Role, "",
		map[string]any{"step": step.Name}); err != nil {
		return nil, r.publishFailure(log, err)
	}

	// Attempt numbers must stay unique across claims: each claim bumps
	// exec.Attempt, so generations never collide on the record key.
	maxAttempts := r.cfg.StepRetries + 1
	baseAttempt := (exec.Attempt - 1) * maxAttempts
	progress := index * 100 / total
	if progress >= 100 {
		// 100 is reserved for the completed status transition.
		progress = 99
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		startedAt := time.Now()
		out, stepErr := r.invokeAgent(ctx, exec, step, input, history)
		finishedAt := time.Now()

		if rs.abandoned.Load() {
			return nil, &result{abandoned: true}
		}

		if rs.cancelRequested.Load() {
			// The in-flight call was allowed its grace window; regardless
			// of how it ended the step is recorded as cancelled.
			r.recordFailure(exec, step, rs.worker, baseAttempt+attempt, startedAt, finishedAt,
				"cancelled", "execution cancelled", progress)
			return nil, &result{status: models.StatusCancelled}
		}

		if stepErr == nil {
			rec, err := newSuccessRecord(exec.ID, step.Name, baseAttempt+attempt, out, startedAt, finishedAt)
			if err != nil {
				return nil, r.failed("step_encoding", err.Error(), step.Name)
			}
			// The success record is the durability boundary: it must be on
			// disk before StepEnd goes out, so a resume never re-runs this
			// step.
			if err := r.retryTransient(ctx, func() error {
				return r.store.RecordStep(ctx, rec, rs.worker, progress)
			}); err != nil {
				return nil, r.storeFailure(log, rs, err)
			}

			metrics.StepDuration.WithLabelValues(step.Name, string(models.StepSuccess)).
				Observe(finishedAt.Sub(startedAt).Seconds())

			if err := r.emit(ctx, exec, models.EventAgentMessage, step.Role, out.Content, nil); err != nil {
				return nil, r.publishFailure(log, err)
			}
			if err := r.emit(ctx, exec, models.EventStepEnd, step.Role, "",
				map[string]any{"step": step.Name, "outcome": string(models.StepSuccess), "attempt": attempt}); err != nil {
				return nil, r.publishFailure(log, err)
			}
			if err := r.emit(ctx, exec, models.EventProgress, "", "",
				map[string]any{"progress": progress, "step": step.Name}); err != nil {
				return nil, r.publishFailure(log, err)
			}
			return out, nil
		}

		lastErr = stepErr
		metrics.StepDuration.WithLabelValues(step.Name, string(models.StepFailure)).
			Observe(finishedAt.Sub(startedAt).Seconds())

		if ctx.Err() != nil {
			// Execution deadline, not a cancel request.
			r.recordFailure(exec, step, rs.worker, baseAttempt+attempt, startedAt, finishedAt,
				"timeout", fmt.Sprintf("execution timed out after %v", r.cfg.ExecutionTimeout), progress)
			return nil, r.failed("timeout",
				fmt.Sprintf("execution timed out after %v", r.cfg.ExecutionTimeout), step.Name)
		}

		log.Warn("Step attempt failed", "attempt", attempt, "error", stepErr)
		r.recordFailure(exec, step, rs.worker, baseAttempt+attempt, startedAt, finishedAt,
			"step_failed", stepErr.Error(), progress)
		if err := r.emit(ctx, exec, models.EventStepEnd, step.Role, "",
			map[string]any{"step": step.Name, "outcome": string(models.StepFailure), "attempt": attempt}); err != nil {
			return nil, r.publishFailure(log, err)
		}

		if attempt < maxAttempts {
			metrics.StepRetries.WithLabelValues(step.Name).Inc()
			if !sleepBackoff(ctx, r.cfg.Retry, attempt) {
				continue // context ended; next iteration classifies it
			}
		}
	}

	log.Error("Step retries exhausted", "attempts", maxAttempts, "error", lastErr)
	return nil, r.failed("step_failed",
		fmt.Sprintf("step %s failed after %d attempts: %v", step.Name, maxAttempts, lastErr), step.Name)
}

// invokeAgent checks an agent out of the pool and runs one model call.
func (r *Runner) invokeAgent(ctx context.Context, exec *models.Execution, step models.PipelineStep, input string, history []agent.Message) (*stepOutput, error) {
	lease, err := r.agents.Acquire(ctx, exec.SquadID, step.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire agent: %w", err)
	}
	defer lease.Release()

	timer := prometheus.NewTimer(metrics.AgentCallDuration.WithLabelValues(step.Role))
	resp, err := lease.Agent.Process(ctx, input, history)
	timer.ObserveDuration()
	if err != nil {
		return nil, err
	}
	usage := resp.Usage
	return &stepOutput{Content: resp.Content, Role: step.Role, Usage: &usage}, nil
}

// recordFailure persists a failed attempt. Best-effort: a failure record
// is diagnostic, losing one must not mask the step error itself.
func (r *Runner) recordFailure(exec *models.Execution, step models.PipelineStep, worker string, attempt int, startedAt, finishedAt time.Time, code, message string, progress int) {
	reason, _ := json.Marshal(models.StepFailureReason{Code: code, Message: message})
	rec := &models.StepRecord{
		ExecutionID:   exec.ID,
		StepName:      step.Name,
		Attempt:       attempt,
		Outcome:       models.StepFailure,
		FailureReason: reason,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.RecordStep(ctx, rec, worker, progress); err != nil {
		slog.Warn("Failed to persist failure record",
			"execution_id", exec.ID, "step", step.Name, "attempt", attempt, "error", err)
	}
}

func newSuccessRecord(executionID, stepName string, attempt int, out *stepOutput, startedAt, finishedAt time.Time) (*models.StepRecord, error) {
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode step output: %w", err)
	}
	return &models.StepRecord{
		ExecutionID: executionID,
		StepName:    stepName,
		Attempt:     attempt,
		Outcome:     models.StepSuccess,
		Output:      payload,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
	}, nil
}

// emit publishes one event. The bus retries transient append failures
// internally; an error here means the durable hop is genuinely down.
func (r *Runner) emit(ctx context.Context, exec *models.Execution, kind models.EventKind, role, content string, meta map[string]any) error {
	ev := &models.AgentEvent{
		ExecutionID: exec.ID,
		SquadID:     exec.SquadID,
		Kind:        kind,
		Content:     content,
	}
	if role != "" {
		ev.SenderRole = &role
	}
	if meta != nil {
		payload, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to encode event metadata: %w", err)
		}
		ev.Metadata = payload
	}
	return r.bus.Publish(ctx, ev)
}

// publishFailure maps a durable-append failure to abandonment: the lease
// expires and another worker resumes from the last success record.
func (r *Runner) publishFailure(log *slog.Logger, err error) *result {
	log.Error("Durable event append failed, abandoning run", "error", err)
	return &result{abandoned: true}
}

// storeFailure classifies a failed lease-asserted write.
func (r *Runner) storeFailure(log *slog.Logger, rs *runState, err error) *result {
	if errors.Is(err, store.ErrLeaseLost) || errors.Is(err, store.ErrTerminal) {
		log.Warn("Execution no longer owned by this worker", "error", err)
		rs.abandoned.Store(true)
		return &result{abandoned: true}
	}
	log.Error("Store write failed after retries, abandoning run", "error", err)
	return &result{abandoned: true}
}

func (r *Runner) failed(code, message, lastStep string) *result {
	return &result{
		status: models.StatusFailed,
		err:    &models.ExecutionError{Code: code, Message: message, LastStep: lastStep},
	}
}

// retryTransient retries op with the configured exponential backoff.
// Lease and terminal-state errors are permanent.
func (r *Runner) retryTransient(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if errors.Is(err, store.ErrLeaseLost) || errors.Is(err, store.ErrTerminal) ||
			errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(
		newExponential(r.cfg.Retry), uint64(r.cfg.Retry.MaxAttempts-1)), ctx)
	return backoff.Retry(wrapped, policy)
}

func newExponential(retry config.RetryPolicy) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retry.BaseDelay
	bo.Multiplier = retry.Factor
	bo.MaxInterval = retry.MaxDelay
	bo.MaxElapsedTime = 0
	return bo
}

// sleepBackoff waits out the delay before the next step attempt. Returns
// false when the context ended first.
func sleepBackoff(ctx context.Context, retry config.RetryPolicy, attempt int) bool {
	delay := retry.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * retry.Factor)
	}
	if delay > retry.MaxDelay {
		delay = retry.MaxDelay
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}
