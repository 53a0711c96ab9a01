package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/squadron/pkg/models"
	"github.com/codeready-toolchain/squadron/pkg/store"
)

// noopRegistry satisfies executionRegistry for worker-level tests.
type noopRegistry struct{}

func (noopRegistry) register(string, *runState) {}
func (noopRegistry) unregister(string)          {}

func TestPollAndProcessAtCapacity(t *testing.T) {
	st := newFakeStore()
	st.running = 10
	cfg := testEngineConfig()
	cfg.MaxConcurrent = 10
	w := NewWorker("w1", st, &fakePublisher{}, nil, cfg, noopRegistry{}, nil)

	err := w.pollAndProcess(context.Background())
	require.ErrorIs(t, err, ErrAtCapacity)
}

func TestPollAndProcessNothingClaimable(t *testing.T) {
	st := newFakeStore()
	w := NewWorker("w1", st, &fakePublisher{}, nil, testEngineConfig(), noopRegistry{}, nil)

	err := w.pollAndProcess(context.Background())
	require.ErrorIs(t, err, ErrNoneClaimable)
}

func TestPollAndProcessCompletesExecution(t *testing.T) {
	st := newFakeStore()
	st.claimable = []*models.Execution{testExecution()}
	pub := &fakePublisher{}
	agents := defaultAgents()
	cfg := testEngineConfig()
	runner := newTestRunner(st, pub, agents, cfg)
	w := NewWorker("w1", st, pub, runner, cfg, noopRegistry{}, nil)

	require.NoError(t, w.pollAndProcess(context.Background()))

	result, ok := st.completed["exec-1"]
	require.True(t, ok, "terminal completion must be persisted")
	var er executionResult
	require.NoError(t, json.Unmarshal(result, &er))
	assert.Equal(t, "qa: dev: pm: build the widget", er.Output)

	// The last published event seals the stream.
	kinds := pub.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, models.EventCompleted, kinds[len(kinds)-1])

	h := w.Health()
	assert.Equal(t, 1, h.ExecutionsRun)
	assert.Equal(t, WorkerStatusIdle, h.Status)
}

func TestPollAndProcessPersistsFailure(t *testing.T) {
	st := newFakeStore()
	st.claimable = []*models.Execution{testExecution()}
	pub := &fakePublisher{}
	agents := defaultAgents()
	agents["pm"].failures = 100
	cfg := testEngineConfig()
	cfg.StepRetries = 0
	runner := newTestRunner(st, pub, agents, cfg)
	w := NewWorker("w1", st, pub, runner, cfg, noopRegistry{}, nil)

	require.NoError(t, w.pollAndProcess(context.Background()))

	execErr, ok := st.failed["exec-1"]
	require.True(t, ok)
	assert.Equal(t, "step_failed", execErr.Code)
	assert.Equal(t, "plan", execErr.LastStep)

	kinds := pub.kinds()
	assert.Equal(t, models.EventFailed, kinds[len(kinds)-1])
}

func TestPollAndProcessAbandonedWritesNoTerminalState(t *testing.T) {
	st := newFakeStore()
	st.claimable = []*models.Execution{testExecution()}
	st.recordErrs = []error{store.ErrLeaseLost}
	pub := &fakePublisher{}
	cfg := testEngineConfig()
	runner := newTestRunner(st, pub, defaultAgents(), cfg)
	w := NewWorker("w1", st, pub, runner, cfg, noopRegistry{}, nil)

	require.NoError(t, w.pollAndProcess(context.Background()))

	assert.Empty(t, st.completed)
	assert.Empty(t, st.failed)
	assert.Empty(t, st.cancelled)
	for _, k := range pub.kinds() {
		assert.False(t, k.IsTerminal(), "no terminal event after abandonment, got %s", k)
	}
}

func TestPollAndProcessSkipsTerminalWriteWhenOwnershipLost(t *testing.T) {
	st := newFakeStore()
	st.claimable = []*models.Execution{testExecution()}
	st.finishErr = store.ErrLeaseLost
	pub := &fakePublisher{}
	cfg := testEngineConfig()
	runner := newTestRunner(st, pub, defaultAgents(), cfg)
	w := NewWorker("w1", st, pub, runner, cfg, noopRegistry{}, nil)

	// Losing the lease at the terminal write is not an error: the new
	// owner finishes the execution.
	require.NoError(t, w.pollAndProcess(context.Background()))
	for _, k := range pub.kinds() {
		assert.False(t, k.IsTerminal())
	}
}

func TestHeartbeatObservesCancelRequest(t *testing.T) {
	st := newFakeStore()
	st.claimable = []*models.Execution{testExecution()}
	st.renewCancel = true
	pub := &fakePublisher{}
	agents := defaultAgents()

	// The dev step stalls long enough for a heartbeat to fire.
	agents["dev"].onCall = func(int) { time.Sleep(50 * time.Millisecond) }

	cfg := testEngineConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.CancelGrace = time.Minute // the call itself finishes within grace
	runner := newTestRunner(st, pub, agents, cfg)
	w := NewWorker("w1", st, pub, runner, cfg, noopRegistry{}, nil)

	require.NoError(t, w.pollAndProcess(context.Background()))

	assert.True(t, st.cancelled["exec-1"])
	assert.Equal(t, 0, agents["qa"].callCount())
	kinds := pub.kinds()
	assert.Equal(t, models.EventCancelled, kinds[len(kinds)-1])
}

func TestHeartbeatLeaseLostAbandonsRun(t *testing.T) {
	st := newFakeStore()
	st.claimable = []*models.Execution{testExecution()}
	st.renewErr = store.ErrLeaseLost
	pub := &fakePublisher{}
	agents := defaultAgents()
	agents["dev"].onCall = func(int) { time.Sleep(50 * time.Millisecond) }

	cfg := testEngineConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	runner := newTestRunner(st, pub, agents, cfg)
	w := NewWorker("w1", st, pub, runner, cfg, noopRegistry{}, nil)

	require.NoError(t, w.pollAndProcess(context.Background()))

	assert.Empty(t, st.completed)
	assert.Empty(t, st.cancelled)
	assert.Empty(t, st.failed)
}

func TestWorkerLoopProcessesQueuedExecutions(t *testing.T) {
	st := newFakeStore()
	second := testExecution()
	second.ID = "exec-2"
	st.claimable = []*models.Execution{testExecution(), second}
	pub := &fakePublisher{}
	cfg := testEngineConfig()
	runner := newTestRunner(st, pub, defaultAgents(), cfg)
	w := NewWorker("w1", st, pub, runner, cfg, noopRegistry{}, nil)

	w.Start(context.Background())
	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.completed) == 2
	}, 3*time.Second, 10*time.Millisecond)
	w.Stop()

	assert.Contains(t, st.completed, "exec-1")
	assert.Contains(t, st.completed, "exec-2")
}

func TestEngineCancelLocal(t *testing.T) {
	e := New(newFakeStore(), &fakePublisher{}, nil, nil, testEngineConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rs := &runState{worker: "w1", grace: time.Millisecond, cancel: cancel}
	e.register("exec-1", rs)

	assert.False(t, e.CancelLocal("exec-other"))
	assert.True(t, e.CancelLocal("exec-1"))
	assert.True(t, rs.cancelRequested.Load())

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("grace window elapsed but run context was not cancelled")
	}

	e.unregister("exec-1")
	assert.False(t, e.CancelLocal("exec-1"))
}

func TestEngineActiveExecutionsSorted(t *testing.T) {
	e := New(newFakeStore(), &fakePublisher{}, nil, nil, testEngineConfig())
	e.register("exec-b", &runState{cancel: func() {}})
	e.register("exec-a", &runState{cancel: func() {}})

	assert.Equal(t, []string{"exec-a", "exec-b"}, e.ActiveExecutions())
}

func TestEngineHealthReportsWorkersAndDB(t *testing.T) {
	st := newFakeStore()
	st.running = 3
	cfg := testEngineConfig()
	cfg.Workers = 2
	pub := &fakePublisher{}
	runner := newTestRunner(st, pub, defaultAgents(), cfg)
	e := New(st, pub, runner, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()
	require.Error(t, e.Start(ctx), "double start must be rejected")

	h := e.Health(context.Background())
	assert.True(t, h.IsHealthy)
	assert.True(t, h.DBReachable)
	assert.Equal(t, 2, h.TotalWorkers)
	assert.Equal(t, 3, h.RunningGlobal)
	assert.Len(t, h.Workers, 2)

	st.mu.Lock()
	st.countErr = errors.New("connection refused")
	st.mu.Unlock()

	h = e.Health(context.Background())
	assert.False(t, h.IsHealthy)
	assert.False(t, h.DBReachable)
	assert.Contains(t, h.DBError, "connection refused")
}
