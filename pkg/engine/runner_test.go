package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/squadron/pkg/agent"
	"github.com/codeready-toolchain/squadron/pkg/agentpool"
	"github.com/codeready-toolchain/squadron/pkg/config"
	"github.com/codeready-toolchain/squadron/pkg/models"
	"github.com/codeready-toolchain/squadron/pkg/store"
)

// testEngineConfig returns an engine config tuned for fast tests.
func testEngineConfig() *config.EngineConfig {
	return &config.EngineConfig{
		Workers:            1,
		MaxConcurrent:      10,
		PollInterval:       5 * time.Millisecond,
		PollIntervalJitter: 0,
		LeaseTTL:           time.Second,
		HeartbeatInterval:  10 * time.Millisecond,
		ExecutionTimeout:   5 * time.Second,
		StepRetries:        2,
		CancelGrace:        20 * time.Millisecond,
		Retry: config.RetryPolicy{
			BaseDelay:   time.Millisecond,
			Factor:      2,
			MaxDelay:    5 * time.Millisecond,
			MaxAttempts: 3,
		},
	}
}

// fakeStore implements the engine's Store interface in memory.
type fakeStore struct {
	mu sync.Mutex

	claimable []*models.Execution
	running   int
	countErr  error

	memo    map[string]map[string]models.StepRecord
	records []models.StepRecord

	// recordErrs are consumed one per RecordStep call; nil means success.
	recordErrs []error

	completed map[string]json.RawMessage
	failed    map[string]models.ExecutionError
	cancelled map[string]bool
	finishErr error

	renewCancel bool
	renewErr    error
	renews      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		memo:      make(map[string]map[string]models.StepRecord),
		completed: make(map[string]json.RawMessage),
		failed:    make(map[string]models.ExecutionError),
		cancelled: make(map[string]bool),
	}
}

func (s *fakeStore) CountRunning(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.countErr
}

func (s *fakeStore) ClaimNext(ctx context.Context, worker string, leaseTTL time.Duration) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.claimable) == 0 {
		return nil, nil
	}
	exec := s.claimable[0]
	s.claimable = s.claimable[1:]
	exec.Status = models.StatusRunning
	exec.Attempt++
	return exec, nil
}

func (s *fakeStore) RenewLease(ctx context.Context, executionID, worker string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renews++
	return s.renewCancel, s.renewErr
}

func (s *fakeStore) ReleaseLease(ctx context.Context, executionID, worker string) error {
	return nil
}

func (s *fakeStore) GetSuccessfulSteps(ctx context.Context, executionID string) (map[string]models.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.StepRecord, len(s.memo[executionID]))
	for k, v := range s.memo[executionID] {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) RecordStep(ctx context.Context, rec *models.StepRecord, worker string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recordErrs) > 0 {
		err := s.recordErrs[0]
		s.recordErrs = s.recordErrs[1:]
		if err != nil {
			return err
		}
	}
	s.records = append(s.records, *rec)
	if rec.Outcome == models.StepSuccess {
		if s.memo[rec.ExecutionID] == nil {
			s.memo[rec.ExecutionID] = make(map[string]models.StepRecord)
		}
		s.memo[rec.ExecutionID][rec.StepName] = *rec
	}
	return nil
}

func (s *fakeStore) CompleteExecution(ctx context.Context, id, worker string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishErr != nil {
		return s.finishErr
	}
	s.completed[id] = result
	return nil
}

func (s *fakeStore) FailExecution(ctx context.Context, id, worker string, execErr models.ExecutionError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishErr != nil {
		return s.finishErr
	}
	s.failed[id] = execErr
	return nil
}

func (s *fakeStore) CancelExecution(ctx context.Context, id, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishErr != nil {
		return s.finishErr
	}
	s.cancelled[id] = true
	return nil
}

func (s *fakeStore) recordedSteps() []models.StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StepRecord, len(s.records))
	copy(out, s.records)
	return out
}

// fakePublisher collects published events in order.
type fakePublisher struct {
	mu     sync.Mutex
	events []models.AgentEvent
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, ev *models.AgentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, *ev)
	return nil
}

func (p *fakePublisher) kinds() []models.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.EventKind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

// fakeSquads serves one squad definition.
type fakeSquads struct {
	squad *models.Squad
	err   error
}

func (f *fakeSquads) Squad(ctx context.Context, squadID string) (*models.Squad, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.squad, nil
}

// scriptedAgent fails its first failures calls, then echoes the input
// prefixed with its role.
type scriptedAgent struct {
	role     string
	failures int

	mu     sync.Mutex
	calls  int
	onCall func(call int)
}

func (a *scriptedAgent) Process(ctx context.Context, message string, history []agent.Message) (*agent.Response, error) {
	a.mu.Lock()
	a.calls++
	call := a.calls
	hook := a.onCall
	a.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if call <= a.failures {
		return nil, fmt.Errorf("model call failed (call %d)", call)
	}
	return &agent.Response{
		Content: a.role + ": " + message,
		Usage:   agent.TokenUsage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
	}, nil
}

func (a *scriptedAgent) Role() string { return a.role }

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func testPool(agents map[string]*scriptedAgent) *agentpool.Pool {
	return agentpool.New(10, false, func(ctx context.Context, squadID, role string) (agent.Agent, error) {
		a, ok := agents[role]
		if !ok {
			return nil, fmt.Errorf("no agent for role %s", role)
		}
		return a, nil
	})
}

func testSquad() *models.Squad {
	return &models.Squad{
		ID:       "squad-1",
		OrgID:    "org-1",
		Name:     "core",
		Pipeline: models.DefaultPipeline(),
	}
}

func testExecution() *models.Execution {
	return &models.Execution{
		ID:             "exec-1",
		SquadID:        "squad-1",
		TaskID:         "task-1",
		OrgID:          "org-1",
		Status:         models.StatusRunning,
		InitialMessage: "build the widget",
		Attempt:        1,
	}
}

func defaultAgents() map[string]*scriptedAgent {
	return map[string]*scriptedAgent{
		"pm":  {role: "pm"},
		"dev": {role: "dev"},
		"qa":  {role: "qa"},
	}
}

func newTestRunner(st *fakeStore, pub *fakePublisher, agents map[string]*scriptedAgent, cfg *config.EngineConfig) *Runner {
	return NewRunner(st, pub, &fakeSquads{squad: testSquad()}, testPool(agents), cfg)
}

func TestRunHappyPathCompletesAllSteps(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	agents := defaultAgents()
	r := newTestRunner(st, pub, agents, testEngineConfig())

	rs := &runState{worker: "w1", grace: time.Millisecond, cancel: func() {}}
	res := r.Run(context.Background(), rs, testExecution())

	require.NotNil(t, res)
	assert.Equal(t, models.StatusCompleted, res.status)
	assert.False(t, res.abandoned)

	var er executionResult
	require.NoError(t, json.Unmarshal(res.output, &er))
	assert.Equal(t, "qa: dev: pm: build the widget", er.Output)
	require.Len(t, er.Steps, 3)
	assert.Equal(t, "plan", er.Steps[0].Name)
	assert.Equal(t, "review", er.Steps[2].Name)

	// One success record per step, each on attempt 1.
	recs := st.recordedSteps()
	require.Len(t, recs, 3)
	for _, rec := range recs {
		assert.Equal(t, models.StepSuccess, rec.Outcome)
		assert.Equal(t, 1, rec.Attempt)
	}

	assert.Equal(t, []models.EventKind{
		models.EventStatusChange,
		models.EventStepStart, models.EventAgentMessage, models.EventStepEnd, models.EventProgress,
		models.EventStepStart, models.EventAgentMessage, models.EventStepEnd, models.EventProgress,
		models.EventStepStart, models.EventAgentMessage, models.EventStepEnd, models.EventProgress,
	}, pub.kinds())

	for _, a := range agents {
		assert.Equal(t, 1, a.callCount())
	}
}

func TestRunFeedsEachStepThePreviousOutput(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	agents := defaultAgents()

	var devInput string
	var devHistory int
	devAgent := &capturingAgent{inner: agents["dev"], input: &devInput, historyLen: &devHistory}
	pool := agentpool.New(10, false, func(ctx context.Context, squadID, role string) (agent.Agent, error) {
		if role == "dev" {
			return devAgent, nil
		}
		return agents[role], nil
	})
	r := NewRunner(st, pub, &fakeSquads{squad: testSquad()}, pool, testEngineConfig())

	rs := &runState{worker: "w1", grace: time.Millisecond, cancel: func() {}}
	res := r.Run(context.Background(), rs, testExecution())

	require.Equal(t, models.StatusCompleted, res.status)
	assert.Equal(t, "pm: build the widget", devInput)
	// The dev step sees the plan exchange as history.
	assert.Equal(t, 2, devHistory)
}

// capturingAgent records the input and history length of each call.
type capturingAgent struct {
	inner      agent.Agent
	input      *string
	historyLen *int
}

func (a *capturingAgent) Process(ctx context.Context, message string, history []agent.Message) (*agent.Response, error) {
	*a.input = message
	*a.historyLen = len(history)
	return a.inner.Process(ctx, message, history)
}

func (a *capturingAgent) Role() string { return a.inner.Role() }

func TestRunSkipsMemoizedStepsOnResume(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	agents := defaultAgents()
	r := newTestRunner(st, pub, agents, testEngineConfig())

	planOut, err := json.Marshal(stepOutput{Content: "pm: build the widget", Role: "pm"})
	require.NoError(t, err)
	st.memo["exec-1"] = map[string]models.StepRecord{
		"plan": {
			ExecutionID: "exec-1",
			StepName:    "plan",
			Attempt:     1,
			Outcome:     models.StepSuccess,
			Output:      planOut,
		},
	}

	exec := testExecution()
	exec.Attempt = 2 // second claim after a crash

	rs := &runState{worker: "w2", grace: time.Millisecond, cancel: func() {}}
	res := r.Run(context.Background(), rs, exec)

	require.Equal(t, models.StatusCompleted, res.status)

	// The memoized step is never re-executed.
	assert.Equal(t, 0, agents["pm"].callCount())
	assert.Equal(t, 1, agents["dev"].callCount())
	assert.Equal(t, 1, agents["qa"].callCount())

	// Its output still feeds the next step.
	var er executionResult
	require.NoError(t, json.Unmarshal(res.output, &er))
	assert.Equal(t, "qa: dev: pm: build the widget", er.Output)

	// New records carry attempt numbers from the second claim's range.
	recs := st.recordedSteps()
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, 4, rec.Attempt) // (2-1)*3 + 1
	}
}

func TestRunStatusChangeReportsPriorStatus(t *testing.T) {
	statusMeta := func(t *testing.T, pub *fakePublisher) map[string]string {
		t.Helper()
		require.NotEmpty(t, pub.events)
		require.Equal(t, models.EventStatusChange, pub.events[0].Kind)
		var meta map[string]string
		require.NoError(t, json.Unmarshal(pub.events[0].Metadata, &meta))
		return meta
	}

	st := newFakeStore()
	pub := &fakePublisher{}
	r := newTestRunner(st, pub, defaultAgents(), testEngineConfig())

	rs := &runState{worker: "w1", grace: time.Millisecond, cancel: func() {}}
	res := r.Run(context.Background(), rs, testExecution())
	require.Equal(t, models.StatusCompleted, res.status)

	meta := statusMeta(t, pub)
	assert.Equal(t, "queued", meta["from"], "first claim transitions from queued")
	assert.Equal(t, "running", meta["to"])

	// A re-claim after a crash picks up an execution that was already
	// running; the transition must not pretend it was queued.
	pub2 := &fakePublisher{}
	r2 := newTestRunner(newFakeStore(), pub2, defaultAgents(), testEngineConfig())
	exec := testExecution()
	exec.Attempt = 2

	rs2 := &runState{worker: "w2", grace: time.Millisecond, cancel: func() {}}
	res = r2.Run(context.Background(), rs2, exec)
	require.Equal(t, models.StatusCompleted, res.status)

	meta = statusMeta(t, pub2)
	assert.Equal(t, "running", meta["from"], "re-claim was already running")
	assert.Equal(t, "running", meta["to"])
}

func TestRunRetriesFailedStepThenSucceeds(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	agents := defaultAgents()
	agents["dev"].failures = 1
	r := newTestRunner(st, pub, agents, testEngineConfig())

	rs := &runState{worker: "w1", grace: time.Millisecond, cancel: func() {}}
	res := r.Run(context.Background(), rs, testExecution())

	require.Equal(t, models.StatusCompleted, res.status)
	assert.Equal(t, 2, agents["dev"].callCount())

	// plan success, implement failure, implement success, review success.
	recs := st.recordedSteps()
	require.Len(t, recs, 4)
	assert.Equal(t, models.StepFailure, recs[1].Outcome)
	assert.Equal(t, "implement", recs[1].StepName)
	assert.Equal(t, 1, recs[1].Attempt)
	assert.Equal(t, models.StepSuccess, recs[2].Outcome)
	assert.Equal(t, "implement", recs[2].StepName)
	assert.Equal(t, 2, recs[2].Attempt)

	var reason models.StepFailureReason
	require.NoError(t, json.Unmarshal(recs[1].FailureReason, &reason))
	assert.Equal(t, "step_failed", reason.Code)
}

func TestRunFailsAfterRetriesExhausted(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	agents := defaultAgents()
	agents["dev"].failures = 100
	cfg := testEngineConfig()
	cfg.StepRetries = 2
	r := newTestRunner(st, pub, agents, cfg)

	rs := &runState{worker: "w1", grace: time.Millisecond, cancel: func() {}}
	res := r.Run(context.Background(), rs, testExecution())

	require.Equal(t, models.StatusFailed, res.status)
	require.NotNil(t, res.err)
	assert.Equal(t, "step_failed", res.err.Code)
	assert.Equal(t, "implement", res.err.LastStep)

	assert.Equal(t, 3, agents["dev"].callCount())
	assert.Equal(t, 0, agents["qa"].callCount())

	// plan success + three implement failures.
	recs := st.recordedSteps()
	require.Len(t, recs, 4)
	for i, rec := range recs[1:] {
		assert.Equal(t, models.StepFailure, rec.Outcome)
		assert.Equal(t, i+1, rec.Attempt)
	}
}

func TestRunFailsWhenSquadUnresolvable(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	r := NewRunner(st, pub, &fakeSquads{err: errors.New("boom")}, testPool(defaultAgents()), testEngineConfig())

	rs := &runState{worker: "w1", grace: time.Millisecond, cancel: func() {}}
	res := r.Run(context.Background(), rs, testExecution())

	require.Equal(t, models.StatusFailed, res.status)
	require.NotNil(t, res.err)
	assert.Equal(t, "squad_unresolved", res.err.Code)
	assert.Empty(t, pub.kinds())
}

func TestRunCancelRequestedEndsAsCancelled(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	agents := defaultAgents()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rs := &runState{worker: "w1", grace: time.Millisecond, cancel: cancel}

	// Cancellation arrives while the dev step's call is in flight.
	agents["dev"].onCall = func(int) { rs.RequestCancel() }

	r := newTestRunner(st, pub, agents, testEngineConfig())
	res := r.Run(ctx, rs, testExecution())

	require.Equal(t, models.StatusCancelled, res.status)
	assert.Equal(t, 0, agents["qa"].callCount())

	recs := st.recordedSteps()
	last := recs[len(recs)-1]
	assert.Equal(t, models.StepFailure, last.Outcome)
	var reason models.StepFailureReason
	require.NoError(t, json.Unmarshal(last.FailureReason, &reason))
	assert.Equal(t, "cancelled", reason.Code)
}

func TestRunAbandonsWhenLeaseLostOnRecord(t *testing.T) {
	st := newFakeStore()
	st.recordErrs = []error{nil, store.ErrLeaseLost} // plan ok, implement loses the lease
	pub := &fakePublisher{}
	agents := defaultAgents()
	r := newTestRunner(st, pub, agents, testEngineConfig())

	rs := &runState{worker: "w1", grace: time.Millisecond, cancel: func() {}}
	res := r.Run(context.Background(), rs, testExecution())

	require.True(t, res.abandoned)
	assert.Empty(t, res.status)
	assert.True(t, rs.abandoned.Load())
	assert.Equal(t, 0, agents["qa"].callCount())
}

func TestRunRetriesTransientRecordFailure(t *testing.T) {
	st := newFakeStore()
	st.recordErrs = []error{errors.New("connection reset")} // first RecordStep attempt
	pub := &fakePublisher{}
	agents := defaultAgents()
	r := newTestRunner(st, pub, agents, testEngineConfig())

	rs := &runState{worker: "w1", grace: time.Millisecond, cancel: func() {}}
	res := r.Run(context.Background(), rs, testExecution())

	require.Equal(t, models.StatusCompleted, res.status)
	// The agent ran once; only the store write was retried.
	assert.Equal(t, 1, agents["pm"].callCount())
}

func TestRunAbandonsWhenPublishFails(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{err: errors.New("event stream down")}
	agents := defaultAgents()
	r := newTestRunner(st, pub, agents, testEngineConfig())

	rs := &runState{worker: "w1", grace: time.Millisecond, cancel: func() {}}
	res := r.Run(context.Background(), rs, testExecution())

	require.True(t, res.abandoned)
	for _, a := range agents {
		assert.Equal(t, 0, a.callCount())
	}
}
