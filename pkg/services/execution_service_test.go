package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/squadron/pkg/config"
	"github.com/codeready-toolchain/squadron/pkg/models"
	"github.com/codeready-toolchain/squadron/pkg/store"
)

// fakeExecStore implements ExecutionStore in memory.
type fakeExecStore struct {
	mu sync.Mutex

	executions map[string]*models.Execution
	events     map[string][]models.AgentEvent
	activeRefs map[string]*models.Execution

	createErr error
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{
		executions: make(map[string]*models.Execution),
		events:     make(map[string][]models.AgentEvent),
		activeRefs: make(map[string]*models.Execution),
	}
}

func (f *fakeExecStore) CreateExecution(ctx context.Context, e *models.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, existing := range f.executions {
		if existing.TaskID == e.TaskID && !existing.Status.IsTerminal() {
			return store.ErrDuplicateTask
		}
	}
	cp := *e
	f.executions[e.ID] = &cp
	return nil
}

func (f *fakeExecStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeExecStore) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Execution{}
	for _, e := range f.executions {
		if filter.OrgID != "" && e.OrgID != filter.OrgID {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeExecStore) ReadEvents(ctx context.Context, executionID string, afterSeq uint64, limit int) ([]models.AgentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.AgentEvent{}
	for _, ev := range f.events[executionID] {
		if ev.SeqNo > afterSeq {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeExecStore) CancelIfQueued(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok || e.Status != models.StatusQueued {
		return false, nil
	}
	e.Status = models.StatusCancelled
	return true, nil
}

func (f *fakeExecStore) MarkCancelRequested(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok || e.Status != models.StatusRunning {
		return false, nil
	}
	e.CancelRequested = true
	return true, nil
}

func (f *fakeExecStore) GetActiveByVCSRef(ctx context.Context, ref string) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.activeRefs[ref]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

// fakeCatalog serves canned catalog rows.
type fakeCatalog struct {
	mu          sync.Mutex
	tasks       map[string]*models.Task
	squads      map[string]*models.Squad
	snapshots   map[string]*models.Snapshot
	invalidated []string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		tasks:     make(map[string]*models.Task),
		squads:    make(map[string]*models.Squad),
		snapshots: make(map[string]*models.Snapshot),
	}
}

func (f *fakeCatalog) Task(ctx context.Context, taskID string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeCatalog) Squad(ctx context.Context, squadID string) (*models.Squad, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.squads[squadID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeCatalog) ExecutionSnapshot(ctx context.Context, executionID string) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snapshots[executionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeCatalog) InvalidateExecution(ctx context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, executionID)
	return nil
}

// fakeBus collects published events.
type fakeBus struct {
	mu     sync.Mutex
	events []models.AgentEvent
	err    error
}

func (f *fakeBus) Publish(ctx context.Context, ev *models.AgentEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, *ev)
	return nil
}

func (f *fakeBus) published() []models.AgentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.AgentEvent, len(f.events))
	copy(out, f.events)
	return out
}

type fakeCanceller struct {
	mu     sync.Mutex
	called []string
	local  bool
}

func (f *fakeCanceller) CancelLocal(executionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = append(f.called, executionID)
	return f.local
}

type serviceFixture struct {
	store   *fakeExecStore
	catalog *fakeCatalog
	bus     *fakeBus
	engine  *fakeCanceller
	svc     *ExecutionService
}

func newServiceFixture(t *testing.T, cfg *config.EngineConfig) *serviceFixture {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultEngineConfig()
	}
	f := &serviceFixture{
		store:   newFakeExecStore(),
		catalog: newFakeCatalog(),
		bus:     &fakeBus{},
		engine:  &fakeCanceller{},
	}
	f.catalog.tasks["task-1"] = &models.Task{
		ID: "task-1", OrgID: "org-1", SquadID: "squad-1",
		Title: "Build the widget", Body: "build the widget end to end",
	}
	f.catalog.squads["squad-1"] = &models.Squad{
		ID: "squad-1", OrgID: "org-1", Name: "core",
		Pipeline: models.DefaultPipeline(),
	}
	f.svc = NewExecutionService(f.store, f.catalog, f.bus, f.engine, cfg)
	return f
}

func TestEnqueueCreatesQueuedExecution(t *testing.T) {
	f := newServiceFixture(t, nil)

	exec, err := f.svc.Enqueue(context.Background(), EnqueueRequest{
		TaskID:  "task-1",
		SquadID: "squad-1",
		Message: "start here",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, models.StatusQueued, exec.Status)
	assert.Equal(t, "org-1", exec.OrgID)
	assert.Equal(t, "start here", exec.InitialMessage)

	events := f.bus.published()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventStatusChange, events[0].Kind)
	assert.Equal(t, string(models.StatusQueued), events[0].Content)
	assert.Equal(t, exec.ID, events[0].ExecutionID)
}

func TestEnqueueDefaultsMessageToTaskBody(t *testing.T) {
	f := newServiceFixture(t, nil)

	exec, err := f.svc.Enqueue(context.Background(), EnqueueRequest{
		TaskID:  "task-1",
		SquadID: "squad-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "build the widget end to end", exec.InitialMessage)
}

func TestEnqueueValidation(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, EnqueueRequest{SquadID: "squad-1"})
	assert.True(t, IsValidationError(err))

	_, err = f.svc.Enqueue(ctx, EnqueueRequest{TaskID: "task-1"})
	assert.True(t, IsValidationError(err))

	_, err = f.svc.Enqueue(ctx, EnqueueRequest{TaskID: "missing", SquadID: "squad-1"})
	assert.ErrorIs(t, err, ErrNotFound)

	f.catalog.squads["squad-2"] = &models.Squad{ID: "squad-2", OrgID: "org-1"}
	_, err = f.svc.Enqueue(ctx, EnqueueRequest{TaskID: "task-1", SquadID: "squad-2"})
	assert.True(t, IsValidationError(err), "task/squad mismatch must be rejected")
}

func TestEnqueueRejectsSecondActiveExecutionPerTask(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, EnqueueRequest{TaskID: "task-1", SquadID: "squad-1"})
	require.NoError(t, err)

	_, err = f.svc.Enqueue(ctx, EnqueueRequest{TaskID: "task-1", SquadID: "squad-1"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestEnqueueRateLimitPerOrg(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	cfg.EnqueueRatePerOrg = 0.001 // effectively no refill during the test
	cfg.EnqueueBurstPerOrg = 2
	f := newServiceFixture(t, cfg)
	ctx := context.Background()

	f.catalog.tasks["task-2"] = &models.Task{ID: "task-2", OrgID: "org-1", SquadID: "squad-1"}
	f.catalog.tasks["task-3"] = &models.Task{ID: "task-3", OrgID: "org-1", SquadID: "squad-1"}
	f.catalog.tasks["task-other"] = &models.Task{ID: "task-other", OrgID: "org-2", SquadID: "squad-1"}

	_, err := f.svc.Enqueue(ctx, EnqueueRequest{TaskID: "task-1", SquadID: "squad-1"})
	require.NoError(t, err)
	_, err = f.svc.Enqueue(ctx, EnqueueRequest{TaskID: "task-2", SquadID: "squad-1"})
	require.NoError(t, err)

	_, err = f.svc.Enqueue(ctx, EnqueueRequest{TaskID: "task-3", SquadID: "squad-1"})
	assert.ErrorIs(t, err, ErrRateLimited)

	// Another organization has its own bucket.
	_, err = f.svc.Enqueue(ctx, EnqueueRequest{TaskID: "task-other", SquadID: "squad-1"})
	require.NoError(t, err)
}

func TestStatusServesSnapshot(t *testing.T) {
	f := newServiceFixture(t, nil)
	f.catalog.snapshots["exec-1"] = &models.Snapshot{
		ExecutionID: "exec-1", Status: models.StatusRunning, Progress: 66,
	}

	snap, err := f.svc.Status(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, snap.Status)
	assert.Equal(t, 66, snap.Progress)

	_, err = f.svc.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelQueuedGoesTerminalDirectly(t *testing.T) {
	f := newServiceFixture(t, nil)
	f.store.executions["exec-1"] = &models.Execution{
		ID: "exec-1", SquadID: "squad-1", TaskID: "task-1", Status: models.StatusQueued,
	}

	outcome, err := f.svc.Cancel(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, Cancelled, outcome)
	assert.Equal(t, models.StatusCancelled, f.store.executions["exec-1"].Status)

	events := f.bus.published()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventCancelled, events[0].Kind)
	assert.Contains(t, f.catalog.invalidated, "exec-1")
	assert.Empty(t, f.engine.called, "queued cancel needs no engine round-trip")
}

func TestCancelRunningFlagsAndCancelsLocally(t *testing.T) {
	f := newServiceFixture(t, nil)
	f.engine.local = true
	f.store.executions["exec-1"] = &models.Execution{
		ID: "exec-1", SquadID: "squad-1", Status: models.StatusRunning,
	}

	outcome, err := f.svc.Cancel(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, CancelRequested, outcome)
	assert.True(t, f.store.executions["exec-1"].CancelRequested)
	assert.Equal(t, []string{"exec-1"}, f.engine.called)
	// The worker publishes the terminal event, not the service.
	assert.Empty(t, f.bus.published())
}

func TestCancelTerminalAndMissing(t *testing.T) {
	f := newServiceFixture(t, nil)
	f.store.executions["exec-done"] = &models.Execution{
		ID: "exec-done", Status: models.StatusCompleted,
	}

	_, err := f.svc.Cancel(context.Background(), "exec-done")
	assert.ErrorIs(t, err, ErrTerminal)

	_, err = f.svc.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventsRequiresExistingExecution(t *testing.T) {
	f := newServiceFixture(t, nil)

	_, err := f.svc.Events(context.Background(), "missing", 0, 100)
	assert.ErrorIs(t, err, ErrNotFound)

	f.store.executions["exec-1"] = &models.Execution{ID: "exec-1", Status: models.StatusRunning}
	f.store.events["exec-1"] = []models.AgentEvent{
		{ExecutionID: "exec-1", SeqNo: 1, Kind: models.EventStatusChange},
		{ExecutionID: "exec-1", SeqNo: 2, Kind: models.EventStepStart},
		{ExecutionID: "exec-1", SeqNo: 3, Kind: models.EventAgentMessage},
	}

	events, err := f.svc.Events(context.Background(), "exec-1", 1, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].SeqNo)
	assert.Equal(t, uint64(3), events[1].SeqNo)
}
