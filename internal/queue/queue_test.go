package queue

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

	"github.com/livinlefevreloca/perfqueue/internal/db"
	"github.com/livinlefevreloca/perfqueue/internal/runner"
	"github.com/livinlefevreloca/perfqueue/internal/testutil"
	"github.com/livinlefevreloca/perfqueue/internal/tokens"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// controlledExecutor blocks every run until the test finishes it
type controlledExecutor struct {
	mu        sync.Mutex
	releases  map[string]chan error
	started   chan runner.Spec
	ignoreCtx bool
}

func newControlledExecutor() *controlledExecutor {
	return &controlledExecutor{
		releases: make(map[string]chan error),
		started:  make(chan runner.Spec, 100),
	}
}

func (e *controlledExecutor) release(runID string) chan error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.releases[runID]
	if !ok {
		ch = make(chan error, 1)
		e.releases[runID] = ch
	}
	return ch
}

func (e *controlledExecutor) Execute(ctx context.Context, spec runner.Spec) error {
	ch := e.release(spec.RunID)
	e.started <- spec

	if e.ignoreCtx {
		return <-ch
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *controlledExecutor) finish(runID string, err error) {
	e.release(runID) <- err
}

func (e *controlledExecutor) nextStarted(t *testing.T) runner.Spec {
	t.Helper()
	select {
	case spec := <-e.started:
		return spec
	case <-time.After(2 * time.Second):
		t.Fatal("no run started")
		return runner.Spec{}
	}
}

func (e *controlledExecutor) assertNoneStarted(t *testing.T) {
	t.Helper()
	select {
	case spec := <-e.started:
		t.Fatalf("unexpected run started: %s", spec.RunID)
	case <-time.After(50 * time.Millisecond):
	}
}

// fakeBuilder echoes the session key and fails for configured run ids
type fakeBuilder struct {
	mu     sync.Mutex
	failOn map[string]bool
	keys   []string
}

func (b *fakeBuilder) Build(req runner.BuildRequest) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, req.SessionKey)
	if b.failOn[req.Controller] {
		return nil, fmt.Errorf("%w: controller rejected", runner.ErrInvalidConfiguration)
	}
	return json.RawMessage(fmt.Sprintf(`{"session_key":%q}`, req.SessionKey)), nil
}

// fakeStore keeps scheduled experiments in memory
type fakeStore struct {
	mu   sync.Mutex
	exps map[string]*db.ScheduledExperiment
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{exps: make(map[string]*db.ScheduledExperiment)}
	for _, id := range ids {
		s.exps[id] = &db.ScheduledExperiment{ID: id, Account: "A"}
	}
	return s
}

func (s *fakeStore) AppendDuration(id string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.exps[id]
	if !ok {
		return db.ErrNotFound
	}
	exp.Durations = append(exp.Durations, d)
	return nil
}

func (s *fakeStore) durations(id string) []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.exps[id]; ok {
		return append([]time.Duration(nil), exp.Durations...)
	}
	return nil
}

// fakeNotifier records every notification
type fakeNotifier struct {
	mu       sync.Mutex
	accounts []string
	times    []time.Time
}

func (n *fakeNotifier) Notify(account string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts = append(n.accounts, account)
	n.times = append(n.times, time.Now())
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.accounts)
}

func (n *fakeNotifier) firstAt() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.times[0]
}

func (n *fakeNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.accounts...)
}

type harness struct {
	queue    *Queue
	exec     *controlledExecutor
	builder  *fakeBuilder
	registry *tokens.Registry
	store    *fakeStore
	notifier *fakeNotifier
	logger   *testutil.TestLogger
	clock    *testutil.MockClock
}

func fastConfig() Config {
	return Config{
		TokenPollAttempts: 5,
		TokenPollInterval: 10 * time.Millisecond,
	}
}

func newHarness(t *testing.T, config Config, storeIDs ...string) *harness {
	t.Helper()

	h := &harness{
		exec:     newControlledExecutor(),
		builder:  &fakeBuilder{failOn: map[string]bool{}},
		registry: tokens.NewRegistry(),
		store:    newFakeStore(storeIDs...),
		notifier: &fakeNotifier{},
		logger:   testutil.NewTestLogger(),
		clock:    testutil.NewMockClock(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)),
	}

	var keyMu sync.Mutex
	keyN := 0
	pool := runner.NewPool(h.exec, h.logger.Logger())
	h.queue = New(config, h.builder, pool, h.registry, h.store, h.notifier, h.logger.Logger(),
		WithClock(h.clock.Func()),
		WithSessionKeys(func() string {
			keyMu.Lock()
			defer keyMu.Unlock()
			keyN++
			return fmt.Sprintf("key-%d", keyN)
		}),
	)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.queue.Shutdown(ctx)
		pool.Shutdown(ctx)
	})

	return h
}

func request(id string) RunRequest {
	return RunRequest{ID: id, Account: "A", Controller: "rmi://ctrl:1099/PC"}
}

func currentID(q *Queue) string {
	current, ok := q.CurrentlyRunning()
	if !ok {
		return ""
	}
	return current.ID
}

// =============================================================================
// Dispatch Tests
// =============================================================================

func TestEnqueue_DispatchesWhenIdle(t *testing.T) {
	h := newHarness(t, fastConfig())

	id := h.queue.Enqueue(request("r1"))
	assert.Equal(t, "r1", id)

	spec := h.exec.nextStarted(t)
	assert.Equal(t, "r1", spec.RunID)
	assert.Equal(t, "key-1", spec.SessionKey)
	assert.Equal(t, "key-1rmi://ctrl:1099/PC", spec.TokenKey)
	assert.JSONEq(t, `{"session_key":"key-1"}`, string(spec.Configuration))

	assert.True(t, h.queue.IsLoaded())
	testutil.WaitFor(t, h.queue.IsExecuting, time.Second, "executing")

	current, ok := h.queue.CurrentlyRunning()
	require.True(t, ok)
	assert.Equal(t, h.clock.Now(), current.EnqueuedAt)
	assert.Equal(t, h.clock.Now(), current.StartedAt)
	assert.True(t, current.EndedAt.IsZero())
	assert.Empty(t, h.queue.Waiting())
}

func TestEnqueue_GeneratesMissingID(t *testing.T) {
	h := newHarness(t, fastConfig())

	id := h.queue.Enqueue(RunRequest{Account: "A", Controller: "socket://lab"})

	assert.NotEmpty(t, id)
	assert.Equal(t, id, h.exec.nextStarted(t).RunID)
}

func TestQueue_AtMostOneActiveFIFO(t *testing.T) {
	h := newHarness(t, fastConfig())

	h.queue.Enqueue(request("r1"))
	h.queue.Enqueue(request("r2"))
	h.queue.Enqueue(request("r3"))

	assert.Equal(t, "r1", h.exec.nextStarted(t).RunID)
	h.exec.assertNoneStarted(t)

	waiting := h.queue.Waiting()
	require.Len(t, waiting, 2)
	assert.Equal(t, "r2", waiting[0].ID)
	assert.Equal(t, "r3", waiting[1].ID)
	for _, req := range waiting {
		assert.NotEqual(t, currentID(h.queue), req.ID, "waiting must not contain the active run")
	}

	h.exec.finish("r1", nil)
	assert.Equal(t, "r2", h.exec.nextStarted(t).RunID)
	h.exec.assertNoneStarted(t)

	h.exec.finish("r2", errors.New("controller lost"))
	assert.Equal(t, "r3", h.exec.nextStarted(t).RunID)

	h.exec.finish("r3", nil)
	testutil.WaitFor(t, func() bool { return !h.queue.IsLoaded() }, time.Second, "slot freed")
	assert.Empty(t, h.queue.Waiting())
}

func TestQueue_SessionKeysAreFreshPerRun(t *testing.T) {
	h := newHarness(t, fastConfig())

	h.queue.Enqueue(request("r1"))
	first := h.exec.nextStarted(t)
	h.exec.finish("r1", nil)

	h.queue.Enqueue(request("r1"))
	second := h.exec.nextStarted(t)

	assert.NotEqual(t, first.SessionKey, second.SessionKey)
}

func TestQueue_RedispatchIsNotOvertaken(t *testing.T) {
	h := newHarness(t, fastConfig())

	h.queue.Enqueue(request("r1"))
	h.queue.Enqueue(request("r2"))
	h.exec.nextStarted(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			h.queue.Enqueue(request(fmt.Sprintf("late-%d", i)))
		}
	}()
	h.exec.finish("r1", nil)
	wg.Wait()

	assert.Equal(t, "r2", h.exec.nextStarted(t).RunID)
}

// =============================================================================
// Completion Tests
// =============================================================================

func TestFinish_RecordsExactDuration(t *testing.T) {
	h := newHarness(t, fastConfig(), "r1")

	h.queue.Enqueue(request("r1"))
	h.exec.nextStarted(t)

	h.clock.Advance(1234 * time.Millisecond)
	h.exec.finish("r1", nil)

	testutil.WaitFor(t, func() bool { return len(h.store.durations("r1")) == 1 }, time.Second, "duration stored")
	assert.Equal(t, []time.Duration{1234 * time.Millisecond}, h.store.durations("r1"))
	assert.False(t, h.queue.IsLoaded())
}

func TestFinish_AppendsToExistingHistory(t *testing.T) {
	h := newHarness(t, fastConfig(), "r1")
	h.store.exps["r1"].Durations = []time.Duration{time.Minute}

	h.queue.Enqueue(request("r1"))
	h.exec.nextStarted(t)
	h.clock.Advance(time.Second)
	h.exec.finish("r1", nil)

	testutil.WaitFor(t, func() bool { return len(h.store.durations("r1")) == 2 }, time.Second, "duration appended")
	assert.Equal(t, []time.Duration{time.Minute, time.Second}, h.store.durations("r1"))
}

func TestFinish_MissingRecordIsIgnored(t *testing.T) {
	h := newHarness(t, fastConfig())

	h.queue.Enqueue(request("adhoc"))
	h.exec.nextStarted(t)
	h.exec.finish("adhoc", nil)

	testutil.WaitFor(t, func() bool { return !h.queue.IsLoaded() }, time.Second, "slot freed")
	assert.False(t, h.logger.HasError())
}

func TestFinish_FailedRunStillCompletes(t *testing.T) {
	h := newHarness(t, fastConfig(), "r1")

	h.queue.Enqueue(request("r1"))
	h.exec.nextStarted(t)
	h.clock.Advance(time.Second)
	h.exec.finish("r1", errors.New("runner crashed"))

	testutil.WaitFor(t, func() bool { return len(h.store.durations("r1")) == 1 }, time.Second, "duration stored")
}

// =============================================================================
// Token Tests
// =============================================================================

func TestToken_FoundDuringWait(t *testing.T) {
	config := Config{TokenPollAttempts: 100, TokenPollInterval: 10 * time.Millisecond}
	h := newHarness(t, config)

	h.queue.Enqueue(request("r1"))
	spec := h.exec.nextStarted(t)

	_, ok := h.queue.CurrentToken()
	assert.False(t, ok)

	time.Sleep(30 * time.Millisecond)
	h.registry.Register(spec.TokenKey, "tok-r1")

	testutil.WaitFor(t, func() bool {
		token, ok := h.queue.CurrentToken()
		return ok && token == "tok-r1"
	}, time.Second, "token recorded")
	assert.Equal(t, "tok-r1", h.queue.Status().Token)

	h.exec.finish("r1", nil)
	testutil.WaitFor(t, func() bool { return !h.queue.IsLoaded() }, time.Second, "slot freed")

	_, ok = h.queue.CurrentToken()
	assert.False(t, ok)
	_, ok = h.registry.Lookup(spec.TokenKey)
	assert.False(t, ok, "token must be removed once the run finishes")
}

func TestToken_TimeoutResolvesWithinCeiling(t *testing.T) {
	h := newHarness(t, Config{TokenPollAttempts: 10, TokenPollInterval: 10 * time.Millisecond})

	start := time.Now()
	h.queue.Enqueue(request("r1"))
	h.exec.nextStarted(t)

	testutil.WaitFor(t, func() bool { return h.notifier.count() == 1 }, 2*time.Second, "start notification")
	elapsed := h.notifier.firstAt().Sub(start)

	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	_, ok := h.queue.CurrentToken()
	assert.False(t, ok)
	assert.True(t, h.queue.IsLoaded(), "a run without token keeps executing")
	assert.True(t, h.logger.HasWarning())
}

func TestToken_EarlyCompletionEndsWait(t *testing.T) {
	h := newHarness(t, Config{TokenPollAttempts: 1000, TokenPollInterval: 10 * time.Millisecond}, "r1")

	h.queue.Enqueue(request("r1"))
	h.exec.nextStarted(t)
	h.exec.finish("r1", nil)

	testutil.WaitFor(t, func() bool { return h.notifier.count() == 2 }, time.Second, "start and finish notifications")
	assert.False(t, h.queue.IsLoaded())
}

// =============================================================================
// Failure and Lifecycle Tests
// =============================================================================

func TestConfigError_DropsRequestAndFreesSlot(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.builder.failOn["rmi://bad:1099/PC"] = true

	bad := request("bad")
	bad.Controller = "rmi://bad:1099/PC"
	h.queue.Enqueue(bad)

	assert.False(t, h.queue.IsLoaded())
	assert.True(t, h.logger.HasError())

	h.queue.Enqueue(request("r2"))
	assert.Equal(t, "r2", h.exec.nextStarted(t).RunID)
}

func TestConfigError_NextWaitingIsDispatched(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.builder.failOn["rmi://bad:1099/PC"] = true

	h.queue.Enqueue(request("r1"))
	h.exec.nextStarted(t)

	bad := request("bad")
	bad.Controller = "rmi://bad:1099/PC"
	h.queue.Enqueue(bad)
	h.queue.Enqueue(request("r3"))

	h.exec.finish("r1", nil)
	assert.Equal(t, "r3", h.exec.nextStarted(t).RunID)
}

func TestIsExecuting_FalseOnceCancelledButStillLoaded(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.exec.ignoreCtx = true

	h.queue.Enqueue(request("r1"))
	h.exec.nextStarted(t)
	testutil.WaitFor(t, h.queue.IsExecuting, time.Second, "executing")

	h.queue.mu.Lock()
	h.queue.active.handle.Cancel()
	h.queue.mu.Unlock()

	assert.False(t, h.queue.IsExecuting())
	assert.True(t, h.queue.IsLoaded())

	h.exec.finish("r1", nil)
	testutil.WaitFor(t, func() bool { return !h.queue.IsLoaded() }, time.Second, "slot freed")
}

func TestRunTimeout_CancelsAndFinishes(t *testing.T) {
	config := fastConfig()
	config.RunTimeout = 50 * time.Millisecond
	h := newHarness(t, config, "r1")

	h.queue.Enqueue(request("r1"))
	h.queue.Enqueue(request("r2"))
	h.exec.nextStarted(t)

	assert.Equal(t, "r2", h.exec.nextStarted(t).RunID)
	assert.Len(t, h.store.durations("r1"), 1)
	_, found := h.logger.FindMessage("exceeded timeout")
	assert.True(t, found)
}

func TestShutdown_CancelsActiveAndDropsWaiting(t *testing.T) {
	h := newHarness(t, fastConfig(), "r1")

	h.queue.Enqueue(request("r1"))
	h.queue.Enqueue(request("r2"))
	h.exec.nextStarted(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Shutdown(ctx))

	assert.False(t, h.queue.IsLoaded())
	assert.Empty(t, h.queue.Waiting())
	assert.Len(t, h.store.durations("r1"), 1)
	h.exec.assertNoneStarted(t)

	h.queue.Enqueue(request("r3"))
	assert.False(t, h.queue.IsLoaded())
}

// =============================================================================
// Example Scenario
// =============================================================================

// Two requests on one account: the first gets its token after 30ms and runs
// for 500ms, the second is dispatched automatically once the first finishes.
func TestScenario_TwoRequestsOneAccount(t *testing.T) {
	config := Config{TokenPollAttempts: 100, TokenPollInterval: 10 * time.Millisecond}
	h := newHarness(t, config, "R1", "R2")

	h.queue.Enqueue(request("R1"))
	h.queue.Enqueue(request("R2"))

	r1 := h.exec.nextStarted(t)
	assert.Equal(t, "R1", r1.RunID)
	assert.Equal(t, []string{"R2"}, []string{h.queue.Waiting()[0].ID})

	time.Sleep(30 * time.Millisecond)
	h.registry.Register(r1.TokenKey, "token-R1")
	testutil.WaitFor(t, func() bool {
		token, ok := h.queue.CurrentToken()
		return ok && token == "token-R1"
	}, time.Second, "R1 token")
	testutil.WaitFor(t, func() bool { return h.notifier.count() == 1 }, time.Second, "R1 start notification")

	h.clock.Advance(500 * time.Millisecond)
	h.exec.finish("R1", nil)

	r2 := h.exec.nextStarted(t)
	assert.Equal(t, "R2", r2.RunID)
	testutil.WaitFor(t, func() bool { return h.notifier.count() == 2 }, time.Second, "R1 finish notification")

	assert.Equal(t, []string{"A", "A"}, h.notifier.snapshot())
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, h.store.durations("R1"))
	assert.Equal(t, "R2", currentID(h.queue))
	assert.Empty(t, h.queue.Waiting())
}
