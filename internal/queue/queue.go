// Package queue serializes experiment runs against a single execution slot.
//
// Requests wait in FIFO order. When the slot is free the head request gets a
// fresh session key, its configuration is built and the run is submitted to
// the runner pool. A per-run supervisor goroutine waits a bounded time for the
// runner's readiness token, notifies the account, then waits for the run to
// terminate and drives completion: the duration is recorded on the scheduled
// experiment, the slot is freed and the next request is dispatched.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/perfqueue/internal/db"
	"github.com/livinlefevreloca/perfqueue/internal/runner"
	"github.com/livinlefevreloca/perfqueue/internal/tokens"
)

// activeRun is the request occupying the execution slot
type activeRun struct {
	request    *RunRequest
	sessionKey string
	tokenKey   string
	handle     *runner.Handle

	token    string
	hasToken bool
}

// Queue is the execution queue. The zero value is not usable; use New.
type Queue struct {
	config    Config
	builder   ConfigBuilder
	submitter Submitter
	tokens    TokenSource
	store     Persistence
	notifier  Notifier
	logger    *slog.Logger

	now    func() time.Time
	newKey func() string

	// mu covers waiting and active as one unit
	mu      sync.Mutex
	waiting []*RunRequest
	active  *activeRun
	closed  bool

	wg sync.WaitGroup
}

// Option customizes a Queue
type Option func(*Queue)

// WithClock replaces the clock used for run timestamps
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithSessionKeys replaces the session key generator
func WithSessionKeys(newKey func() string) Option {
	return func(q *Queue) {
		q.newKey = newKey
	}
}

// New creates an execution queue
func New(
	config Config,
	builder ConfigBuilder,
	submitter Submitter,
	tokenSource TokenSource,
	store Persistence,
	notifier Notifier,
	logger *slog.Logger,
	opts ...Option,
) *Queue {
	q := &Queue{
		config:    config,
		builder:   builder,
		submitter: submitter,
		tokens:    tokenSource,
		store:     store,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
		newKey:    uuid.NewString,
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Enqueue appends a request to the waiting list and dispatches it if the slot
// is free. It never blocks on execution and never fails; a request without an
// id gets a generated one. Returns the id the request was queued under.
func (q *Queue) Enqueue(req RunRequest) string {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.StartedAt = time.Time{}
	req.EndedAt = time.Time{}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn("queue closed, dropping run request",
			"run_id", req.ID,
			"account", req.Account)
		return req.ID
	}

	req.EnqueuedAt = q.now()
	q.waiting = append(q.waiting, &req)
	q.logger.Info("run request enqueued",
		"run_id", req.ID,
		"account", req.Account,
		"controller", req.Controller,
		"waiting", len(q.waiting))

	q.dispatchLocked()
	q.mu.Unlock()

	return req.ID
}

// dispatchLocked fills a free slot from the head of the waiting list.
// Requests whose configuration cannot be built are dropped and the next one
// is tried, so the slot never stays occupied by a run that was not started.
// Must be called with mu held.
func (q *Queue) dispatchLocked() {
	for q.active == nil && len(q.waiting) > 0 && !q.closed {
		req := q.waiting[0]
		q.waiting[0] = nil
		q.waiting = q.waiting[1:]

		sessionKey := q.newKey()
		configuration, err := q.builder.Build(runner.BuildRequest{
			SessionKey:    sessionKey,
			Controller:    req.Controller,
			Scenario:      req.Scenario,
			Configuration: req.Configuration,
		})
		if err != nil {
			req.EndedAt = q.now()
			q.logger.Error("failed to build run configuration, dropping request",
				"run_id", req.ID,
				"account", req.Account,
				"error", err)
			continue
		}

		run := &activeRun{
			request:    req,
			sessionKey: sessionKey,
			tokenKey:   tokens.Key(sessionKey, req.Controller),
		}
		run.handle = q.submitter.Submit(runner.Spec{
			RunID:         req.ID,
			Account:       req.Account,
			SessionKey:    sessionKey,
			TokenKey:      run.tokenKey,
			Controller:    req.Controller,
			Configuration: configuration,
		})
		req.StartedAt = q.now()
		q.active = run

		q.logger.Info("run dispatched",
			"run_id", req.ID,
			"account", req.Account,
			"session_key", sessionKey)

		q.wg.Add(1)
		go q.supervise(run)
	}
}

// supervise follows one run from token wait to completion
func (q *Queue) supervise(run *activeRun) {
	defer q.wg.Done()

	token, found := q.awaitToken(run)

	q.mu.Lock()
	if q.active == run && found {
		run.token = token
		run.hasToken = true
	}
	q.mu.Unlock()

	if found {
		q.logger.Info("runner token received", "run_id", run.request.ID)
	} else {
		q.logger.Warn("no runner token within poll ceiling, status queries unavailable",
			"run_id", run.request.ID,
			"attempts", q.config.TokenPollAttempts,
			"interval", q.config.TokenPollInterval)
	}

	q.notifier.Notify(run.request.Account)

	q.awaitCompletion(run)
	q.finish(run)
}

// awaitToken polls the token source on a ticker. The first lookup happens
// immediately, giving TokenPollAttempts lookups in total. A run that ends
// early stops the wait.
func (q *Queue) awaitToken(run *activeRun) (string, bool) {
	if token, ok := q.tokens.Lookup(run.tokenKey); ok {
		return token, true
	}

	ticker := time.NewTicker(q.config.TokenPollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt < q.config.TokenPollAttempts; attempt++ {
		select {
		case <-ticker.C:
		case <-run.handle.Done():
			return q.tokens.Lookup(run.tokenKey)
		}

		if token, ok := q.tokens.Lookup(run.tokenKey); ok {
			return token, true
		}
	}

	return "", false
}

// awaitCompletion blocks until the run terminates, cancelling it once the
// run timeout elapses
func (q *Queue) awaitCompletion(run *activeRun) {
	if q.config.RunTimeout <= 0 {
		<-run.handle.Done()
		return
	}

	timer := time.NewTimer(q.config.RunTimeout)
	defer timer.Stop()

	select {
	case <-run.handle.Done():
	case <-timer.C:
		q.logger.Warn("run exceeded timeout, cancelling",
			"run_id", run.request.ID,
			"timeout", q.config.RunTimeout)
		run.handle.Cancel()
		<-run.handle.Done()
	}
}

// finish completes a terminated run: the duration is appended to the
// scheduled experiment, the slot and token are cleared and the next request
// is dispatched before any new enqueue can observe the free slot.
func (q *Queue) finish(run *activeRun) {
	q.mu.Lock()
	if q.active != run {
		q.mu.Unlock()
		return
	}

	req := run.request
	req.EndedAt = q.now()
	duration := req.EndedAt.Sub(req.StartedAt)

	q.recordDuration(req, duration)

	q.active = nil
	q.tokens.Remove(run.tokenKey)

	q.logger.Info("run finished",
		"run_id", req.ID,
		"account", req.Account,
		"state", run.handle.State(),
		"duration", duration,
		"error", run.handle.Err())

	q.dispatchLocked()
	q.mu.Unlock()

	q.notifier.Notify(req.Account)
}

// recordDuration appends duration to the scheduled experiment the request
// belongs to. Requests without a record are not an error. Called with mu held
// so durations of consecutive runs are stored in completion order.
func (q *Queue) recordDuration(req *RunRequest, duration time.Duration) {
	err := q.store.AppendDuration(req.ID, duration)
	switch {
	case err == nil:
	case db.IsNotFound(err):
		q.logger.Debug("no scheduled experiment for run, duration not recorded", "run_id", req.ID)
	default:
		q.logger.Error("failed to store run duration",
			"run_id", req.ID,
			"duration", duration,
			"error", err)
	}
}

// CurrentToken returns the readiness token of the active run
func (q *Queue) CurrentToken() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active == nil || !q.active.hasToken {
		return "", false
	}
	return q.active.token, true
}

// IsExecuting reports whether the active run is neither done nor cancelled
func (q *Queue) IsExecuting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executingLocked()
}

func (q *Queue) executingLocked() bool {
	return q.active != nil && !q.active.handle.IsDone() && !q.active.handle.IsCancelled()
}

// IsLoaded reports whether a run occupies the slot, whatever its handle state
func (q *Queue) IsLoaded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active != nil
}

// CurrentlyRunning returns a copy of the active request
func (q *Queue) CurrentlyRunning() (RunRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active == nil {
		return RunRequest{}, false
	}
	return *q.active.request, true
}

// Waiting returns copies of the waiting requests in dispatch order
func (q *Queue) Waiting() []RunRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waitingLocked()
}

func (q *Queue) waitingLocked() []RunRequest {
	waiting := make([]RunRequest, len(q.waiting))
	for i, req := range q.waiting {
		waiting[i] = *req
	}
	return waiting
}

// Status returns a consistent snapshot of the queue
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := Status{
		Executing: q.executingLocked(),
		Loaded:    q.active != nil,
		Waiting:   q.waitingLocked(),
	}
	if q.active != nil {
		current := *q.active.request
		status.Current = &current
		if q.active.hasToken {
			status.Token = q.active.token
		}
	}
	return status
}

// Shutdown stops dispatching, cancels the active run and waits for its
// completion to be recorded or ctx to end. Waiting requests are dropped.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	dropped := len(q.waiting)
	q.waiting = nil
	if q.active != nil {
		q.active.handle.Cancel()
	}
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Warn("queue shutting down, dropping waiting requests", "dropped", dropped)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
