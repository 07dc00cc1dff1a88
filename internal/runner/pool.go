// Package runner builds run configurations and executes external runner
// processes on a pool of goroutines.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Spec describes one run handed to an Executor
type Spec struct {
	RunID         string
	Account       string
	SessionKey    string
	TokenKey      string
	Controller    string
	Configuration json.RawMessage
}

// Executor runs a single external runner to completion. Execute must return
// promptly once ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, spec Spec) error
}

// State is the lifecycle state of a submitted run
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Handle observes and controls a submitted run
type Handle struct {
	runID  string
	done   chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	err       error
	cancelled bool
}

// RunID returns the id of the run this handle belongs to
func (h *Handle) RunID() string {
	return h.runID
}

// Done is closed when the run has terminated, whatever the outcome
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel requests cancellation. The run still terminates through Done.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.cancel()
}

// IsDone reports whether the run has terminated
func (h *Handle) IsDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether cancellation was requested
func (h *Handle) IsCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// State returns the current lifecycle state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the run's error once it is done
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) setState(state State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	switch {
	case h.cancelled || errors.Is(err, context.Canceled):
		h.state = StateCancelled
	case err != nil:
		h.state = StateFailed
	default:
		h.state = StateSucceeded
	}
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Pool executes runs concurrently. It places no limit on concurrency.
type Pool struct {
	executor Executor
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool that executes runs with executor
func NewPool(executor Executor, logger *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		executor: executor,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit starts spec on a new goroutine and returns its handle immediately
func (p *Pool) Submit(spec Spec) *Handle {
	ctx, cancel := context.WithCancel(p.ctx)
	h := &Handle{
		runID:  spec.RunID,
		done:   make(chan struct{}),
		cancel: cancel,
		state:  StatePending,
	}

	p.wg.Add(1)
	go p.run(ctx, h, spec)

	return h
}

func (p *Pool) run(ctx context.Context, h *Handle, spec Spec) {
	var err error

	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("runner panic recovered",
				"run_id", spec.RunID,
				"panic", r)
			err = fmt.Errorf("runner panic: %v", r)
		}
		h.cancel()
		h.finish(err)
		p.logger.Info("run terminated",
			"run_id", spec.RunID,
			"state", h.State(),
			"error", err)
	}()

	h.setState(StateRunning)
	p.logger.Info("run started",
		"run_id", spec.RunID,
		"session_key", spec.SessionKey,
		"controller", spec.Controller)

	err = p.executor.Execute(ctx, spec)
}

// Shutdown cancels every running run and waits for them to terminate or ctx to end
func (p *Pool) Shutdown(ctx context.Context) error {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
