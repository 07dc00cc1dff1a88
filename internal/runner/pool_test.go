package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/perfqueue/internal/testutil"
)

// funcExecutor adapts a function to the Executor interface
type funcExecutor func(ctx context.Context, spec Spec) error

func (f funcExecutor) Execute(ctx context.Context, spec Spec) error {
	return f(ctx, spec)
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not terminate")
	}
}

func TestPool_SubmitSucceeds(t *testing.T) {
	logger := testutil.NewTestLogger()
	release := make(chan struct{})
	pool := NewPool(funcExecutor(func(ctx context.Context, spec Spec) error {
		<-release
		return nil
	}), logger.Logger())

	h := pool.Submit(Spec{RunID: "r1"})
	assert.Equal(t, "r1", h.RunID())

	testutil.WaitFor(t, func() bool { return h.State() == StateRunning }, time.Second, "running state")
	assert.False(t, h.IsDone())

	close(release)
	waitDone(t, h)

	assert.True(t, h.IsDone())
	assert.False(t, h.IsCancelled())
	assert.Equal(t, StateSucceeded, h.State())
	assert.NoError(t, h.Err())
}

func TestPool_FailureIsRecorded(t *testing.T) {
	logger := testutil.NewTestLogger()
	boom := errors.New("boom")
	pool := NewPool(funcExecutor(func(ctx context.Context, spec Spec) error {
		return boom
	}), logger.Logger())

	h := pool.Submit(Spec{RunID: "r1"})
	waitDone(t, h)

	assert.Equal(t, StateFailed, h.State())
	assert.ErrorIs(t, h.Err(), boom)
}

func TestPool_CancelPropagatesToExecutor(t *testing.T) {
	logger := testutil.NewTestLogger()
	pool := NewPool(funcExecutor(func(ctx context.Context, spec Spec) error {
		<-ctx.Done()
		return ctx.Err()
	}), logger.Logger())

	h := pool.Submit(Spec{RunID: "r1"})
	h.Cancel()
	waitDone(t, h)

	assert.True(t, h.IsCancelled())
	assert.Equal(t, StateCancelled, h.State())
}

func TestPool_PanicIsRecovered(t *testing.T) {
	logger := testutil.NewTestLogger()
	pool := NewPool(funcExecutor(func(ctx context.Context, spec Spec) error {
		panic("runner exploded")
	}), logger.Logger())

	h := pool.Submit(Spec{RunID: "r1"})
	waitDone(t, h)

	assert.Equal(t, StateFailed, h.State())
	assert.Error(t, h.Err())
	assert.True(t, logger.HasError())
}

func TestPool_Shutdown(t *testing.T) {
	logger := testutil.NewTestLogger()
	pool := NewPool(funcExecutor(func(ctx context.Context, spec Spec) error {
		<-ctx.Done()
		return ctx.Err()
	}), logger.Logger())

	h1 := pool.Submit(Spec{RunID: "r1"})
	h2 := pool.Submit(Spec{RunID: "r2"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	assert.True(t, h1.IsDone())
	assert.True(t, h2.IsDone())
	assert.Equal(t, StateCancelled, h1.State())
}
