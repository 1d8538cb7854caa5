package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/envalloc/envalloc/pkg/alloc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startDispatcher(t *testing.T, runner Runner, workers int) (*Dispatcher, *MemoryQueue[Task]) {
	t.Helper()
	q := NewMemoryQueue[Task](QueueConfig{MaxRetries: 2, Buffer: 16})
	d := New(q, runner, zerolog.Nop(), Config{Workers: workers})
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, d.Shutdown(ctx))
	})
	return d, q
}

func waitHandle(t *testing.T, h *Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "task did not finish")
	return err
}

func TestSubmitDeduplicatesByRequestID(t *testing.T) {
	release := make(chan struct{})
	var (
		mu   sync.Mutex
		runs int
	)
	runner := RunnerFunc(func(ctx context.Context, task Task) error {
		mu.Lock()
		runs++
		mu.Unlock()
		<-release
		return nil
	})
	d, _ := startDispatcher(t, runner, 4)
	ctx := context.Background()
	task := Task{RequestID: "R1", Spec: alloc.RequirementSpec{Type: "X", Quantity: 1}}

	first, created, err := d.Submit(ctx, task)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := d.Submit(ctx, task)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.True(t, d.InFlight("R1"))

	close(release)
	require.NoError(t, waitHandle(t, first))

	mu.Lock()
	assert.Equal(t, 1, runs)
	mu.Unlock()
	assert.False(t, d.InFlight("R1"))
}

func TestSubmitAfterCompletionRunsAgain(t *testing.T) {
	var (
		mu   sync.Mutex
		runs int
	)
	d, _ := startDispatcher(t, RunnerFunc(func(ctx context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		return nil
	}), 1)

	for i := 0; i < 2; i++ {
		h, created, err := d.Submit(context.Background(), Task{RequestID: "R1"})
		require.NoError(t, err)
		assert.True(t, created)
		require.NoError(t, waitHandle(t, h))
	}
	mu.Lock()
	assert.Equal(t, 2, runs)
	mu.Unlock()
}

func TestCancelDeliversCause(t *testing.T) {
	started := make(chan struct{})
	d, _ := startDispatcher(t, RunnerFunc(func(ctx context.Context, task Task) error {
		close(started)
		<-ctx.Done()
		return context.Cause(ctx)
	}), 1)

	h, _, err := d.Submit(context.Background(), Task{RequestID: "R1"})
	require.NoError(t, err)
	<-started

	assert.True(t, d.Cancel("R1"))
	err = waitHandle(t, h)
	assert.True(t, alloc.IsKind(err, alloc.KindCancelled), "got %v", err)
	assert.False(t, d.Cancel("R1"), "nothing left to cancel")
}

func TestTransientRunnerErrorIsRedelivered(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	d, q := startDispatcher(t, RunnerFunc(func(ctx context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return alloc.NewStoreUnavailable("audit store down", errors.New("database is locked"))
		}
		return nil
	}), 1)

	h, _, err := d.Submit(context.Background(), Task{RequestID: "R1"})
	require.NoError(t, err)
	require.NoError(t, waitHandle(t, h))

	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
	assert.Empty(t, q.DeadLetters())
}

func TestPermanentRunnerErrorIsNotRedelivered(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	d, _ := startDispatcher(t, RunnerFunc(func(ctx context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return alloc.NewInvalidRequirementSpec("type is required", nil)
	}), 1)

	h, _, err := d.Submit(context.Background(), Task{RequestID: "R1"})
	require.NoError(t, err)
	err = waitHandle(t, h)
	assert.True(t, alloc.IsKind(err, alloc.KindInvalidRequirementSpec))

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestRedeliveryLimitDeadLetters(t *testing.T) {
	d, q := startDispatcher(t, RunnerFunc(func(ctx context.Context, task Task) error {
		return errors.New("worker crashed")
	}), 1)

	h, _, err := d.Submit(context.Background(), Task{RequestID: "R1"})
	require.NoError(t, err)
	err = waitHandle(t, h)
	assert.EqualError(t, err, "worker crashed")

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "R1", dead[0].Payload.RequestID)
}

func TestShutdownCancelsRunningTasks(t *testing.T) {
	q := NewMemoryQueue[Task](DefaultQueueConfig())
	started := make(chan struct{})
	d := New(q, RunnerFunc(func(ctx context.Context, task Task) error {
		close(started)
		<-ctx.Done()
		return context.Cause(ctx)
	}), zerolog.Nop(), Config{Workers: 2})
	d.Start(context.Background())

	h, _, err := d.Submit(context.Background(), Task{RequestID: "R1"})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	<-h.Done()
	assert.True(t, alloc.IsKind(h.Err(), alloc.KindCancelled))
	assert.Equal(t, int64(0), d.Busy())

	_, _, err = d.Submit(context.Background(), Task{RequestID: "R2"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSubmitRequiresRequestID(t *testing.T) {
	d, _ := startDispatcher(t, RunnerFunc(func(context.Context, Task) error { return nil }), 1)
	_, _, err := d.Submit(context.Background(), Task{})
	assert.True(t, alloc.IsKind(err, alloc.KindInvalidRequirementSpec))
}

func TestStartTwiceKeepsOnePool(t *testing.T) {
	release := make(chan struct{})
	d, _ := startDispatcher(t, RunnerFunc(func(ctx context.Context, task Task) error {
		<-release
		return nil
	}), 1)
	d.Start(context.Background())

	first, _, err := d.Submit(context.Background(), Task{RequestID: "R1"})
	require.NoError(t, err)
	second, _, err := d.Submit(context.Background(), Task{RequestID: "R2"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.Busy() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, d.Busy(), "a second Start must not add workers")

	close(release)
	require.NoError(t, waitHandle(t, first))
	require.NoError(t, waitHandle(t, second))
}
