package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/envalloc/envalloc/pkg/alloc"
)

// ErrStopped is returned by Submit after Shutdown.
var ErrStopped = errors.New("dispatcher stopped")

// Runner drives one request to a terminal state. It must be safe to call
// again for a request that already finished; the second call is a no-op.
type Runner interface {
	Run(ctx context.Context, task Task) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task Task) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, task Task) error { return f(ctx, task) }

// Config configures the dispatcher.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int
}

// Handle is the caller's reference to a submitted task.
type Handle struct {
	RequestID   string
	SubmittedAt time.Time

	done chan struct{}
	err  error
}

// Done is closed once the task has run to completion.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the runner's error after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task completes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type entry struct {
	handle *Handle
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Dispatcher runs tasks on a pool of workers with at most one task in flight
// per request id. Workers hold no allocation state of their own.
type Dispatcher struct {
	queue  Queue[Task]
	runner Runner
	logger zerolog.Logger
	cfg    Config

	mu       sync.Mutex
	inflight map[string]*entry
	stopped  bool

	baseCtx context.Context
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup
	started atomic.Bool
	busy    atomic.Int64
}

// New creates a dispatcher. Call Start to launch the workers.
func New(queue Queue[Task], runner Runner, logger zerolog.Logger, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	return &Dispatcher{
		queue:    queue,
		runner:   runner,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		cfg:      cfg,
		inflight: make(map[string]*entry),
	}
}

// Start launches the worker pool. Values carried by ctx are inherited by every
// task; cancelling ctx stops the workers like Shutdown does.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CAS(false, true) {
		return
	}
	d.baseCtx, d.stop = context.WithCancelCause(ctx)

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info().Int("workers", d.cfg.Workers).Msg("Dispatcher started")
}

// Submit enqueues task unless a task for the same request id is already in
// flight, in which case the existing handle is returned and created is false.
func (d *Dispatcher) Submit(ctx context.Context, task Task) (h *Handle, created bool, err error) {
	if task.RequestID == "" {
		return nil, false, alloc.NewInvalidRequirementSpec("task needs a request id", nil)
	}
	if !d.started.Load() {
		return nil, false, fmt.Errorf("dispatcher not started")
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, false, ErrStopped
	}
	if e, ok := d.inflight[task.RequestID]; ok {
		d.mu.Unlock()
		d.logger.Debug().Str("request_id", task.RequestID).Msg("Duplicate submission ignored")
		return e.handle, false, nil
	}
	taskCtx, cancel := context.WithCancelCause(d.baseCtx)
	e := &entry{
		handle: &Handle{RequestID: task.RequestID, SubmittedAt: time.Now(), done: make(chan struct{})},
		ctx:    taskCtx,
		cancel: cancel,
	}
	d.inflight[task.RequestID] = e
	d.mu.Unlock()

	if err := d.queue.Publish(ctx, &task); err != nil {
		d.finish(task.RequestID, err)
		return nil, false, fmt.Errorf("failed to enqueue request %s: %w", task.RequestID, err)
	}
	return e.handle, true, nil
}

// Cancel asks the in-flight task for requestID to stop. The runner observes
// the cancellation between store mutations, never inside one. It reports
// whether a task was in flight.
func (d *Dispatcher) Cancel(requestID string) bool {
	d.mu.Lock()
	e, ok := d.inflight[requestID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel(alloc.NewCancelled("request cancelled by caller"))
	return true
}

// InFlight reports whether a task for requestID is queued or running.
func (d *Dispatcher) InFlight(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[requestID]
	return ok
}

// Busy returns the number of workers currently running a task.
func (d *Dispatcher) Busy() int64 {
	return d.busy.Load()
}

// Shutdown stops accepting tasks, cancels the running ones and waits for the
// workers to exit.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	if !d.started.Load() {
		return nil
	}
	d.stop(alloc.NewCancelled("service shutting down"))

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.abandonQueued()
		d.logger.Info().Msg("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) worker(n int) {
	defer d.wg.Done()

	for {
		msg, err := d.queue.Consume(d.baseCtx)
		if err != nil {
			if d.baseCtx.Err() != nil {
				return
			}
			d.logger.Error().Err(err).Int("worker", n).Msg("Failed to consume task")
			continue
		}
		d.process(n, msg)
	}
}

func (d *Dispatcher) process(n int, msg Message[Task]) {
	task := *msg.T()

	d.mu.Lock()
	e, ok := d.inflight[task.RequestID]
	d.mu.Unlock()
	if !ok {
		_ = msg.Ack()
		return
	}

	d.busy.Inc()
	err := d.runner.Run(e.ctx, task)
	d.busy.Dec()

	if err != nil && e.ctx.Err() == nil && !alloc.IsPermanent(err) {
		d.logger.Warn().Err(err).Int("worker", n).Str("request_id", task.RequestID).Msg("Task failed, redelivering")
		if nackErr := msg.Nack(err); nackErr != nil {
			d.logger.Error().Err(nackErr).Msg("Failed to nack task")
		}
		if !d.redelivered(msg) {
			d.finish(task.RequestID, err)
		}
		return
	}

	if err != nil {
		d.logger.Error().Err(err).Int("worker", n).Str("request_id", task.RequestID).Msg("Task failed")
	}
	_ = msg.Ack()
	d.finish(task.RequestID, err)
}

// redelivered reports whether a nacked memory message went back on the queue
// rather than to the dead letter list.
func (d *Dispatcher) redelivered(msg Message[Task]) bool {
	m, ok := msg.(*memoryMessage[Task])
	if !ok {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.deadLettered
}

// abandonQueued completes the handles of tasks no worker picked up.
func (d *Dispatcher) abandonQueued() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.inflight))
	for id := range d.inflight {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		d.finish(id, alloc.NewCancelled("service shutting down"))
	}
}

func (d *Dispatcher) finish(requestID string, err error) {
	d.mu.Lock()
	e, ok := d.inflight[requestID]
	if ok {
		delete(d.inflight, requestID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	e.cancel(nil)
	e.handle.err = err
	close(e.handle.done)
}
