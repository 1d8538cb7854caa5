package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/envalloc/envalloc/pkg/alloc"
	"github.com/envalloc/envalloc/pkg/clock"
	"github.com/envalloc/envalloc/pkg/dispatch"
	"github.com/envalloc/envalloc/pkg/lease"
	"github.com/envalloc/envalloc/pkg/reservation"
	"github.com/envalloc/envalloc/pkg/telemetry"
)

// errSuperseded ends a run whose request reached a terminal state through
// another writer.
var errSuperseded = errors.New("request closed by another writer")

// Reserver runs one reservation pass. reservation.Engine implements it.
type Reserver interface {
	Reserve(ctx context.Context, a reservation.Attempt) (*alloc.Allocation, error)
}

// RequestStore persists request records.
type RequestStore interface {
	GetRequest(ctx context.Context, id string) (*alloc.Request, error)
	UpdateRequest(ctx context.Context, req *alloc.Request) error
}

// Config tunes the retry loop.
type Config struct {
	// WaitTimeout is the wait budget of requests that set none.
	WaitTimeout time.Duration

	// InitialInterval is the first wait between attempts.
	InitialInterval time.Duration

	// MaxInterval caps the wait between attempts before jitter.
	MaxInterval time.Duration

	// Multiplier grows the wait after every attempt.
	Multiplier float64

	// Jitter is the randomization factor applied to every wait.
	Jitter float64

	// RetryBudget is the number of consecutive CatalogUnavailable or
	// StoreUnavailable attempts tolerated before the request fails.
	RetryBudget int
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		WaitTimeout:     30 * time.Second,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
		RetryBudget:     5,
	}
}

// Supervisor drives a request through
// submitted -> attempting -> fulfilled | timed-out | failed.
type Supervisor struct {
	engine   Reserver
	store    lease.Store
	requests RequestStore
	events   *telemetry.EventPublisher
	metrics  *telemetry.Metrics
	clock    clock.Clock
	logger   zerolog.Logger
	cfg      Config
}

// New creates a supervisor.
func New(engine Reserver, store lease.Store, requests RequestStore, events *telemetry.EventPublisher, metrics *telemetry.Metrics, clk clock.Clock, logger zerolog.Logger, cfg Config) *Supervisor {
	def := DefaultConfig()
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = def.RetryBudget
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Supervisor{
		engine:   engine,
		store:    store,
		requests: requests,
		events:   events,
		metrics:  metrics,
		clock:    clk,
		logger:   logger.With().Str("component", "supervisor").Logger(),
		cfg:      cfg,
	}
}

// Run implements dispatch.Runner. It returns nil once the request has reached a
// terminal state, including failed and timed-out. A non-nil error means the
// outcome could not be recorded and the task should be redelivered.
func (s *Supervisor) Run(ctx context.Context, task dispatch.Task) error {
	err := s.run(ctx, task)
	if errors.Is(err, errSuperseded) {
		s.logger.Info().Str("request_id", task.RequestID).Msg("Request was closed elsewhere, stopping")
		return nil
	}
	return err
}

func (s *Supervisor) run(ctx context.Context, task dispatch.Task) error {
	req, err := s.requests.GetRequest(ctx, task.RequestID)
	if err != nil {
		return err
	}
	if req.State.IsTerminal() {
		return nil
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = s.clock.Now()
	}
	if req.Deadline.IsZero() {
		req.Deadline = req.SubmittedAt.Add(req.Spec.WaitTimeout(s.cfg.WaitTimeout))
	}

	logger := s.logger.With().Str("request_id", req.ID).Logger()

	if req.State == alloc.StateSubmitted {
		if ctx.Err() != nil {
			return s.cancelled(ctx, req, context.Cause(ctx))
		}
		if err := s.transition(ctx, req, alloc.StateAttempting, "", ""); err != nil {
			return err
		}
	}
	return s.attempt(ctx, req, logger)
}

func (s *Supervisor) attempt(ctx context.Context, req *alloc.Request, logger zerolog.Logger) error {
	b := s.newBackOff()

	var (
		last      error
		transient int
	)
	for {
		if ctx.Err() != nil {
			return s.cancelled(ctx, req, context.Cause(ctx))
		}
		if !s.clock.Now().Before(req.Deadline) {
			return s.timeout(ctx, req, last)
		}

		req.Attempts++
		out, err := s.engine.Reserve(ctx, reservation.Attempt{
			RequestID: req.ID,
			Number:    req.Attempts,
			Spec:      req.Spec,
		})
		if err == nil {
			return s.fulfill(ctx, req, out)
		}

		switch {
		case ctx.Err() != nil:
			continue
		case alloc.IsKind(err, alloc.KindNoResourceAvailable):
			transient = 0
			last = err
		case alloc.IsKind(err, alloc.KindCatalogUnavailable), alloc.IsKind(err, alloc.KindStoreUnavailable):
			transient++
			last = err
			if transient > s.cfg.RetryBudget {
				logger.Error().Err(err).Int("attempts", req.Attempts).Msg("Retry budget exhausted")
				return s.fail(ctx, req, alloc.KindOf(err),
					fmt.Sprintf("%s: retry budget of %d exhausted", alloc.CodeRetryBudgetSpent, s.cfg.RetryBudget))
			}
		default:
			kind := alloc.KindOf(err)
			if kind == "" {
				kind = alloc.KindInternal
			}
			logger.Warn().Err(err).Msg("Non-retryable allocation failure")
			return s.fail(ctx, req, kind, message(err))
		}

		if err := s.save(ctx, req); err != nil {
			if errors.Is(err, errSuperseded) {
				return err
			}
			logger.Warn().Err(err).Msg("Failed to record attempt")
		}

		wait := b.NextBackOff()
		if remaining := req.Deadline.Sub(s.clock.Now()); wait > remaining {
			wait = remaining
		}
		logger.Debug().
			Int("attempt", req.Attempts).
			Str("code", alloc.CodeOf(last)).
			Dur("wait", wait).
			Msg("No allocation yet, backing off")

		select {
		case <-s.clock.After(wait):
		case <-ctx.Done():
		}
	}
}

func (s *Supervisor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialInterval
	b.MaxInterval = s.cfg.MaxInterval
	b.Multiplier = s.cfg.Multiplier
	b.RandomizationFactor = s.cfg.Jitter
	b.Reset()
	return b
}

// fulfill records the grant. If the record cannot be written the reservation
// is released again so the redelivered task starts clean.
func (s *Supervisor) fulfill(ctx context.Context, req *alloc.Request, out *alloc.Allocation) error {
	deadline := out.Reservation.Deadline
	req.ReservationID = out.Reservation.ID
	req.LeaseToken = out.Token
	req.LeaseDeadline = &deadline
	req.Resources = out.Resources

	if err := s.transition(ctx, req, alloc.StateFulfilled, "", ""); err != nil {
		if relErr := s.store.Release(context.WithoutCancel(ctx), out.Reservation.ID); relErr == nil {
			s.metrics.AddActiveReservations(-1)
		}
		return err
	}
	return nil
}

// timeout releases everything the request still holds and only then records
// the timed-out state.
func (s *Supervisor) timeout(ctx context.Context, req *alloc.Request, last error) error {
	if err := s.releaseHeld(ctx, req.ID); err != nil {
		s.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to release reservations on timeout")
		return err
	}

	reason := alloc.KindNoResourceAvailable
	msg := "no resource became available"
	if last != nil {
		reason = alloc.KindOf(last)
		msg = message(last)
		if code := alloc.CodeOf(last); code != "" {
			msg = code + ": " + msg
		}
	}
	wait := req.Deadline.Sub(req.SubmittedAt)
	return s.transition(ctx, req, alloc.StateTimedOut, reason,
		fmt.Sprintf("timed out after %s and %d attempts: %s", wait, req.Attempts, msg))
}

func (s *Supervisor) cancelled(ctx context.Context, req *alloc.Request, cause error) error {
	msg := "request cancelled"
	if ae, ok := alloc.AsError(cause); ok && ae.Kind == alloc.KindCancelled {
		msg = ae.Message
	}
	return s.fail(ctx, req, alloc.KindCancelled, msg)
}

func (s *Supervisor) fail(ctx context.Context, req *alloc.Request, reason alloc.Kind, msg string) error {
	return s.transition(ctx, req, alloc.StateFailed, reason, msg)
}

// releaseHeld frees every active reservation whose requester is requestID.
func (s *Supervisor) releaseHeld(ctx context.Context, requestID string) error {
	ctx = context.WithoutCancel(ctx)
	held, err := s.store.ListByRequester(ctx, requestID)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, res := range held {
		if res.Status != alloc.ReservationActive {
			continue
		}
		err := telemetry.RecordLeaseOperation(ctx, s.metrics, "release", func(ctx context.Context) error {
			return s.store.Release(ctx, res.ID)
		})
		if err != nil && !alloc.IsKind(err, alloc.KindNotFound) {
			errs = multierror.Append(errs, fmt.Errorf("release %s: %w", res.ID, err))
			continue
		}
		s.metrics.AddActiveReservations(-1)
		s.logger.Info().
			Str("request_id", requestID).
			Str("reservation_id", res.ID).
			Msg("Released reservation held by timed-out request")
	}
	return errs.ErrorOrNil()
}

// transition applies and persists one state change. Writes ignore caller
// cancellation so a cancelled request still records its outcome.
func (s *Supervisor) transition(ctx context.Context, req *alloc.Request, next alloc.State, reason alloc.Kind, msg string) error {
	from := req.State
	if err := req.Transition(next, reason, msg); err != nil {
		return alloc.NewInternal("request state machine rejected transition", err)
	}

	now := s.clock.Now()
	if next.IsTerminal() {
		req.CompletedAt = &now
	}
	if err := s.save(ctx, req); err != nil {
		return err
	}

	if err := s.events.PublishTransition(req.ID, string(from), string(next), string(reason), now); err != nil {
		s.logger.Warn().Err(err).Str("request_id", req.ID).Msg("Failed to publish transition")
	}

	event := s.logger.Info()
	if next == alloc.StateFailed || next == alloc.StateTimedOut {
		event = s.logger.Warn()
	}
	event.
		Str("request_id", req.ID).
		Str("from", string(from)).
		Str("to", string(next)).
		Str("reason", string(reason)).
		Int("attempts", req.Attempts).
		Msg("Request transition")

	if next.IsTerminal() {
		s.metrics.RecordRequestCompleted(string(next.Outcome()), string(reason), now.Sub(req.SubmittedAt))
	}
	return nil
}

// save writes req. A stale write on a request that is now terminal means the
// caller closed it meanwhile and ends the run with errSuperseded. Otherwise the
// write is repeated once on the stored version.
func (s *Supervisor) save(ctx context.Context, req *alloc.Request) error {
	ctx = context.WithoutCancel(ctx)
	req.UpdatedAt = s.clock.Now()
	err := s.requests.UpdateRequest(ctx, req)
	if alloc.CodeOf(err) != alloc.CodeStaleWrite {
		return err
	}

	current, gerr := s.requests.GetRequest(ctx, req.ID)
	if gerr != nil {
		return err
	}
	if current.State.IsTerminal() {
		return errSuperseded
	}
	req.Version = current.Version
	return s.requests.UpdateRequest(ctx, req)
}

func message(err error) string {
	if ae, ok := alloc.AsError(err); ok {
		return ae.Message
	}
	return err.Error()
}

var _ dispatch.Runner = (*Supervisor)(nil)
