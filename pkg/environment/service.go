package environment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/envalloc/envalloc/pkg/alloc"
	"github.com/envalloc/envalloc/pkg/catalog"
	"github.com/envalloc/envalloc/pkg/clock"
	"github.com/envalloc/envalloc/pkg/dispatch"
	"github.com/envalloc/envalloc/pkg/lease"
	"github.com/envalloc/envalloc/pkg/policy"
	"github.com/envalloc/envalloc/pkg/telemetry"
)

const (
	// resumeBatch is the page size used when re-queueing pending requests.
	resumeBatch = 500

	maxUpdateAttempts = 5
)

// Requests is the request repository. stores.SQLiteStore implements it.
type Requests interface {
	CreateRequest(ctx context.Context, req *alloc.Request) error
	GetRequest(ctx context.Context, id string) (*alloc.Request, error)
	UpdateRequest(ctx context.Context, req *alloc.Request) error
	ListRequests(ctx context.Context, states []alloc.State, limit, offset int) ([]*alloc.Request, error)
	HealthCheck(ctx context.Context) error
}

// Dispatcher hands requests to background workers. dispatch.Dispatcher
// implements it.
type Dispatcher interface {
	Submit(ctx context.Context, task dispatch.Task) (*dispatch.Handle, bool, error)
	Cancel(requestID string) bool
}

// Admitter checks a requirement spec against admission policy.
// policy.Engine implements it.
type Admitter interface {
	Admit(ctx context.Context, requestID string, spec alloc.RequirementSpec) (*policy.Result, error)
}

// Config tunes the service.
type Config struct {
	// WaitTimeout is the wait budget of requests that set none.
	WaitTimeout time.Duration

	// MaxRenew caps a single renewal.
	MaxRenew time.Duration
}

// Service is the entry point for environment requests: intake, status,
// release and renewal.
type Service struct {
	requests   Requests
	leases     lease.Store
	catalog    catalog.Client
	signer     *lease.Signer
	dispatcher Dispatcher
	admitter   Admitter
	events     *telemetry.EventPublisher
	metrics    *telemetry.Metrics
	clock      clock.Clock
	logger     zerolog.Logger
	cfg        Config
}

// Options carries the collaborators of a Service. Catalog, Admitter, Events
// and Metrics may be nil; without a registrable Catalog registrations are
// refused.
type Options struct {
	Requests   Requests
	Leases     lease.Store
	Catalog    catalog.Client
	Signer     *lease.Signer
	Dispatcher Dispatcher
	Admitter   Admitter
	Events     *telemetry.EventPublisher
	Metrics    *telemetry.Metrics
	Clock      clock.Clock
	Logger     zerolog.Logger
	Config     Config
}

// NewService creates a service.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Config.WaitTimeout <= 0 {
		opts.Config.WaitTimeout = 30 * time.Second
	}
	if opts.Config.MaxRenew <= 0 {
		opts.Config.MaxRenew = 7 * 24 * time.Hour
	}
	return &Service{
		requests:   opts.Requests,
		leases:     opts.Leases,
		catalog:    opts.Catalog,
		signer:     opts.Signer,
		dispatcher: opts.Dispatcher,
		admitter:   opts.Admitter,
		events:     opts.Events,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		logger:     opts.Logger.With().Str("component", "environment").Logger(),
		cfg:        opts.Config,
	}
}

// Submit records a new request and schedules its allocation. A caller
// supplied id makes the call idempotent: resubmitting it returns the existing
// request with created false.
func (s *Service) Submit(ctx context.Context, id string, spec alloc.RequirementSpec) (req *alloc.Request, created bool, err error) {
	ic := telemetry.StartOperation(ctx, "environment.submit",
		telemetry.AttrResourceType.String(spec.Type),
		telemetry.AttrQuantity.Int(spec.Quantity))
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	if id == "" {
		id = uuid.NewString()
	} else if len(id) > 128 {
		return nil, false, alloc.NewInvalidRequirementSpec("request id is longer than 128 characters", nil)
	}

	spec.Normalize()
	if err := spec.Validate(); err != nil {
		s.metrics.RecordError(string(alloc.KindOf(err)), alloc.CodeValidation)
		return nil, false, err
	}
	if s.admitter != nil {
		result, err := s.admitter.Admit(ctx, id, spec)
		if err != nil {
			if result != nil {
				for _, v := range result.Violations {
					_ = s.events.PublishPolicyViolation(id, v.Policy, v.Message)
				}
			}
			s.metrics.RecordError(string(alloc.KindOf(err)), alloc.CodeOf(err))
			return nil, false, err
		}
		for _, w := range result.Warnings {
			s.logger.Warn().Str("request_id", id).Str("policy", w.Policy).Msg(w.Message)
		}
	}

	now := s.clock.Now()
	req = &alloc.Request{
		ID:          id,
		Spec:        spec,
		State:       alloc.StateSubmitted,
		SubmittedAt: now,
		Deadline:    now.Add(spec.WaitTimeout(s.cfg.WaitTimeout)),
		UpdatedAt:   now,
	}

	if err := s.requests.CreateRequest(ctx, req); err != nil {
		if alloc.CodeOf(err) != alloc.CodeIdempotentReplay {
			return nil, false, err
		}
		existing, getErr := s.requests.GetRequest(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		if !existing.State.IsTerminal() {
			// The first submit may have been lost with a restarted process.
			if _, _, err := s.dispatcher.Submit(ctx, taskFor(existing)); err != nil {
				return nil, false, err
			}
		}
		s.logger.Debug().Str("request_id", id).Msg("Replayed request submission")
		return existing, false, nil
	}

	_ = s.events.PublishTransition(id, "", string(alloc.StateSubmitted), "", now)
	s.metrics.RecordRequestSubmitted(spec.Type)

	if _, _, err := s.dispatcher.Submit(ctx, taskFor(req)); err != nil {
		s.logger.Error().Err(err).Str("request_id", id).Msg("Failed to dispatch request")
		if _, failErr := s.finish(ctx, req.ID, alloc.StateFailed, alloc.KindInternal, "request could not be dispatched: "+err.Error()); failErr != nil {
			return nil, false, failErr
		}
		return nil, false, alloc.NewInternal("request could not be dispatched", err)
	}

	s.logger.Info().
		Str("request_id", id).
		Str("type", spec.Type).
		Int("quantity", spec.Quantity).
		Time("deadline", req.Deadline).
		Msg("Request submitted")

	return req.Clone(), true, nil
}

// Status returns the current request record.
func (s *Service) Status(ctx context.Context, id string) (*alloc.Request, error) {
	return s.requests.GetRequest(ctx, id)
}

// Release ends a request. A pending request is cancelled. A fulfilled one has
// every reservation it holds released, which requires its lease token.
// Releasing twice returns the same record.
func (s *Service) Release(ctx context.Context, id, token string) (req *alloc.Request, err error) {
	ic := telemetry.StartOperation(ctx, "environment.release", telemetry.AttrRequestID.String(id))
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	req, err = s.requests.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	switch req.State {
	case alloc.StateSubmitted, alloc.StateAttempting:
		req, err = s.Cancel(ctx, req)
		if err != nil {
			return nil, err
		}
		if !req.State.IsTerminal() {
			return req, nil
		}
		// The worker fulfilled the request before the cancellation reached
		// it. Without a token the caller gets the record back and must
		// release it like any fulfilled request.
		if req.State == alloc.StateFulfilled {
			if token == "" {
				return req, nil
			}
			if err := s.authorize(req, token); err != nil {
				return nil, err
			}
		}
	case alloc.StateFulfilled:
		if err := s.authorize(req, token); err != nil {
			return nil, err
		}
	}

	if req.ReleasedAt != nil {
		return req, nil
	}

	released, err := s.releaseAll(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if req.State != alloc.StateFulfilled {
		return req, nil
	}

	req, err = s.update(ctx, req.ID, func(req *alloc.Request) (bool, error) {
		if req.ReleasedAt != nil {
			return false, nil
		}
		now := s.clock.Now()
		req.ReleasedAt = &now
		req.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("request_id", req.ID).
		Int("released", released).
		Msg("Environment released")

	return req, nil
}

// Cancel stops a pending request. A reservation granted before the
// cancellation was observed stays with the request until it is released or
// expires. The returned record is the stored one, which may already be
// terminal with another outcome if the worker finished first.
func (s *Service) Cancel(ctx context.Context, req *alloc.Request) (*alloc.Request, error) {
	if req.State.IsTerminal() {
		return req, nil
	}
	if s.dispatcher.Cancel(req.ID) {
		s.logger.Info().Str("request_id", req.ID).Msg("Cancelled in-flight request")
		return req, nil
	}

	// Nothing is running the request, so it can be closed here unless a
	// worker closed it after req was read.
	closed, err := s.finish(ctx, req.ID, alloc.StateFailed, alloc.KindCancelled, "request cancelled by caller")
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// Renew extends the reservation of a fulfilled request to now+ttl and issues
// a fresh lease token.
func (s *Service) Renew(ctx context.Context, id, token string, ttl time.Duration) (req *alloc.Request, err error) {
	ic := telemetry.StartOperation(ctx, "environment.renew", telemetry.AttrRequestID.String(id))
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	if ttl <= 0 || ttl > s.cfg.MaxRenew {
		return nil, alloc.NewInvalidRequirementSpec(
			fmt.Sprintf("renewal must be between 1s and %s, got %s", s.cfg.MaxRenew, ttl), nil).
			WithCode(alloc.CodeValidation)
	}

	req, err = s.requests.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !holdsReservation(req) {
		return nil, alloc.NewNotFound(fmt.Sprintf("request %s holds no reservation", id))
	}
	if err := s.authorize(req, token); err != nil {
		return nil, err
	}

	var res *alloc.Reservation
	err = telemetry.RecordLeaseOperation(ctx, s.metrics, "renew", func(ctx context.Context) error {
		var err error
		res, err = s.leases.Renew(ctx, req.ReservationID, ttl)
		return err
	})
	if err != nil {
		return nil, err
	}

	signed, err := s.signer.Sign(lease.Claims{
		ReservationID: res.ID,
		RequestID:     req.ID,
		Deadline:      res.Deadline,
	})
	if err != nil {
		return nil, alloc.NewInternal("failed to sign lease token", err)
	}

	req, err = s.update(ctx, id, func(req *alloc.Request) (bool, error) {
		if !holdsReservation(req) || req.ReservationID != res.ID {
			return false, alloc.NewNotFound(fmt.Sprintf("request %s was released during renewal", id))
		}
		deadline := res.Deadline
		req.LeaseToken = signed
		req.LeaseDeadline = &deadline
		req.UpdatedAt = s.clock.Now()
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("request_id", req.ID).
		Str("reservation_id", res.ID).
		Time("deadline", res.Deadline).
		Msg("Reservation renewed")

	return req, nil
}

// ReleaseReservation releases a single reservation of a request. The lease
// token must have been issued for that reservation. Releasing the request's
// current reservation also marks the request released.
func (s *Service) ReleaseReservation(ctx context.Context, id, reservationID, token string) (res *alloc.Reservation, err error) {
	ic := telemetry.StartOperation(ctx, "environment.release_reservation",
		telemetry.AttrRequestID.String(id),
		telemetry.AttrReservationID.String(reservationID))
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	if token == "" {
		return nil, alloc.NewInvalidToken("lease token required", nil)
	}
	claims, err := s.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.RequestID != id || claims.ReservationID != reservationID {
		return nil, alloc.NewInvalidToken("lease token was issued for another reservation", nil).
			WithResource(claims.ReservationID)
	}

	req, err := s.requests.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err = s.leases.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.RequesterID != req.ID {
		return nil, alloc.NewNotFound(fmt.Sprintf("request %s holds no reservation %s", id, reservationID))
	}

	if res.Status == alloc.ReservationActive {
		err := telemetry.RecordLeaseOperation(ctx, s.metrics, "release", func(ctx context.Context) error {
			return s.leases.Release(context.WithoutCancel(ctx), reservationID)
		})
		if err != nil && !alloc.IsKind(err, alloc.KindNotFound) {
			return nil, err
		}
		s.metrics.AddActiveReservations(-1)
		_ = s.events.PublishReservationReleased(id, reservationID, s.clock.Now())
	}

	if req.ReservationID == reservationID {
		_, err := s.update(ctx, id, func(req *alloc.Request) (bool, error) {
			if !holdsReservation(req) || req.ReservationID != reservationID {
				return false, nil
			}
			now := s.clock.Now()
			req.ReleasedAt = &now
			req.UpdatedAt = now
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Str("request_id", id).
		Str("reservation_id", reservationID).
		Msg("Reservation released")

	return s.leases.Get(ctx, reservationID)
}

// Register adds provider resources to the catalog. The whole batch is
// validated before anything is written.
func (s *Service) Register(ctx context.Context, resources []alloc.Resource) (n int, err error) {
	ic := telemetry.StartOperation(ctx, "environment.register")
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	reg, err := catalog.AsRegistrar(s.catalog)
	if err != nil {
		return 0, err
	}
	if err := reg.Register(ctx, resources); err != nil {
		return 0, err
	}

	types := make(map[string]int)
	for _, r := range resources {
		types[r.Type]++
	}
	s.logger.Info().
		Int("resources", len(resources)).
		Interface("types", types).
		Msg("Resources registered")

	return len(resources), nil
}

func holdsReservation(req *alloc.Request) bool {
	return req.State == alloc.StateFulfilled && req.ReleasedAt == nil
}

// Resume re-queues every request that was pending when the process stopped.
func (s *Service) Resume(ctx context.Context) (int, error) {
	pending := []alloc.State{alloc.StateSubmitted, alloc.StateAttempting}

	var (
		errs    *multierror.Error
		resumed int
	)
	for offset := 0; ; offset += resumeBatch {
		batch, err := s.requests.ListRequests(ctx, pending, resumeBatch, offset)
		if err != nil {
			return resumed, err
		}
		for _, req := range batch {
			if _, created, err := s.dispatcher.Submit(ctx, taskFor(req)); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("resume %s: %w", req.ID, err))
			} else if created {
				resumed++
			}
		}
		if len(batch) < resumeBatch {
			break
		}
	}

	if resumed > 0 {
		s.logger.Info().Int("resumed", resumed).Msg("Resumed pending requests")
	}
	return resumed, errs.ErrorOrNil()
}

// Health checks the lease store and the request repository.
func (s *Service) Health(ctx context.Context) error {
	var errs *multierror.Error
	if err := s.leases.Ping(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("lease store: %w", err))
	}
	if err := s.requests.HealthCheck(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("request store: %w", err))
	}
	return errs.ErrorOrNil()
}

// authorize checks that token was issued for the request's reservation.
func (s *Service) authorize(req *alloc.Request, token string) error {
	if token == "" {
		return alloc.NewInvalidToken("lease token required", nil)
	}
	claims, err := s.signer.Verify(token)
	if err != nil {
		return err
	}
	if claims.RequestID != req.ID || claims.ReservationID != req.ReservationID {
		return alloc.NewInvalidToken("lease token was issued for another reservation", nil).
			WithResource(claims.ReservationID)
	}
	return nil
}

// releaseAll releases every active reservation held by requestID.
func (s *Service) releaseAll(ctx context.Context, requestID string) (int, error) {
	ctx = context.WithoutCancel(ctx)

	var held []*alloc.Reservation
	err := telemetry.RecordLeaseOperation(ctx, s.metrics, "list_by_requester", func(ctx context.Context) error {
		var err error
		held, err = s.leases.ListByRequester(ctx, requestID)
		return err
	})
	if err != nil {
		return 0, err
	}

	var (
		errs     *multierror.Error
		released int
	)
	for _, res := range held {
		if res.Status != alloc.ReservationActive {
			continue
		}
		err := telemetry.RecordLeaseOperation(ctx, s.metrics, "release", func(ctx context.Context) error {
			return s.leases.Release(ctx, res.ID)
		})
		if err != nil {
			if alloc.IsKind(err, alloc.KindNotFound) {
				continue
			}
			errs = multierror.Append(errs, fmt.Errorf("release %s: %w", res.ID, err))
			continue
		}
		released++
		s.metrics.AddActiveReservations(-1)
		_ = s.events.PublishReservationReleased(requestID, res.ID, s.clock.Now())
	}
	if err := errs.ErrorOrNil(); err != nil {
		return released, alloc.NewStoreUnavailable("some reservations could not be released", err).
			WithOperation("release")
	}
	return released, nil
}

// finish moves a pending request to a terminal state. A request that is
// already terminal is returned as stored.
func (s *Service) finish(ctx context.Context, id string, next alloc.State, reason alloc.Kind, msg string) (*alloc.Request, error) {
	var from alloc.State
	now := s.clock.Now()
	req, err := s.update(ctx, id, func(req *alloc.Request) (bool, error) {
		if req.State.IsTerminal() {
			return false, nil
		}
		from = req.State
		if err := req.Transition(next, reason, msg); err != nil {
			return false, alloc.NewInternal("request state machine rejected transition", err)
		}
		req.CompletedAt = &now
		req.UpdatedAt = now
		return true, nil
	})
	if err != nil || from == "" {
		return req, err
	}
	_ = s.events.PublishTransition(req.ID, string(from), string(next), string(reason), now)
	s.metrics.RecordRequestCompleted(string(next.Outcome()), string(reason), now.Sub(req.SubmittedAt))
	return req, nil
}

// update reads the request, lets fn change it and writes it back on the
// version it read. A stale write is retried on a fresh read. fn returning
// false leaves the stored record untouched.
func (s *Service) update(ctx context.Context, id string, fn func(req *alloc.Request) (bool, error)) (*alloc.Request, error) {
	ctx = context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		req, err := s.requests.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		write, err := fn(req)
		if err != nil {
			return nil, err
		}
		if !write {
			return req, nil
		}
		err = s.requests.UpdateRequest(ctx, req)
		if err == nil {
			return req, nil
		}
		if alloc.CodeOf(err) != alloc.CodeStaleWrite || attempt == maxUpdateAttempts {
			return nil, err
		}
	}
}

func taskFor(req *alloc.Request) dispatch.Task {
	return dispatch.Task{RequestID: req.ID, Spec: req.Spec}
}
