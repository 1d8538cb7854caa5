package environment

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envalloc/envalloc/pkg/alloc"
	"github.com/envalloc/envalloc/pkg/catalog"
	"github.com/envalloc/envalloc/pkg/clock"
	"github.com/envalloc/envalloc/pkg/dispatch"
	"github.com/envalloc/envalloc/pkg/lease"
	"github.com/envalloc/envalloc/pkg/policy"
	"github.com/envalloc/envalloc/pkg/reservation"
	"github.com/envalloc/envalloc/pkg/stores"
	"github.com/envalloc/envalloc/pkg/supervisor"
	"github.com/envalloc/envalloc/pkg/telemetry"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type stack struct {
	fc         *clock.Fake
	cat        *catalog.Static
	leases     *lease.MemoryStore
	requests   *stores.SQLiteStore
	signer     *lease.Signer
	dispatcher *dispatch.Dispatcher
	svc        *Service
}

func newStack(t *testing.T, admitter Admitter, resources ...alloc.Resource) *stack {
	t.Helper()
	ctx := context.Background()
	fc := clock.NewFake(epoch)

	requests, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:", Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, requests.Init(ctx))
	require.NoError(t, requests.Migrate(ctx))
	t.Cleanup(func() { _ = requests.Close() })

	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	require.NoError(t, err)
	events.Subscribe(requests.Subscriber(), nil)

	signer, err := lease.NewSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	cat := catalog.NewStatic(resources...)
	leases := lease.NewMemoryStore(fc)
	eng := reservation.NewEngine(cat, leases, signer, nil, zerolog.Nop(), reservation.Config{
		LeaseTTL:           10 * time.Minute,
		StoreRetryInterval: time.Millisecond,
	})
	sup := supervisor.New(eng, leases, requests, events, nil, fc, zerolog.Nop(), supervisor.Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
	})

	d := dispatch.New(dispatch.NewMemoryQueue[dispatch.Task](dispatch.DefaultQueueConfig()), sup, zerolog.Nop(), dispatch.Config{Workers: 4})
	d.Start(ctx)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, d.Shutdown(ctx))
	})

	return &stack{
		fc:         fc,
		cat:        cat,
		leases:     leases,
		requests:   requests,
		signer:     signer,
		dispatcher: d,
		svc: NewService(Options{
			Requests:   requests,
			Leases:     leases,
			Catalog:    cat,
			Signer:     signer,
			Dispatcher: d,
			Admitter:   admitter,
			Events:     events,
			Clock:      fc,
			Logger:     zerolog.Nop(),
			Config:     Config{WaitTimeout: time.Minute},
		}),
	}
}

func (s *stack) waitFor(t *testing.T, id string, state alloc.State) *alloc.Request {
	t.Helper()
	var last *alloc.Request
	require.Eventually(t, func() bool {
		req, err := s.svc.Status(context.Background(), id)
		if err != nil {
			return false
		}
		last = req
		return req.State == state
	}, 5*time.Second, 5*time.Millisecond, "request %s never reached %s", id, state)
	return last
}

func free(typ string, ids ...string) []alloc.Resource {
	out := make([]alloc.Resource, 0, len(ids))
	for _, id := range ids {
		out = append(out, alloc.Resource{ID: id, Type: typ, Status: alloc.ResourceFree})
	}
	return out
}

func TestSubmitFulfilsConcurrentRequests(t *testing.T) {
	s := newStack(t, nil, free("X", "x-1", "x-2")...)
	ctx := context.Background()
	spec := alloc.RequirementSpec{Type: "X", Quantity: 1}

	r1, created, err := s.svc.Submit(ctx, "R1", spec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, alloc.StateSubmitted, r1.State)
	assert.Equal(t, epoch.Add(time.Minute), r1.Deadline)

	_, _, err = s.svc.Submit(ctx, "R2", spec)
	require.NoError(t, err)

	got1 := s.waitFor(t, "R1", alloc.StateFulfilled)
	got2 := s.waitFor(t, "R2", alloc.StateFulfilled)
	require.Len(t, got1.Resources, 1)
	require.Len(t, got2.Resources, 1)
	assert.NotEqual(t, got1.Resources[0].ID, got2.Resources[0].ID)

	claims, err := s.signer.Verify(got1.LeaseToken)
	require.NoError(t, err)
	assert.Equal(t, "R1", claims.RequestID)
	assert.Equal(t, got1.ReservationID, claims.ReservationID)

	events, err := s.requests.ListEvents(ctx, "R1")
	require.NoError(t, err)
	var states []alloc.State
	for _, e := range events {
		states = append(states, e.ToState)
	}
	assert.Equal(t, []alloc.State{alloc.StateSubmitted, alloc.StateAttempting, alloc.StateFulfilled}, states)
}

func TestSubmitIsIdempotentPerRequestID(t *testing.T) {
	s := newStack(t, nil, free("X", "x-1", "x-2")...)
	ctx := context.Background()
	spec := alloc.RequirementSpec{Type: "X", Quantity: 1}

	_, created, err := s.svc.Submit(ctx, "R1", spec)
	require.NoError(t, err)
	require.True(t, created)
	s.waitFor(t, "R1", alloc.StateFulfilled)

	again, created, err := s.svc.Submit(ctx, "R1", spec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, alloc.StateFulfilled, again.State)

	held, err := s.leases.ListByRequester(ctx, "R1")
	require.NoError(t, err)
	assert.Len(t, held, 1, "replayed submission must not reserve again")
}

func TestSubmitGeneratesRequestID(t *testing.T) {
	s := newStack(t, nil, free("X", "x-1")...)

	req, created, err := s.svc.Submit(context.Background(), "", alloc.RequirementSpec{Type: "X"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, 1, req.Spec.Quantity)
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	s := newStack(t, nil)

	_, _, err := s.svc.Submit(context.Background(), "bad", alloc.RequirementSpec{Quantity: 1})
	require.Error(t, err)
	assert.True(t, alloc.IsKind(err, alloc.KindInvalidRequirementSpec))

	_, err = s.svc.Status(context.Background(), "bad")
	assert.True(t, alloc.IsKind(err, alloc.KindNotFound), "rejected request must not be stored")
}

func TestSubmitDeniedByPolicy(t *testing.T) {
	engine, err := policy.NewEngine(zerolog.Nop(), policy.Limits{MaxQuantity: 2, MaxWaitSeconds: 60, MaxLeaseSeconds: 600})
	require.NoError(t, err)
	s := newStack(t, engine, free("X", "x-1", "x-2", "x-3")...)
	ctx := context.Background()

	_, _, err = s.svc.Submit(ctx, "greedy", alloc.RequirementSpec{Type: "X", Quantity: 3})
	require.Error(t, err)
	assert.True(t, alloc.IsKind(err, alloc.KindInvalidRequirementSpec))
	assert.Equal(t, alloc.CodePolicyDenied, alloc.CodeOf(err))

	events, err := s.requests.ListEvents(ctx, "greedy")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.EventTypePolicyViolation, events[0].Type)

	_, _, err = s.svc.Submit(ctx, "modest", alloc.RequirementSpec{Type: "X", Quantity: 2})
	require.NoError(t, err)
	s.waitFor(t, "modest", alloc.StateFulfilled)
}

func TestReleaseFreesResources(t *testing.T) {
	s := newStack(t, nil, free("X", "x-1")...)
	ctx := context.Background()
	spec := alloc.RequirementSpec{Type: "X", Quantity: 1}

	_, _, err := s.svc.Submit(ctx, "R1", spec)
	require.NoError(t, err)
	r1 := s.waitFor(t, "R1", alloc.StateFulfilled)

	released, err := s.svc.Release(ctx, "R1", r1.LeaseToken)
	require.NoError(t, err)
	require.NotNil(t, released.ReleasedAt)
	assert.Equal(t, alloc.StateFulfilled, released.State)

	res, err := s.leases.Get(ctx, r1.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, alloc.ReservationReleased, res.Status)

	again, err := s.svc.Release(ctx, "R1", r1.LeaseToken)
	require.NoError(t, err)
	assert.Equal(t, released.ReleasedAt.UTC(), again.ReleasedAt.UTC())

	_, _, err = s.svc.Submit(ctx, "R2", spec)
	require.NoError(t, err)
	r2 := s.waitFor(t, "R2", alloc.StateFulfilled)
	assert.Equal(t, "x-1", r2.Resources[0].ID)
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	s := newStack(t, nil, free("X", "x-1", "x-2")...)
	ctx := context.Background()
	spec := alloc.RequirementSpec{Type: "X", Quantity: 1}

	_, _, err := s.svc.Submit(ctx, "R1", spec)
	require.NoError(t, err)
	_, _, err = s.svc.Submit(ctx, "R2", spec)
	require.NoError(t, err)
	s.waitFor(t, "R1", alloc.StateFulfilled)
	r2 := s.waitFor(t, "R2", alloc.StateFulfilled)

	_, err = s.svc.Release(ctx, "R1", "")
	assert.True(t, alloc.IsKind(err, alloc.KindInvalidToken))

	_, err = s.svc.Release(ctx, "R1", r2.LeaseToken)
	assert.True(t, alloc.IsKind(err, alloc.KindInvalidToken))

	_, err = s.svc.Release(ctx, "R1", "forged.token")
	assert.True(t, alloc.IsKind(err, alloc.KindInvalidToken))

	held, err := s.leases.ListByRequester(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, alloc.ReservationActive, held[0].Status)
}

func TestReleaseCancelsPendingRequest(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	_, _, err := s.svc.Submit(ctx, "R1", alloc.RequirementSpec{Type: "X", Quantity: 1})
	require.NoError(t, err)
	s.waitFor(t, "R1", alloc.StateAttempting)

	_, err = s.svc.Release(ctx, "R1", "")
	require.NoError(t, err)

	req := s.waitFor(t, "R1", alloc.StateFailed)
	assert.Equal(t, alloc.KindCancelled, req.Reason)
	assert.Equal(t, "request cancelled by caller", req.Message)
}

func TestCancelUndispatchedRequest(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	require.NoError(t, s.requests.CreateRequest(ctx, &alloc.Request{
		ID:          "orphan",
		Spec:        alloc.RequirementSpec{Type: "X", Quantity: 1},
		State:       alloc.StateSubmitted,
		SubmittedAt: epoch,
		Deadline:    epoch.Add(time.Minute),
		UpdatedAt:   epoch,
	}))

	req, err := s.svc.Release(ctx, "orphan", "")
	require.NoError(t, err)
	assert.Equal(t, alloc.StateFailed, req.State)
	assert.Equal(t, alloc.KindCancelled, req.Reason)

	stored, err := s.svc.Status(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, alloc.StateFailed, stored.State)
	assert.NotNil(t, stored.CompletedAt)
}

// finishingDispatcher fulfils the request when asked to cancel it and reports
// that nothing was running, like a worker that returns just before the
// cancellation arrives.
type finishingDispatcher struct {
	t        *testing.T
	requests Requests
}

func (d *finishingDispatcher) Submit(context.Context, dispatch.Task) (*dispatch.Handle, bool, error) {
	return nil, true, nil
}

func (d *finishingDispatcher) Cancel(requestID string) bool {
	ctx := context.Background()
	req, err := d.requests.GetRequest(ctx, requestID)
	require.NoError(d.t, err)
	require.NoError(d.t, req.Transition(alloc.StateAttempting, "", ""))
	require.NoError(d.t, req.Transition(alloc.StateFulfilled, "", ""))
	req.ReservationID = "res-1"
	require.NoError(d.t, d.requests.UpdateRequest(ctx, req))
	return false
}

func TestCancelLosesRaceToFulfilment(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()
	svc := NewService(Options{
		Requests:   s.requests,
		Leases:     s.leases,
		Signer:     s.signer,
		Dispatcher: &finishingDispatcher{t: t, requests: s.requests},
		Clock:      s.fc,
		Logger:     zerolog.Nop(),
	})

	_, _, err := svc.Submit(ctx, "R1", alloc.RequirementSpec{Type: "X", Quantity: 1})
	require.NoError(t, err)

	req, err := svc.Release(ctx, "R1", "")
	require.NoError(t, err)
	assert.Equal(t, alloc.StateFulfilled, req.State)

	stored, err := svc.Status(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, alloc.StateFulfilled, stored.State, "the first outcome must stick")
	assert.Empty(t, stored.Reason)
	assert.Equal(t, "res-1", stored.ReservationID)
	assert.Nil(t, stored.ReleasedAt)

	token, err := s.signer.Sign(lease.Claims{ReservationID: "res-1", RequestID: "R1", Deadline: epoch.Add(time.Hour)})
	require.NoError(t, err)
	released, err := svc.Release(ctx, "R1", token)
	require.NoError(t, err)
	assert.Equal(t, alloc.StateFulfilled, released.State)
	assert.NotNil(t, released.ReleasedAt)
}

func TestRenewDoesNotUndoConcurrentRelease(t *testing.T) {
	s := newStack(t, nil, free("X", "x-1")...)
	ctx := context.Background()

	_, _, err := s.svc.Submit(ctx, "R1", alloc.RequirementSpec{Type: "X", Quantity: 1})
	require.NoError(t, err)
	r1 := s.waitFor(t, "R1", alloc.StateFulfilled)

	// A copy read before the release must not be written back over it.
	stale, err := s.requests.GetRequest(ctx, "R1")
	require.NoError(t, err)
	_, err = s.svc.Release(ctx, "R1", r1.LeaseToken)
	require.NoError(t, err)

	stale.LeaseToken = "rewritten"
	err = s.requests.UpdateRequest(ctx, stale)
	assert.Equal(t, alloc.CodeStaleWrite, alloc.CodeOf(err))

	_, err = s.svc.Renew(ctx, "R1", r1.LeaseToken, time.Minute)
	assert.True(t, alloc.IsKind(err, alloc.KindNotFound))

	stored, err := s.svc.Status(ctx, "R1")
	require.NoError(t, err)
	assert.NotNil(t, stored.ReleasedAt)
	assert.Equal(t, r1.LeaseToken, stored.LeaseToken)
}

func TestReleaseReservation(t *testing.T) {
	s := newStack(t, nil, free("X", "x-1", "x-2")...)
	ctx := context.Background()
	spec := alloc.RequirementSpec{Type: "X", Quantity: 1}

	for _, id := range []string{"R1", "R2"} {
		_, _, err := s.svc.Submit(ctx, id, spec)
		require.NoError(t, err)
	}
	r1 := s.waitFor(t, "R1", alloc.StateFulfilled)
	r2 := s.waitFor(t, "R2", alloc.StateFulfilled)

	_, err := s.svc.ReleaseReservation(ctx, "R1", r1.ReservationID, r2.LeaseToken)
	assert.True(t, alloc.IsKind(err, alloc.KindInvalidToken), "another request's token is refused")

	_, err = s.svc.ReleaseReservation(ctx, "R1", r2.ReservationID, r2.LeaseToken)
	assert.True(t, alloc.IsKind(err, alloc.KindInvalidToken))

	res, err := s.svc.ReleaseReservation(ctx, "R1", r1.ReservationID, r1.LeaseToken)
	require.NoError(t, err)
	assert.Equal(t, alloc.ReservationReleased, res.Status)
	assert.Equal(t, r1.Resources[0].ID, res.ResourceIDs[0])

	got, err := s.svc.Status(ctx, "R1")
	require.NoError(t, err)
	assert.NotNil(t, got.ReleasedAt, "releasing the current reservation releases the request")

	again, err := s.svc.ReleaseReservation(ctx, "R1", r1.ReservationID, r1.LeaseToken)
	require.NoError(t, err)
	assert.Equal(t, alloc.ReservationReleased, again.Status)

	other, err := s.leases.Get(ctx, r2.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, alloc.ReservationActive, other.Status)
}

func TestRegisterFeedsAllocation(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	_, err := s.svc.Register(ctx, nil)
	assert.True(t, alloc.IsKind(err, alloc.KindInvalidRequirementSpec))

	n, err := s.svc.Register(ctx, []alloc.Resource{
		{ID: "y-1", Type: "Y", Tags: []string{"lab"}},
		{ID: "y-2", Type: "Y"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, _, err = s.svc.Submit(ctx, "R1", alloc.RequirementSpec{Type: "Y", Tags: []string{"lab"}, Quantity: 1})
	require.NoError(t, err)
	r1 := s.waitFor(t, "R1", alloc.StateFulfilled)
	assert.Equal(t, "y-1", r1.Resources[0].ID)
}

func TestRegisterWithoutWritableCatalog(t *testing.T) {
	svc := NewService(Options{Logger: zerolog.Nop()})

	_, err := svc.Register(context.Background(), []alloc.Resource{{ID: "y-1", Type: "Y"}})
	require.Error(t, err)
	ae, ok := alloc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, alloc.CodeCatalogReadOnly, ae.Code)
}

func TestReleaseUnknownRequest(t *testing.T) {
	s := newStack(t, nil)

	_, err := s.svc.Release(context.Background(), "missing", "")
	assert.True(t, alloc.IsKind(err, alloc.KindNotFound))
}

func TestRenewExtendsReservation(t *testing.T) {
	s := newStack(t, nil, free("X", "x-1")...)
	ctx := context.Background()

	_, _, err := s.svc.Submit(ctx, "R1", alloc.RequirementSpec{Type: "X", Quantity: 1, LeaseSeconds: 60})
	require.NoError(t, err)
	r1 := s.waitFor(t, "R1", alloc.StateFulfilled)
	require.Equal(t, epoch.Add(time.Minute), r1.LeaseDeadline.UTC())

	s.fc.Advance(30 * time.Second)
	renewed, err := s.svc.Renew(ctx, "R1", r1.LeaseToken, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(30*time.Second+5*time.Minute), renewed.LeaseDeadline.UTC())

	claims, err := s.signer.Verify(renewed.LeaseToken)
	require.NoError(t, err)
	assert.Equal(t, renewed.LeaseDeadline.UTC(), claims.Deadline.UTC())

	res, err := s.leases.Get(ctx, r1.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, renewed.LeaseDeadline.UTC(), res.Deadline.UTC())

	_, err = s.svc.Renew(ctx, "R1", renewed.LeaseToken, 0)
	assert.True(t, alloc.IsKind(err, alloc.KindInvalidRequirementSpec))
}

func TestRenewAfterReleaseIsNotFound(t *testing.T) {
	s := newStack(t, nil, free("X", "x-1")...)
	ctx := context.Background()

	_, _, err := s.svc.Submit(ctx, "R1", alloc.RequirementSpec{Type: "X", Quantity: 1})
	require.NoError(t, err)
	r1 := s.waitFor(t, "R1", alloc.StateFulfilled)

	_, err = s.svc.Release(ctx, "R1", r1.LeaseToken)
	require.NoError(t, err)

	_, err = s.svc.Renew(ctx, "R1", r1.LeaseToken, time.Minute)
	assert.True(t, alloc.IsKind(err, alloc.KindNotFound))
}

func TestResumeRequeuesPendingRequests(t *testing.T) {
	s := newStack(t, nil, free("X", "x-1", "x-2")...)
	ctx := context.Background()

	for _, id := range []string{"P1", "P2"} {
		require.NoError(t, s.requests.CreateRequest(ctx, &alloc.Request{
			ID:          id,
			Spec:        alloc.RequirementSpec{Type: "X", Quantity: 1},
			State:       alloc.StateSubmitted,
			SubmittedAt: epoch,
			Deadline:    epoch.Add(time.Minute),
			UpdatedAt:   epoch,
		}))
	}

	n, err := s.svc.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	s.waitFor(t, "P1", alloc.StateFulfilled)
	s.waitFor(t, "P2", alloc.StateFulfilled)
}

func TestHealth(t *testing.T) {
	s := newStack(t, nil)
	assert.NoError(t, s.svc.Health(context.Background()))

	require.NoError(t, s.requests.Close())
	err := s.svc.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request store")
}
