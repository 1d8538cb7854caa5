package reservation

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/envalloc/envalloc/pkg/alloc"
	"github.com/envalloc/envalloc/pkg/catalog"
	"github.com/envalloc/envalloc/pkg/lease"
	"github.com/envalloc/envalloc/pkg/telemetry"
)

// Config tunes the engine.
type Config struct {
	// LeaseTTL is the reservation lifetime used when the requirement sets none.
	LeaseTTL time.Duration

	// StoreRetries bounds how often one reserve write is retried while the
	// lease store is unavailable. Every retry reuses the idempotency key.
	StoreRetries uint

	// StoreRetryInterval is the first wait between store retries.
	StoreRetryInterval time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:           30 * time.Minute,
		StoreRetries:       3,
		StoreRetryInterval: 50 * time.Millisecond,
	}
}

// Attempt is one call into the engine on behalf of a request.
type Attempt struct {
	// RequestID is the request the reservation will belong to.
	RequestID string

	// Number is the 1-based attempt counter kept by the supervisor.
	Number int

	// Spec is the requirement being satisfied.
	Spec alloc.RequirementSpec
}

// Engine turns a requirement into a reservation. It never decides on its own
// that a resource is free: the catalog proposes, the lease store disposes.
type Engine struct {
	catalog catalog.Client
	store   lease.Store
	signer  *lease.Signer
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	cfg     Config
}

// NewEngine creates an engine.
func NewEngine(cat catalog.Client, store lease.Store, signer *lease.Signer, metrics *telemetry.Metrics, logger zerolog.Logger, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.StoreRetries == 0 {
		cfg.StoreRetries = def.StoreRetries
	}
	if cfg.StoreRetryInterval <= 0 {
		cfg.StoreRetryInterval = def.StoreRetryInterval
	}
	return &Engine{
		catalog: cat,
		store:   store,
		signer:  signer,
		metrics: metrics,
		logger:  logger.With().Str("component", "reservation").Logger(),
		cfg:     cfg,
	}
}

// Reserve runs one rank-then-reserve pass. A Conflict from the lease store
// moves on to the next candidates in rank order; the pass ends with a
// NoResourceAvailable error once the candidates are used up. Quantity
// resources are reserved together or not at all.
func (e *Engine) Reserve(ctx context.Context, a Attempt) (out *alloc.Allocation, err error) {
	ic := telemetry.StartOperation(ctx, "reservation.reserve",
		telemetry.AttrRequestID.String(a.RequestID),
		telemetry.AttrResourceType.String(a.Spec.Type),
		telemetry.AttrQuantity.Int(a.Spec.Quantity),
		telemetry.AttrAttempt.Int(a.Number),
	)
	defer func() {
		e.metrics.RecordReserveAttempt(attemptResult(err))
		if err != nil {
			e.metrics.RecordError(string(alloc.KindOf(err)), alloc.CodeOf(err))
		}
		ic.End(err)
	}()
	ctx = ic.Ctx

	return e.reserve(ctx, a)
}

func (e *Engine) reserve(ctx context.Context, a Attempt) (*alloc.Allocation, error) {
	spec := a.Spec
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	matching, err := e.list(ctx, spec)
	if err != nil {
		return nil, err
	}
	if len(matching) < spec.Quantity {
		return nil, alloc.NewNoResourceAvailable(
			fmt.Sprintf("catalog has %d %s resources matching %v, need %d", len(matching), spec.Type, spec.Tags, spec.Quantity),
		).WithCode(alloc.CodeNoMatchingResources).
			WithDetail("matching", len(matching)).
			WithDetail("quantity", spec.Quantity)
	}

	candidates, err := e.candidates(ctx, matching)
	if err != nil {
		return nil, err
	}
	Rank(candidates)

	byID := make(map[string]alloc.Resource, len(candidates))
	for _, r := range candidates {
		byID[r.ID] = r
	}

	ttl := spec.LeaseTTL(e.cfg.LeaseTTL)
	excluded := make(map[string]struct{})
	conflicts := 0

	for round := 0; ; round++ {
		window := pickWindow(candidates, excluded, spec.Quantity)
		if len(window) < spec.Quantity {
			return nil, alloc.NewNoResourceAvailable(
				fmt.Sprintf("all %d matching %s resources are busy", len(matching), spec.Type),
			).WithCode(alloc.CodeAllCandidatesBusy).
				WithDetail("matching", len(matching)).
				WithDetail("candidates", len(candidates)).
				WithDetail("conflicts", conflicts)
		}

		req := lease.ReserveRequest{
			ResourceIDs:    window,
			RequesterID:    a.RequestID,
			TTL:            ttl,
			IdempotencyKey: fmt.Sprintf("%s/%d/%d", a.RequestID, a.Number, round),
		}
		res, err := e.tryReserve(ctx, req)
		if err == nil {
			out, err := e.grant(ctx, a, res, byID)
			if !alloc.IsKind(err, alloc.KindExpired) {
				return out, err
			}
			// A replay of a reservation that no longer holds anything. The
			// next round retries the same window under a fresh key.
			e.logger.Warn().
				Str("request_id", a.RequestID).
				Str("reservation_id", res.ID).
				Str("key", req.IdempotencyKey).
				Msg("Reserve replayed an inactive reservation")
			continue
		}
		if !alloc.IsConflict(err) {
			return nil, err
		}

		conflicts++
		e.metrics.RecordReserveConflict()
		held := conflictingOrAll(err, window)
		for _, id := range held {
			excluded[id] = struct{}{}
		}
		e.logger.Debug().
			Str("request_id", a.RequestID).
			Strs("held", held).
			Int("round", round).
			Msg("Lost reservation race, advancing to next candidates")
	}
}

// list drains the catalog listing. Catalog failures keep their kind so the
// supervisor can tell "unknown" from "nothing matches".
func (e *Engine) list(ctx context.Context, spec alloc.RequirementSpec) ([]alloc.Resource, error) {
	timer := telemetry.NewTimer()
	resources, err := catalog.Collect(e.catalog.ListAvailable(ctx, spec))
	result := "ok"
	if err != nil {
		result = "error"
	}
	e.metrics.RecordCatalogCall(result, timer.Duration())
	if err != nil {
		if _, classified := alloc.AsError(err); !classified {
			err = alloc.NewCatalogUnavailable("catalog listing failed", err)
		}
		return nil, err
	}
	return resources, nil
}

// candidates keeps resources the catalog reports free and the lease store
// does not know a holder for.
func (e *Engine) candidates(ctx context.Context, matching []alloc.Resource) ([]alloc.Resource, error) {
	free := make([]alloc.Resource, 0, len(matching))
	ids := make([]string, 0, len(matching))
	for _, r := range matching {
		if r.Status != alloc.ResourceFree {
			continue
		}
		free = append(free, r)
		ids = append(ids, r.ID)
	}
	if len(free) == 0 {
		return free, nil
	}

	var holders map[string]string
	err := telemetry.RecordLeaseOperation(ctx, e.metrics, "holders", func(ctx context.Context) error {
		var err error
		holders, err = e.store.Holders(ctx, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := free[:0]
	for _, r := range free {
		if _, held := holders[r.ID]; !held {
			out = append(out, r)
		}
	}
	return out, nil
}

// tryReserve writes one reservation, retrying only while the store is
// unavailable. Cancellation is honoured between retries, not inside a write.
func (e *Engine) tryReserve(ctx context.Context, req lease.ReserveRequest) (*alloc.Reservation, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.StoreRetryInterval
	b.MaxInterval = 10 * e.cfg.StoreRetryInterval

	op := func() (*alloc.Reservation, error) {
		var res *alloc.Reservation
		err := telemetry.RecordLeaseOperation(ctx, e.metrics, "reserve", func(ctx context.Context) error {
			var err error
			res, err = e.store.TryReserve(context.WithoutCancel(ctx), req)
			return err
		})
		if err != nil && !alloc.IsKind(err, alloc.KindStoreUnavailable) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.cfg.StoreRetries+1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			e.logger.Warn().Err(err).Dur("wait", wait).Str("key", req.IdempotencyKey).Msg("Lease store unavailable, retrying reserve")
		}),
	)
}

// grant signs the token for a fresh reservation. If signing fails the
// reservation is released so nothing is left held without a holder.
func (e *Engine) grant(ctx context.Context, a Attempt, res *alloc.Reservation, byID map[string]alloc.Resource) (*alloc.Allocation, error) {
	if res.Status != alloc.ReservationActive || res.ReleasedAt != nil {
		return nil, alloc.NewExpired("reserve returned an inactive reservation").
			WithResource(res.ID).
			WithDetail("status", string(res.Status)).
			WithOperation("reserve")
	}
	token, err := e.signer.Sign(lease.Claims{
		ReservationID: res.ID,
		RequestID:     a.RequestID,
		Deadline:      res.Deadline,
	})
	if err != nil {
		if relErr := e.store.Release(context.WithoutCancel(ctx), res.ID); relErr != nil {
			e.logger.Error().Err(relErr).Str("reservation_id", res.ID).Msg("Failed to release unsigned reservation")
		}
		return nil, alloc.NewInternal("failed to sign lease token", err)
	}

	resources := make([]alloc.Resource, 0, len(res.ResourceIDs))
	for _, id := range res.ResourceIDs {
		r, ok := byID[id]
		if !ok {
			r = alloc.Resource{ID: id, Type: a.Spec.Type}
		}
		r.Status = alloc.ResourceReserved
		resources = append(resources, r)
	}
	e.metrics.AddActiveReservations(1)

	e.logger.Info().
		Str("request_id", a.RequestID).
		Str("reservation_id", res.ID).
		Str("resources", strings.Join(res.ResourceIDs, ",")).
		Time("deadline", res.Deadline).
		Msg("Reservation granted")

	return &alloc.Allocation{
		Reservation: res,
		Resources:   resources,
		Token:       token,
	}, nil
}

// Rank orders candidates least recently freed first, then by id. A zero
// FreedAt ranks as oldest.
func Rank(resources []alloc.Resource) {
	slices.SortStableFunc(resources, func(a, b alloc.Resource) int {
		if c := a.FreedAt.Compare(b.FreedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func pickWindow(ranked []alloc.Resource, excluded map[string]struct{}, n int) []string {
	window := make([]string, 0, n)
	for _, r := range ranked {
		if _, skip := excluded[r.ID]; skip {
			continue
		}
		window = append(window, r.ID)
		if len(window) == n {
			break
		}
	}
	return window
}

func conflictingOrAll(err error, window []string) []string {
	var held []string
	if ae, ok := alloc.AsError(err); ok {
		held = ae.ConflictingResources()
	}
	if len(held) == 0 {
		return window
	}
	return held
}

func attemptResult(err error) string {
	if err == nil {
		return "granted"
	}
	if code := alloc.CodeOf(err); code != "" {
		return code
	}
	return strings.ToLower(string(alloc.KindOf(err)))
}
