package lease

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/envalloc/envalloc/pkg/alloc"
	"github.com/envalloc/envalloc/pkg/clock"
)

// MemoryStore is a single-process Store. The mutex plays the part of the
// replicated store's compare-and-swap.
type MemoryStore struct {
	mu           sync.Mutex
	clock        clock.Clock
	reservations map[string]*alloc.Reservation
	locks        map[string]string // resource id -> reservation id
	idempotency  map[string]string // idempotency key -> reservation id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		clock:        clk,
		reservations: make(map[string]*alloc.Reservation),
		locks:        make(map[string]string),
		idempotency:  make(map[string]string),
	}
}

// TryReserve implements Store.
func (m *MemoryStore) TryReserve(ctx context.Context, req ReserveRequest) (*alloc.Reservation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, alloc.NewStoreUnavailable("reserve aborted", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if req.IdempotencyKey != "" {
		if id, ok := m.idempotency[req.IdempotencyKey]; ok {
			// Only a live reservation is replayed; a released or lapsed one
			// frees its key for a fresh reservation.
			if prior, ok := m.reservations[id]; ok && prior.ActiveAt(now) {
				return cloneReservation(prior), nil
			}
			delete(m.idempotency, req.IdempotencyKey)
		}
	}

	var held []string
	for _, rid := range req.ResourceIDs {
		if m.holderAt(rid, now) != "" {
			held = append(held, rid)
		}
	}
	if len(held) > 0 {
		return nil, alloc.NewConflict("resources already reserved", held...).WithOperation("reserve")
	}

	res := &alloc.Reservation{
		ID:             uuid.New().String(),
		RequesterID:    req.RequesterID,
		ResourceIDs:    slices.Clone(req.ResourceIDs),
		IdempotencyKey: req.IdempotencyKey,
		AcquiredAt:     now,
		Deadline:       now.Add(req.TTL),
		Status:         alloc.ReservationActive,
	}
	m.reservations[res.ID] = res
	for _, rid := range res.ResourceIDs {
		m.locks[rid] = res.ID
	}
	if req.IdempotencyKey != "" {
		m.idempotency[req.IdempotencyKey] = res.ID
	}
	return cloneReservation(res), nil
}

// holderAt returns the reservation holding rid at now. A lock whose reservation
// lapsed is stale and does not count.
func (m *MemoryStore) holderAt(rid string, now time.Time) string {
	id, ok := m.locks[rid]
	if !ok {
		return ""
	}
	res, ok := m.reservations[id]
	if !ok || !res.ActiveAt(now) {
		return ""
	}
	return id
}

// Renew implements Store.
func (m *MemoryStore) Renew(_ context.Context, reservationID string, ttl time.Duration) (*alloc.Reservation, error) {
	if ttl <= 0 {
		return nil, alloc.NewInvalidRequirementSpec("renew ttl must be positive", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[reservationID]
	if !ok || res.Status == alloc.ReservationReleased {
		return nil, alloc.NewNotFound("reservation not found").WithResource(reservationID)
	}
	now := m.clock.Now()
	if !res.ActiveAt(now) {
		return nil, alloc.NewExpired("reservation expired").WithResource(reservationID)
	}
	res.Deadline = now.Add(ttl)
	return cloneReservation(res), nil
}

// Release implements Store.
func (m *MemoryStore) Release(_ context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[reservationID]
	if !ok {
		return alloc.NewNotFound("reservation not found").WithResource(reservationID)
	}
	if res.Status != alloc.ReservationActive {
		return nil
	}

	now := m.clock.Now()
	res.Status = res.ObservedStatus(now)
	if res.Status == alloc.ReservationActive {
		res.Status = alloc.ReservationReleased
	}
	res.ReleasedAt = &now
	if res.IdempotencyKey != "" && m.idempotency[res.IdempotencyKey] == res.ID {
		delete(m.idempotency, res.IdempotencyKey)
	}
	for _, rid := range res.ResourceIDs {
		if m.locks[rid] == res.ID {
			delete(m.locks, rid)
		}
	}
	return nil
}

// ListExpired implements Store.
func (m *MemoryStore) ListExpired(_ context.Context, now time.Time) ([]*alloc.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*alloc.Reservation
	for _, res := range m.reservations {
		if res.Status == alloc.ReservationActive && !res.Deadline.After(now) {
			out = append(out, cloneReservation(res))
		}
	}
	sortByDeadline(out)
	return out, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, reservationID string) (*alloc.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[reservationID]
	if !ok {
		return nil, alloc.NewNotFound("reservation not found").WithResource(reservationID)
	}
	return cloneReservation(res), nil
}

// ListByRequester implements Store.
func (m *MemoryStore) ListByRequester(_ context.Context, requesterID string) ([]*alloc.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*alloc.Reservation
	for _, res := range m.reservations {
		if res.RequesterID == requesterID && res.Status == alloc.ReservationActive {
			out = append(out, cloneReservation(res))
		}
	}
	sortByDeadline(out)
	return out, nil
}

// Holders implements Store.
func (m *MemoryStore) Holders(_ context.Context, resourceIDs []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	out := make(map[string]string)
	for _, rid := range resourceIDs {
		if id := m.holderAt(rid, now); id != "" {
			out[rid] = id
		}
	}
	return out, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

func cloneReservation(r *alloc.Reservation) *alloc.Reservation {
	if r == nil {
		return nil
	}
	c := *r
	c.ResourceIDs = slices.Clone(r.ResourceIDs)
	if r.ReleasedAt != nil {
		t := *r.ReleasedAt
		c.ReleasedAt = &t
	}
	return &c
}

func sortByDeadline(rs []*alloc.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Deadline.Equal(rs[j].Deadline) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].Deadline.Before(rs[j].Deadline)
	})
}
