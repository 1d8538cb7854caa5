package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/envalloc/envalloc/pkg/alloc"
)

// ReserveRequest describes one conditional reservation write.
type ReserveRequest struct {
	// ResourceIDs are reserved together or not at all.
	ResourceIDs []string

	// RequesterID is the request that will hold the reservation.
	RequesterID string

	// TTL is the reservation lifetime from the moment it is granted.
	TTL time.Duration

	// IdempotencyKey makes a retried reserve return the first result instead of
	// reserving twice. Callers generate one key per logical attempt. The key
	// is forgotten once its reservation is released or lapses.
	IdempotencyKey string
}

// Validate checks that the request can be written.
func (r ReserveRequest) Validate() error {
	if len(r.ResourceIDs) == 0 {
		return alloc.NewInvalidRequirementSpec("reserve needs at least one resource", nil)
	}
	if r.RequesterID == "" {
		return alloc.NewInvalidRequirementSpec("reserve needs a requester id", nil)
	}
	if r.TTL <= 0 {
		return alloc.NewInvalidRequirementSpec(fmt.Sprintf("reserve ttl must be positive, got %s", r.TTL), nil)
	}
	seen := make(map[string]struct{}, len(r.ResourceIDs))
	for _, id := range r.ResourceIDs {
		if id == "" {
			return alloc.NewInvalidRequirementSpec("reserve got an empty resource id", nil)
		}
		if _, dup := seen[id]; dup {
			return alloc.NewInvalidRequirementSpec("reserve got a duplicate resource id", nil).WithResource(id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Store is the single source of truth for reservations. Every mutation is a
// conditional write keyed on the current holder of each resource, so two
// concurrent reserves for the same resource can never both succeed.
type Store interface {
	// TryReserve atomically claims all resources or returns a Conflict error
	// naming the resources that are held.
	TryReserve(ctx context.Context, req ReserveRequest) (*alloc.Reservation, error)

	// Renew extends an active reservation to now+ttl. It returns NotFound for an
	// unknown or released reservation and Expired past the deadline.
	Renew(ctx context.Context, reservationID string, ttl time.Duration) (*alloc.Reservation, error)

	// Release frees the reservation's resources. A reservation released at or
	// after its deadline is recorded as expired. Releasing twice is a no-op.
	Release(ctx context.Context, reservationID string) error

	// ListExpired returns active reservations whose deadline is at or before now.
	ListExpired(ctx context.Context, now time.Time) ([]*alloc.Reservation, error)

	// Get returns a reservation by id.
	Get(ctx context.Context, reservationID string) (*alloc.Reservation, error)

	// ListByRequester returns the reservations a requester still holds, including
	// ones past their deadline that have not been swept yet.
	ListByRequester(ctx context.Context, requesterID string) ([]*alloc.Reservation, error)

	// Holders returns the reservation id currently holding each of the given
	// resources. Free resources are absent from the map. The result is advisory.
	Holders(ctx context.Context, resourceIDs []string) (map[string]string, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases client resources.
	Close() error
}

// ceilSeconds rounds a ttl up to whole seconds, the granularity of etcd leases.
func ceilSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	if s < 1 {
		s = 1
	}
	return s
}
