package alloc

import (
	"slices"
	"time"
)

// ResourceStatus is the catalog-observed status of an allocatable unit.
type ResourceStatus string

const (
	ResourceFree     ResourceStatus = "free"
	ResourceReserved ResourceStatus = "reserved"
	ResourceInUse    ResourceStatus = "in-use"
	ResourceExpired  ResourceStatus = "expired"
	ResourceUnknown  ResourceStatus = "unknown"
)

// ReservationStatus is the lifecycle status of a Reservation.
type ReservationStatus string

const (
	ReservationPending  ReservationStatus = "pending"
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// Outcome is the caller-visible outcome of a Request.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeFulfilled Outcome = "fulfilled"
	OutcomeTimedOut  Outcome = "timed-out"
	OutcomeFailed    Outcome = "failed"
)

// Resource is an allocatable unit such as an IUT instance or an execution slot.
type Resource struct {
	// ID is the unique identifier of the resource in the catalog.
	ID string `json:"id" yaml:"id" validate:"required,max=256"`

	// Type is the resource type requests match against.
	Type string `json:"type" yaml:"type" validate:"required,max=128"`

	// Tags are capability tags. A requirement matches when all its tags are present.
	Tags []string `json:"tags,omitempty" yaml:"tags" validate:"dive,required"`

	// Status is the status last reported by the catalog.
	Status ResourceStatus `json:"status" yaml:"status" validate:"omitempty,oneof=free reserved in-use expired unknown"`

	// LastSeen is when the catalog last reported this resource.
	LastSeen time.Time `json:"lastSeen" yaml:"lastSeen"`

	// FreedAt is when the resource last became free, if known.
	FreedAt time.Time `json:"freedAt,omitempty" yaml:"freedAt"`

	// Attributes carry provider specific descriptors returned to the caller.
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes"`
}

// HasTags reports whether the resource carries every tag in tags.
func (r Resource) HasTags(tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(r.Tags, t) {
			return false
		}
	}
	return true
}

// Matches reports whether the resource satisfies the type and tags of spec.
func (r Resource) Matches(spec RequirementSpec) bool {
	return r.Type == spec.Type && r.HasTags(spec.Tags)
}

// Reservation is a time-bounded claim on one or more resources.
type Reservation struct {
	// ID is the reservation identifier.
	ID string `json:"id"`

	// RequesterID is the request that holds the reservation.
	RequesterID string `json:"requesterId"`

	// ResourceIDs lists the reserved resources.
	ResourceIDs []string `json:"resourceIds"`

	// IdempotencyKey makes a retried reserve return the original reservation.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	// AcquiredAt is when the reservation was granted.
	AcquiredAt time.Time `json:"acquiredAt"`

	// Deadline is when the reservation lapses unless renewed.
	Deadline time.Time `json:"deadline"`

	// Status is the reservation status.
	Status ReservationStatus `json:"status"`

	// ReleasedAt is set once the reservation leaves the active state.
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
}

// ActiveAt reports whether the reservation still holds its resources at now.
// An active reservation past its deadline is reported inactive even before the
// sweeper has transitioned it.
func (r *Reservation) ActiveAt(now time.Time) bool {
	return r.Status == ReservationActive && now.Before(r.Deadline)
}

// ObservedStatus returns the status an independent reader should see at now.
func (r *Reservation) ObservedStatus(now time.Time) ReservationStatus {
	if r.Status == ReservationActive && !now.Before(r.Deadline) {
		return ReservationExpired
	}
	return r.Status
}

// RequirementSpec describes the environment a caller asks for.
type RequirementSpec struct {
	// Type is the resource type to allocate.
	Type string `json:"type" validate:"required,max=128"`

	// Tags are capability tags every allocated resource must carry.
	Tags []string `json:"tags,omitempty" validate:"max=32,dive,required,max=128"`

	// Quantity is the number of resources to allocate together.
	Quantity int `json:"quantity" validate:"min=1,max=64"`

	// WaitTimeoutSeconds bounds how long the request may wait for availability.
	// Zero selects the configured default.
	WaitTimeoutSeconds int `json:"waitTimeoutSeconds,omitempty" validate:"min=0,max=86400"`

	// LeaseSeconds is the requested lease length. Zero selects the configured default.
	LeaseSeconds int `json:"leaseSeconds,omitempty" validate:"min=0,max=604800"`
}

// Request is a caller's ask for an environment and its lifecycle record.
type Request struct {
	// ID is the request identifier and the dispatcher's idempotency key.
	ID string `json:"id"`

	// Spec is the requirement spec.
	Spec RequirementSpec `json:"spec"`

	// State is the supervisor state.
	State State `json:"state"`

	// Reason is the reason code of a terminal state.
	Reason Kind `json:"reason,omitempty"`

	// Message is a human-readable explanation of the reason.
	Message string `json:"message,omitempty"`

	// SubmittedAt is when the request was taken in.
	SubmittedAt time.Time `json:"submittedAt"`

	// Deadline is when the wait budget runs out.
	Deadline time.Time `json:"deadline"`

	// Attempts counts reservation attempts.
	Attempts int `json:"attempts"`

	// ReservationID is set once fulfilled.
	ReservationID string `json:"reservationId,omitempty"`

	// LeaseToken is the opaque release handle, set once fulfilled.
	LeaseToken string `json:"leaseToken,omitempty"`

	// LeaseDeadline is the expiry of the granted reservation.
	LeaseDeadline *time.Time `json:"leaseDeadline,omitempty"`

	// Resources describes the allocated resources.
	Resources []Resource `json:"resources,omitempty"`

	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time `json:"updatedAt"`

	// CompletedAt is when the request reached a terminal state.
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// ReleasedAt is when the caller released the environment.
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`

	// Version counts stored updates. A write must carry the version it read.
	Version int64 `json:"-"`
}

// Outcome derives the caller-visible outcome from the supervisor state.
func (r *Request) Outcome() Outcome {
	return r.State.Outcome()
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *Request) Clone() *Request {
	c := *r
	c.Spec.Tags = slices.Clone(r.Spec.Tags)
	c.Resources = slices.Clone(r.Resources)
	if r.LeaseDeadline != nil {
		d := *r.LeaseDeadline
		c.LeaseDeadline = &d
	}
	if r.CompletedAt != nil {
		d := *r.CompletedAt
		c.CompletedAt = &d
	}
	if r.ReleasedAt != nil {
		d := *r.ReleasedAt
		c.ReleasedAt = &d
	}
	return &c
}

// Allocation is the result of a successful reservation attempt.
type Allocation struct {
	Reservation *Reservation `json:"reservation"`
	Resources   []Resource   `json:"resources"`
	Token       string       `json:"token"`
}
