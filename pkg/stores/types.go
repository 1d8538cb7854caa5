package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/envalloc/envalloc/pkg/alloc"
)

// RequestEvent is an append-only lifecycle record of a request.
type RequestEvent struct {
	ID            int64       `json:"id"`
	RequestID     string      `json:"request_id"`
	Type          string      `json:"type"` // request.transition, reservation.released, reservation.expired, policy.violation
	FromState     alloc.State `json:"from_state,omitempty"`
	ToState       alloc.State `json:"to_state,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	ReservationID string      `json:"reservation_id,omitempty"`
	Level         string      `json:"level"`
	Message       string      `json:"message"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Store defines the interface for the request audit store.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Request operations
	CreateRequest(ctx context.Context, req *alloc.Request) error
	GetRequest(ctx context.Context, id string) (*alloc.Request, error)
	UpdateRequest(ctx context.Context, req *alloc.Request) error
	ListRequests(ctx context.Context, states []alloc.State, limit, offset int) ([]*alloc.Request, error)

	// Event operations
	AppendEvent(ctx context.Context, event *RequestEvent) error
	ListEvents(ctx context.Context, requestID string) ([]*RequestEvent, error)

	// Retention
	EvictCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
