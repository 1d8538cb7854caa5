package stores

import (
	"context"
	"testing"
	"time"

	"github.com/envalloc/envalloc/pkg/alloc"
	"github.com/envalloc/envalloc/pkg/telemetry"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newRequest(id string) *alloc.Request {
	return &alloc.Request{
		ID:          id,
		Spec:        alloc.RequirementSpec{Type: "X", Tags: []string{"gpu"}, Quantity: 1, WaitTimeoutSeconds: 5},
		State:       alloc.StateSubmitted,
		SubmittedAt: epoch,
		Deadline:    epoch.Add(5 * time.Second),
		UpdatedAt:   epoch,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"requests", "request_events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migrate failed: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRequestCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	req := newRequest("req-1")
	if err := store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	got, err := store.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("failed to get request: %v", err)
	}
	if got.State != alloc.StateSubmitted {
		t.Errorf("expected state submitted, got %s", got.State)
	}
	if got.Spec.Type != "X" || len(got.Spec.Tags) != 1 || got.Spec.Tags[0] != "gpu" {
		t.Errorf("spec not round-tripped: %+v", got.Spec)
	}
	if !got.Deadline.Equal(req.Deadline) {
		t.Errorf("expected deadline %s, got %s", req.Deadline, got.Deadline)
	}
	if got.CompletedAt != nil || got.LeaseDeadline != nil {
		t.Errorf("expected nil optional times, got %v %v", got.CompletedAt, got.LeaseDeadline)
	}

	// Fulfil it
	leaseDeadline := epoch.Add(30 * time.Minute)
	completed := epoch.Add(time.Second)
	got.State = alloc.StateFulfilled
	got.Attempts = 2
	got.ReservationID = "res-1"
	got.LeaseToken = "token"
	got.LeaseDeadline = &leaseDeadline
	got.CompletedAt = &completed
	got.Resources = []alloc.Resource{{ID: "x-1", Type: "X", Status: alloc.ResourceReserved}}
	got.UpdatedAt = completed
	if err := store.UpdateRequest(ctx, got); err != nil {
		t.Fatalf("failed to update request: %v", err)
	}

	again, err := store.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("failed to get request: %v", err)
	}
	if again.State != alloc.StateFulfilled || again.Attempts != 2 || again.ReservationID != "res-1" {
		t.Errorf("update not persisted: %+v", again)
	}
	if again.LeaseDeadline == nil || !again.LeaseDeadline.Equal(leaseDeadline) {
		t.Errorf("expected lease deadline %s, got %v", leaseDeadline, again.LeaseDeadline)
	}
	if len(again.Resources) != 1 || again.Resources[0].ID != "x-1" {
		t.Errorf("expected resource x-1, got %+v", again.Resources)
	}
}

func TestUpdateRequestRejectsStaleCopy(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateRequest(ctx, newRequest("req-1")); err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	worker, err := store.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("failed to get request: %v", err)
	}
	caller, err := store.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("failed to get request: %v", err)
	}

	worker.State = alloc.StateFulfilled
	worker.ReservationID = "res-1"
	if err := store.UpdateRequest(ctx, worker); err != nil {
		t.Fatalf("failed to update request: %v", err)
	}
	if worker.Version != 1 {
		t.Errorf("expected version 1 after update, got %d", worker.Version)
	}

	caller.State = alloc.StateFailed
	caller.Reason = alloc.KindCancelled
	err = store.UpdateRequest(ctx, caller)
	if !alloc.IsConflict(err) || alloc.CodeOf(err) != alloc.CodeStaleWrite {
		t.Fatalf("expected stale write conflict, got %v", err)
	}

	got, err := store.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("failed to get request: %v", err)
	}
	if got.State != alloc.StateFulfilled || got.ReservationID != "res-1" {
		t.Errorf("stale write overwrote the record: %+v", got)
	}
}

func TestCreateRequestDuplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateRequest(ctx, newRequest("req-1")); err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	err := store.CreateRequest(ctx, newRequest("req-1"))
	if !alloc.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if alloc.CodeOf(err) != alloc.CodeIdempotentReplay {
		t.Errorf("expected code %s, got %s", alloc.CodeIdempotentReplay, alloc.CodeOf(err))
	}
}

func TestGetRequestNotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.GetRequest(ctx, "missing"); !alloc.IsKind(err, alloc.KindNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if err := store.UpdateRequest(ctx, newRequest("missing")); !alloc.IsKind(err, alloc.KindNotFound) {
		t.Errorf("expected NotFound on update, got %v", err)
	}
}

func TestListRequestsByState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, state := range []alloc.State{alloc.StateSubmitted, alloc.StateAttempting, alloc.StateFailed} {
		req := newRequest(string(rune('a' + i)))
		req.State = state
		req.SubmittedAt = epoch.Add(time.Duration(i) * time.Second)
		if err := store.CreateRequest(ctx, req); err != nil {
			t.Fatalf("failed to create request: %v", err)
		}
	}

	pending, err := store.ListRequests(ctx, []alloc.State{alloc.StateSubmitted, alloc.StateAttempting}, 10, 0)
	if err != nil {
		t.Fatalf("failed to list requests: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "a" || pending[1].ID != "b" {
		t.Errorf("expected [a b], got %d requests", len(pending))
	}

	all, err := store.ListRequests(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list requests: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 requests, got %d", len(all))
	}
}

func TestEventLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sub := store.Subscriber()
	sub(telemetry.Event{
		Type: telemetry.EventTypeRequestTransition, RequestID: "req-1",
		FromState: "submitted", ToState: "attempting", Level: "info", Message: "m1", Timestamp: epoch,
	})
	sub(telemetry.Event{
		Type: telemetry.EventTypeRequestTransition, RequestID: "req-1",
		FromState: "attempting", ToState: "timed-out", Reason: "NoResourceAvailable",
		Level: "warning", Message: "m2", Timestamp: epoch.Add(5 * time.Second),
	})
	sub(telemetry.Event{Type: telemetry.EventTypeRequestTransition, Message: "no request id"})

	events, err := store.ListEvents(ctx, "req-1")
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ToState != alloc.StateAttempting || events[1].ToState != alloc.StateTimedOut {
		t.Errorf("unexpected order: %s, %s", events[0].ToState, events[1].ToState)
	}
	if events[1].Reason != "NoResourceAvailable" {
		t.Errorf("expected reason NoResourceAvailable, got %s", events[1].Reason)
	}
}

func TestEvictCompletedBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := newRequest("old")
	oldDone := epoch.Add(time.Minute)
	old.State = alloc.StateTimedOut
	old.CompletedAt = &oldDone

	recent := newRequest("recent")
	recentDone := epoch.Add(2 * time.Hour)
	recent.State = alloc.StateFulfilled
	recent.CompletedAt = &recentDone

	pending := newRequest("pending")
	pending.State = alloc.StateAttempting

	for _, r := range []*alloc.Request{old, recent, pending} {
		if err := store.CreateRequest(ctx, r); err != nil {
			t.Fatalf("failed to create %s: %v", r.ID, err)
		}
	}
	if err := store.AppendEvent(ctx, &RequestEvent{RequestID: "old", Type: "request.transition", Level: "info", Message: "x", Timestamp: epoch}); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	n, err := store.EvictCompletedBefore(ctx, epoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to evict: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 evicted request, got %d", n)
	}
	if _, err := store.GetRequest(ctx, "old"); !alloc.IsKind(err, alloc.KindNotFound) {
		t.Errorf("expected old request evicted, got %v", err)
	}
	for _, id := range []string{"recent", "pending"} {
		if _, err := store.GetRequest(ctx, id); err != nil {
			t.Errorf("expected %s kept, got %v", id, err)
		}
	}
	events, err := store.ListEvents(ctx, "old")
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected events of evicted request removed, got %d", len(events))
	}
}
