package alloc

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"catalog unavailable", NewCatalogUnavailable("catalog down", nil), KindCatalogUnavailable, true},
		{"no resource", NewNoResourceAvailable("none").WithCode(CodeNoMatchingResources), KindNoResourceAvailable, true},
		{"conflict", NewConflict("taken", "r1"), KindConflict, true},
		{"store unavailable", NewStoreUnavailable("etcd down", errors.New("dial")), KindStoreUnavailable, true},
		{"invalid spec", NewInvalidRequirementSpec("bad", nil), KindInvalidRequirementSpec, false},
		{"timed out", NewTimedOut("late"), KindTimedOut, false},
		{"wrapped", fmt.Errorf("attempt 3: %w", NewConflict("taken")), KindConflict, true},
		{"plain", errors.New("boom"), KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf() = %s, want %s", got, tt.kind)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestErrorIsMatchesKindAndCode(t *testing.T) {
	empty := NewNoResourceAvailable("none").WithCode(CodeNoMatchingResources)
	busy := NewNoResourceAvailable("none").WithCode(CodeAllCandidatesBusy)

	if !errors.Is(empty, &Error{Kind: KindNoResourceAvailable}) {
		t.Error("kind-only target should match regardless of code")
	}
	if !errors.Is(busy, &Error{Kind: KindNoResourceAvailable, Code: CodeAllCandidatesBusy}) {
		t.Error("busy error should match busy target")
	}
	if errors.Is(empty, &Error{Kind: KindNoResourceAvailable, Code: CodeAllCandidatesBusy}) {
		t.Error("empty error must not match busy target")
	}
	if KindOf(empty) != KindOf(busy) {
		t.Error("empty and busy must surface the same kind")
	}
}

func TestConflictingResources(t *testing.T) {
	err := NewConflict("taken", "r2", "r5")
	if got := err.ConflictingResources(); len(got) != 2 || got[0] != "r2" || got[1] != "r5" {
		t.Errorf("ConflictingResources() = %v", got)
	}
	if err.Resource != "r2" {
		t.Errorf("Resource = %q, want r2", err.Resource)
	}
}

func TestRequestTransitions(t *testing.T) {
	req := &Request{ID: "req-1", State: StateSubmitted}

	if err := req.Transition(StateFulfilled, "", ""); err == nil {
		t.Fatal("submitted -> fulfilled must be rejected")
	}
	if err := req.Transition(StateAttempting, "", ""); err != nil {
		t.Fatalf("submitted -> attempting: %v", err)
	}
	if req.Outcome() != OutcomePending {
		t.Errorf("attempting outcome = %s, want pending", req.Outcome())
	}
	if err := req.Transition(StateTimedOut, KindNoResourceAvailable, "nothing free"); err != nil {
		t.Fatalf("attempting -> timed-out: %v", err)
	}
	if req.Reason != KindNoResourceAvailable {
		t.Errorf("reason = %s", req.Reason)
	}

	// Terminal states never move again.
	for _, next := range []State{StateAttempting, StateFulfilled, StateFailed, StateSubmitted} {
		var terr *TransitionError
		if err := req.Transition(next, KindInternal, ""); !errors.As(err, &terr) {
			t.Errorf("timed-out -> %s should fail with TransitionError, got %v", next, err)
		}
	}
	if req.Outcome() != OutcomeTimedOut || req.Reason != KindNoResourceAvailable {
		t.Errorf("terminal outcome changed: %s/%s", req.Outcome(), req.Reason)
	}
}

func TestRequirementSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    RequirementSpec
		wantErr bool
	}{
		{"valid", RequirementSpec{Type: "iut", Quantity: 1}, false},
		{"valid with tags", RequirementSpec{Type: "iut", Tags: []string{"arm64"}, Quantity: 2, WaitTimeoutSeconds: 10}, false},
		{"missing type", RequirementSpec{Quantity: 1}, true},
		{"zero quantity", RequirementSpec{Type: "iut"}, true},
		{"too many", RequirementSpec{Type: "iut", Quantity: 65}, true},
		{"empty tag", RequirementSpec{Type: "iut", Quantity: 1, Tags: []string{""}}, true},
		{"negative timeout", RequirementSpec{Type: "iut", Quantity: 1, WaitTimeoutSeconds: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsKind(err, KindInvalidRequirementSpec) {
				t.Errorf("kind = %s, want InvalidRequirementSpec", KindOf(err))
			}
		})
	}
}

func TestResourceValidate(t *testing.T) {
	tests := []struct {
		name    string
		res     Resource
		wantErr bool
	}{
		{"valid", Resource{ID: "iut-1", Type: "iut"}, false},
		{"valid with status", Resource{ID: "iut-1", Type: "iut", Tags: []string{"lab"}, Status: ResourceInUse}, false},
		{"missing id", Resource{Type: "iut"}, true},
		{"missing type", Resource{ID: "iut-1"}, true},
		{"empty tag", Resource{ID: "iut-1", Type: "iut", Tags: []string{""}}, true},
		{"unknown status", Resource{ID: "iut-1", Type: "iut", Status: "borrowed"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.res.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsKind(err, KindInvalidRequirementSpec) {
				t.Errorf("kind = %s, want InvalidRequirementSpec", KindOf(err))
			}
		})
	}
}

func TestReservationObservedStatus(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := &Reservation{Status: ReservationActive, Deadline: now.Add(time.Second)}

	if !r.ActiveAt(now) || r.ObservedStatus(now) != ReservationActive {
		t.Error("reservation should be active before its deadline")
	}
	if r.ActiveAt(now.Add(time.Second)) {
		t.Error("reservation must not be active at its deadline")
	}
	if got := r.ObservedStatus(now.Add(2 * time.Second)); got != ReservationExpired {
		t.Errorf("ObservedStatus past deadline = %s, want expired", got)
	}
}

func TestResourceMatches(t *testing.T) {
	r := Resource{ID: "r1", Type: "iut", Tags: []string{"arm64", "lab-a"}}
	if !r.Matches(RequirementSpec{Type: "iut", Tags: []string{"lab-a"}}) {
		t.Error("expected match on subset of tags")
	}
	if r.Matches(RequirementSpec{Type: "iut", Tags: []string{"x86"}}) {
		t.Error("unexpected match on missing tag")
	}
	if r.Matches(RequirementSpec{Type: "log-area"}) {
		t.Error("unexpected match on other type")
	}
}
