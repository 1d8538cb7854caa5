// Package alloc defines the data model shared by every envalloc component.
//
// # Data Model
//
//   - Resource: an allocatable unit reported by the catalog
//   - Reservation: a time-bounded claim on one or more resources, owned by the lease store
//   - Request: a caller's ask for an environment, driven through the supervisor states
//   - Allocation: the reservation, resources and lease token of a fulfilled request
//
// # Request States
//
// A request moves submitted -> attempting -> {fulfilled | timed-out | failed}.
// Submitted may also move straight to failed when the caller cancels before the
// first attempt. Request.Transition rejects any other move, so an outcome is set
// exactly once and never reverts.
//
// # Errors
//
// Every component reports failures as *Error values classified for retry logic:
//
//	if alloc.IsRetryable(err) {
//	    // back off and try again inside the wait budget
//	}
//
// The Kind of an error is the reason code a caller sees on a terminal request.
// Diagnostic codes such as CodeNoMatchingResources and CodeAllCandidatesBusy are
// kept for logs and metrics and never change the kind.
package alloc
