// Package reservation implements the rank-then-reserve allocation pass.
//
// One pass lists matching resources from the catalog, drops those the catalog
// reports busy or the lease store reports held, ranks the rest least recently
// freed first with the resource id as tie-break, and tries to reserve the top
// Quantity of them in one conditional write. A Conflict excludes the resources
// that were taken and moves on to the next ones in rank order. Every store
// write carries an idempotency key derived from the request id, attempt number
// and round, so a write retried after StoreUnavailable cannot reserve twice.
//
// NoResourceAvailable is returned with CodeNoMatchingResources when the
// catalog has too few matching resources at all, and with CodeAllCandidatesBusy
// when enough exist but they are taken.
package reservation
