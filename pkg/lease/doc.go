// Package lease is the durable record of reservations.
//
// Two Store implementations are provided:
//
//   - EtcdStore keeps reservations in an etcd cluster. Each reserve is a single
//     transaction that compares the create revision of every resource lock key
//     against zero and writes all locks, the reservation record and the
//     idempotency key together. The etcd client follows the cluster leader, so
//     callers only see StoreUnavailable while an election is in progress and
//     retry with the same idempotency key.
//   - MemoryStore serves single-process deployments and tests.
//
// Reservations past their deadline stop holding their resources immediately,
// but stay listed by ListExpired until someone releases them. The sweeper in
// package supervisor is that someone.
//
// Signer issues the lease tokens handed to callers.
package lease
