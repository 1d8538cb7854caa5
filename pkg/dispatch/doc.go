// Package dispatch moves allocation requests off the synchronous API path.
//
// Submit enqueues a Task and returns a Handle right away. A fixed pool of
// workers drains the queue and hands each task to a Runner, which in this
// service is the supervisor's retry loop. At most one task per request id is
// in flight: a second Submit for the same id returns the first handle.
//
// Workers keep no allocation state. Everything durable lives in the lease
// store, so a task that fails mid-attempt can be redelivered safely.
package dispatch
