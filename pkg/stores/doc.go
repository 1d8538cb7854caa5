// Package stores provides the request audit store.
// It keeps request records and their lifecycle events in SQLite, with
// migrations embedded in the binary and time-based retention.
package stores
