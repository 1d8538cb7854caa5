// Package api serves the environment allocation HTTP API.
//
//	POST   /environment               submit a requirement spec, 202 {requestId, status}
//	GET    /environment/{id}          request status, lease token once fulfilled
//	DELETE /environment/{id}          cancel a pending request or release its resources
//	POST   /environment/{id}/renew    extend the reservation, body {ttlSeconds}
//	DELETE /environment/{id}/reservations/{rid}
//	                                  release one reservation of the request
//	POST   /register                  add provider resources, body {resources}
//	GET    /healthz                   lease store and audit database health
//	GET    /metrics                   Prometheus metrics
//
// Release, single release and renew need the lease token in the X-Lease-Token
// header or as a bearer token. Failures are answered with {reason, code,
// message} where reason is an error kind; internal errors never leak their text.
package api
