// Package supervisor owns the lifecycle of an allocation request.
//
// Supervisor.Run moves a request from submitted to attempting and calls the
// reservation engine until it is granted, the wait budget runs out or a
// non-retryable error occurs. Waits between attempts grow exponentially with
// jitter and never extend past the request deadline. Time comes from a
// clock.Clock, so tests drive the loop with clock.Fake instead of sleeping.
//
// On timeout every reservation the request still holds is released before
// the timed-out state is recorded.
//
// Sweeper is the backstop for reservations nobody released: the elected
// leader periodically lists reservations past their deadline and releases
// them, whatever state their request is in.
package supervisor
