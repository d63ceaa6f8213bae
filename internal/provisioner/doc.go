// Package provisioner drives one spot fleet request from submission to either
// a running instance or a cancelled request.
//
// States:
//   - submitting -> submitted -> awaiting_instance -> active
//   - submitting -> submit_failed
//   - awaiting_instance -> timed_out -> cancel_requested -> cancelled
//
// A request that reaches timed_out is always cancelled with instance
// termination, including when the invocation context is already done. A
// failed cancel is logged and the outcome stays a failure.
//
// Polling:
//   - Each attempt waits one interval and then lists the fleet's active instances.
//   - Errors wrapping domain.ErrPermanent end polling early; other errors use up an attempt.
//   - With a context deadline the attempt count is shortened so the cancel still fits.
package provisioner
