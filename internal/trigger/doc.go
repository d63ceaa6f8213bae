// Package trigger starts controller invocations from outside the CLI.
//
// Sources:
//   - http: POST /v1/invocations with a JSON event body
//   - schedule: an interval ticker submitting an empty event
//
// At most one invocation runs per process. A trigger that arrives while
// another invocation is running is rejected with ErrBusy (HTTP 409); it is
// never queued.
package trigger
