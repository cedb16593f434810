package eventlog

import "errors"

// ErrConflict is returned when a proposed event fails validation against
// current derived state: an invalid status transition, a double-freeze, a
// dispatch against a task that already has an in-flight session with a
// different token.
var ErrConflict = errors.New("eventlog: conflict")

// ErrDuplicate is returned when an idempotency key (command id or dispatch
// token) matches a prior append. The caller should treat this as a no-op
// and use the original result, not retry.
var ErrDuplicate = errors.New("eventlog: duplicate")

// ErrNotFound is returned when a command references a task, session, or
// topic that does not exist in derived state.
var ErrNotFound = errors.New("eventlog: not found")

// ErrBusy is returned when the log's pending command queue is above its
// high-water mark. Callers should retry.
var ErrBusy = errors.New("eventlog: busy")
