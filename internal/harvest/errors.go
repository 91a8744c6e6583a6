package harvest

import "errors"

// Failure taxonomy. Per-item failures are folded into record Error strings by the stage
// worker; callers match the underlying cause with errors.Is.
var (
	ErrFetchFailure      = errors.New("fetch failure")
	ErrBlocked           = errors.New("blocked by antibot protection")
	ErrPayloadMissing    = errors.New("structured payload missing")
	ErrParseFailure      = errors.New("payload parse failure")
	ErrRetryExhausted    = errors.New("attempts exhausted")
	ErrAdmissionRejected = errors.New("job already active for user")
	ErrNoItems           = errors.New("stage produced no items")
)
