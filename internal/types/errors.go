package types

import "errors"

// Sentinel errors for the failure classes the pipeline distinguishes.
// Callers branch with errors.Is; wrap with fmt.Errorf("...: %w", err) to
// attach context without losing the class.
var (
	// ErrValidation marks malformed queries, items, or action params.
	// Rejected synchronously to the caller.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned by store lookups for unknown ids.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is an optimistic write collision; the caller must
	// re-read and retry with the current version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrBackendUnavailable marks an unreachable memory backend. Reads
	// degrade to structured-only results; writes queue for later indexing.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrUnsupportedAction is returned by the translator for action types
	// missing from the catalog.
	ErrUnsupportedAction = errors.New("unsupported action")

	// ErrSafetyRejected marks an action denied by the safety policy. The
	// request is never dispatched.
	ErrSafetyRejected = errors.New("rejected by safety policy")

	// ErrGenerationFailure marks a generator call that failed after all
	// retries. The pipeline falls back to a canned response instead of
	// surfacing this to the caller.
	ErrGenerationFailure = errors.New("generation failed")

	// ErrStoreCorrupt is fatal: the canonical store failed an integrity
	// check. The service marks itself unhealthy and refuses new queries
	// until an operator intervenes.
	ErrStoreCorrupt = errors.New("canonical store corrupt")

	// ErrUnhealthy is returned for new queries while the fatal latch is set.
	ErrUnhealthy = errors.New("service unhealthy")
)
