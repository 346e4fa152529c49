package asset

import "errors"

// Error taxonomy for the matching and reconciliation engine. Callers test
// with errors.Is; wrapped messages carry the offending id or type.
var (
	// ErrConfigMissing means no active tolerance record exists for an
	// element type. Fatal to that type's matching run, never per-record.
	ErrConfigMissing = errors.New("tolerance configuration missing")

	// ErrMissingGeometry marks a necessity without usable coordinates.
	// The record is downgraded to NO_MATCH, the batch keeps going.
	ErrMissingGeometry = errors.New("necessity has no usable geometry")

	// ErrPersistenceFailure wraps a store write that failed for one
	// record. Counted, logged and skipped; re-running picks the record up
	// again because it remains undecided.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrInvalidTransition is returned when a triage or reconciliation
	// command does not apply to the record's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrMissingJustification is returned when a rejection or an override
	// arrives without a reason.
	ErrMissingJustification = errors.New("missing justification")

	// ErrNotFound is returned by stores for unknown ids.
	ErrNotFound = errors.New("record not found")
)
