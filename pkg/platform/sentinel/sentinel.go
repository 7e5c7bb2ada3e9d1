package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: record does not exist in the store
//   - ErrConflict: transaction contention or a uniqueness race; retryable
//   - ErrInvalidState: record in wrong state for the requested operation
//   - ErrUnavailable: backing store temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
