package engine

import "errors"

// Failure taxonomy. Every engine operation returns one of these (wrapped)
// or a store error; no failure is fatal to the session and every failure
// leaves local state consistent.
var (
	// ErrDenied: the role gate refused the mutation. Nothing changed.
	ErrDenied = errors.New("authorization denied")

	// ErrNotFound: the target session/token does not exist remotely.
	ErrNotFound = errors.New("not found")

	// ErrValidation: rejected before any write was attempted.
	ErrValidation = errors.New("validation failed")

	// ErrStore: a write or patch was rejected by the store. Optimistic
	// state has been rolled back; the engine does not retry.
	ErrStore = errors.New("store failure")
)
