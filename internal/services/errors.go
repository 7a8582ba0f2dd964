// Package services defines the business logic for the session and merge
// operations. This file centralizes common service-level error values so that
// they can be consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing messages or HTTP status codes is performed at the handler
// layer.
package services

import "errors"

// Merge-related errors.
var (
	// ErrSelfMerge is returned when the merge claim's subject resolves to
	// the same identity as the authenticated caller.
	ErrSelfMerge = errors.New("cannot merge an identity into itself")

	// ErrMergeInFlight is returned when another request currently holds the
	// pending merge record for the same (subject, target) pair.
	ErrMergeInFlight = errors.New("merge already in progress")

	// ErrStoreUnavailable is returned when the idempotency store or the
	// data store cannot be reached; the attempt left no partial state and
	// may be retried.
	ErrStoreUnavailable = errors.New("store unavailable")
)
