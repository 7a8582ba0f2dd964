// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP
// responses (via the `fail()` helper in this package). These codes give clients
// a stable, machine-readable error taxonomy that supplements human-readable
// messages; clients branch on the code, never on the message text.
//
// Conventions:
//   - Codes are UPPER_SNAKE_CASE and stable across releases.
//   - Every error response carries both an HTTP status and one of these codes.
//   - Handlers select the most specific matching code; generic fallbacks
//     (BAD_REQUEST, INTERNAL_ERROR) exist for cases the taxonomy does not name.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "SELF_MERGE",
//	  "message": "cannot merge an account into itself"
//	}
package handlers

const (
	// Generic codes.
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternal         = "INTERNAL_ERROR"

	// Authentication and cross-site gates.
	ErrCodeNotAuthenticated = "NOT_AUTHENTICATED"
	ErrCodeAnonymousCaller  = "ANONYMOUS_CALLER"
	ErrCodeOriginForbidden  = "ORIGIN_FORBIDDEN"
	ErrCodeCSRFForbidden    = "CSRF_FORBIDDEN"

	// Merge protocol.
	ErrCodeMissingMergeToken = "MISSING_MERGE_TOKEN"
	ErrCodeInvalidMergeToken = "INVALID_MERGE_TOKEN"
	ErrCodeSelfMerge         = "SELF_MERGE"
	ErrCodeMergeInProgress   = "MERGE_IN_PROGRESS"
	ErrCodeStoreUnavailable  = "STORE_UNAVAILABLE"

	// Sessions.
	ErrCodeInvalidUser = "INVALID_USER"
)
