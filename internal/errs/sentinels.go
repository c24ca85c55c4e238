// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (base version mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates a missing or invalid bearer token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates an authenticated caller lacking the required role.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidArgument indicates a request that fails validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotReady indicates a document whose inputs cannot be computed yet
	// (open session, unparseable timestamp). Not a failure of the core.
	ErrNotReady = errors.New("not ready")
)
