package auth

import "errors"

var (
	// ErrUnauthenticated covers every reason a caller is not signed in. Callers must not
	// learn which check failed.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrForbidden       = errors.New("auth: forbidden")
	ErrScopeRequired   = errors.New("auth: village_id is required")
	ErrInvalidToken    = errors.New("auth: invalid token")
	ErrSessionNotFound = errors.New("auth: session not found")
	ErrAdminNotFound   = errors.New("auth: admin not found")
	ErrInvalidInput    = errors.New("auth: invalid input")
)
