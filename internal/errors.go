package gateway

import "errors"

// Sentinel errors for the gateway domain. The server package maps these
// to HTTP status codes in a single place.
var (
	ErrBadRequest     = errors.New("bad request")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrRateLimited    = errors.New("rate limited")
	ErrIPBanned       = errors.New("ip banned")
	ErrNoProviderKeys = errors.New("no provider keys available")
)
