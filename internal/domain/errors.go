package domain

import "errors"

// Sentinel errors. These name kinds, not exhaustive taxonomies — callers
// use errors.Is against these, never string matching.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrInvalidPrice       = errors.New("invalid price")
	ErrMissingAssociation = errors.New("missing association")
	ErrMalformedAlert     = errors.New("malformed alert")
	ErrWSDisconnect       = errors.New("websocket disconnected")
	ErrContextDone        = errors.New("context cancelled")
	ErrLockHeld           = errors.New("lock already held")
	ErrRemoteShapeMismatch = errors.New("remote response shape mismatch")
)
