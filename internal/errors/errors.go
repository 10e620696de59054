package errors

import "errors"

// Transport errors.
var (
	ErrConnection   = errors.New("connection failed")
	ErrNotConnected = errors.New("not connected")
)

// Payload and session errors.
var (
	ErrDecode          = errors.New("malformed frame body")
	ErrIdentityUnknown = errors.New("current user is not known yet")
)
