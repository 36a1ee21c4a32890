package client

import "errors"

// Sentinel error kinds for this package.
var (
	// ErrTransport marks network failures, timeouts and non-200 responses.
	ErrTransport = errors.New("transport error")
	// ErrMalformedResponse marks a 200 response whose body cannot be decoded.
	ErrMalformedResponse = errors.New("malformed response")
)
