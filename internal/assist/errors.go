// ABOUTME: Sentinel errors surfaced by the assistant session.
// ABOUTME: Only connection establishment failures reach callers as hard errors.

package assist

import "errors"

// ErrConnection indicates the transport could not be opened or authenticated
// within the connect timeout.
var ErrConnection = errors.New("assist connection failed")

// ErrAuthInvalid indicates the server rejected the access token.
var ErrAuthInvalid = errors.New("assist authentication rejected")

// ErrClosed indicates the session was closed.
var ErrClosed = errors.New("assist session closed")
