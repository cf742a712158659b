package stream

import "github.com/yanun0323/errors"

var (
	// ErrBadConfig reports an invalid transport configuration.
	ErrBadConfig = errors.New("stream: invalid config")
	// ErrNotOpen reports a send attempted while the socket is not open.
	ErrNotOpen = errors.New("stream: transport not open")
	// ErrClosed reports a connect interrupted by an intentional disconnect.
	ErrClosed = errors.New("stream: transport closed")
	// ErrMissingType reports an envelope without the required type field.
	ErrMissingType = errors.New("stream: envelope missing type")
	// ErrMaxAttempts reports an exhausted reconnect budget. It is delivered
	// once to the error handlers; the transport stays down until the next
	// explicit Connect.
	ErrMaxAttempts = errors.New("stream: max reconnect attempts reached")
)
