package stream

import "context"

// Conn is a minimal interface for one live socket connection. Data frames
// only; control traffic is the implementation's concern. Implementations
// must support one concurrent reader plus one concurrent writer.
// ReadMessage returns *CloseError when the peer sent a close frame.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, payload []byte) error
	Close(code CloseCode, reason string) error
}

// Dialer opens connections to an absolute endpoint URL. Fakes implement
// it to drive the state machine in tests without a network.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}
