package stream

import (
	"fmt"
	"time"
)

// State is the lifecycle state of the transport's socket.
type State uint8

const (
	// StateIdle means no connection has been requested yet.
	StateIdle State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateOpen means the socket is live and messages flow.
	StateOpen
	// StateClosing means an intentional shutdown is in progress.
	StateClosing
	// StateClosed means the socket is down. A reconnect may be pending
	// unless the closure was intentional or attempts are exhausted.
	StateClosed
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// CloseCode is an RFC 6455 close status code.
type CloseCode uint16

const (
	// CloseNormal indicates an intentional closure requested by this client.
	CloseNormal CloseCode = 1000
	// CloseGoingAway indicates the peer is shutting down.
	CloseGoingAway CloseCode = 1001
	// CloseAbnormal indicates the connection dropped without a close frame.
	CloseAbnormal CloseCode = 1006
	// CloseStaleHeartbeat is the code this client closes with when a pong
	// deadline lapses and the connection is presumed dead.
	CloseStaleHeartbeat CloseCode = 4000
)

// CloseError reports how a connection ended. Conn implementations return
// it from ReadMessage when the peer sent a close frame.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("stream: connection closed (%d) %s", e.Code, e.Reason)
}

// Defaults for the connection tunables. Zero-valued Config fields fall
// back to these.
const (
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultPingInterval         = 30 * time.Second
	DefaultPongTimeout          = 10 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
)
