package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer is the production Dialer backed by gorilla/websocket. When
// UnixSocket is set the TCP layer is replaced by a Unix domain socket
// (for a local daemon) while the ws:// URL still selects the endpoint
// path.
type WSDialer struct {
	// HandshakeTimeout bounds the opening handshake. Zero means
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// UnixSocket redirects the underlying dial to a local socket path.
	UnixSocket string
}

// Dial opens a websocket connection to the endpoint URL.
func (d *WSDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	timeout := DefaultHandshakeTimeout
	if d != nil && d.HandshakeTimeout > 0 {
		timeout = d.HandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	if d != nil && d.UnixSocket != "" {
		socket := d.UnixSocket
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, "unix", socket)
		}
	}

	ws, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("stream: dial %s: status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("stream: dial %s: %w", endpoint, err)
	}
	return &wsConn{ws: ws}, nil
}

// wsConn adapts a gorilla connection to the Conn interface.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		msgType, payload, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: CloseCode(ce.Code), Reason: ce.Text}
			}
			return nil, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		return payload, nil
	}
}

func (c *wsConn) WriteMessage(ctx context.Context, payload []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close(code CloseCode, reason string) error {
	msg := websocket.FormatCloseMessage(int(code), reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}
