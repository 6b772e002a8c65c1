package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// Conn is one open socket. Read blocks until a message arrives or the
// connection fails. Close unblocks a pending Read.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Transport opens sockets.
type Transport interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Close codes used by the client.
const (
	CloseNormal         = int(websocket.StatusNormalClosure)
	ClosePolicyViolated = int(websocket.StatusPolicyViolation)
)

// WebSocketTransport dials text WebSockets with nhooyr.io/websocket.
type WebSocketTransport struct {
	// ReadLimit caps a single inbound message. Zero keeps the library default.
	ReadLimit  int64
	HTTPClient *http.Client
}

// NewWebSocketTransport creates a WebSocketTransport.
func NewWebSocketTransport(readLimit int64) *WebSocketTransport {
	return &WebSocketTransport{ReadLimit: readLimit}
}

func (t *WebSocketTransport) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if t.ReadLimit > 0 {
		ws.SetReadLimit(t.ReadLimit)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(code int, reason string) error {
	err := c.ws.Close(websocket.StatusCode(code), reason)
	var ce websocket.CloseError
	if errors.As(err, &ce) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// CloseStatus extracts the WebSocket close code from err, or -1.
func CloseStatus(err error) int {
	return int(websocket.CloseStatus(err))
}
