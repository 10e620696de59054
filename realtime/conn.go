package realtime

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

//go:generate mockgen -destination=mock_conn_test.go -package=realtime . Conn

// Conn abstracts the WebSocket so Manager can be tested without a real
// server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Dialer opens a Conn to url. It is the socket factory: every connect
// and reconnect calls it once.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// stompSubprotocols are offered during the WebSocket upgrade.
var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// WebsocketDialer dials with coder/websocket, offering the STOMP
// subprotocols.
func WebsocketDialer(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader:   header,
		Subprotocols: stompSubprotocols,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}
