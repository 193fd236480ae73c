package chat

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/onnwee/roomwatch/live"
)

// Dialer opens the stream of one room's message server.
type Dialer interface {
	Dial(ctx context.Context, server live.MessageServer) (net.Conn, error)
}

// TCPDialer connects straight to the message server socket.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// Dial implements Dialer.
func (d TCPDialer) Dial(ctx context.Context, server live.MessageServer) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, "tcp", server.HostPort())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", server.HostPort(), err)
	}
	return conn, nil
}

// DefaultWebSocketTemplate addresses a gateway on the message server's own host and port.
const DefaultWebSocketTemplate = "ws://{host}:{port}/"

// WebSocketDialer reaches message servers through a WebSocket gateway that
// relays the same NUL-terminated frames as text messages. URLTemplate may use
// the {host}, {port} and {thread} placeholders.
type WebSocketDialer struct {
	URLTemplate string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// URL expands the template for server.
func (d WebSocketDialer) URL(server live.MessageServer) string {
	tmpl := d.URLTemplate
	if tmpl == "" {
		tmpl = DefaultWebSocketTemplate
	}
	r := strings.NewReplacer(
		"{host}", server.Address,
		"{port}", strconv.Itoa(server.Port),
		"{thread}", strconv.FormatInt(server.Thread, 10),
	)
	return r.Replace(tmpl)
}

// Dial implements Dialer. The returned conn lives until ctx is done or it is closed.
func (d WebSocketDialer) Dial(ctx context.Context, server live.MessageServer) (net.Conn, error) {
	dialCtx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	u := d.URL(server)
	c, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u, err)
	}
	c.SetReadLimit(maxFrameSize)
	return websocket.NetConn(ctx, c, websocket.MessageText), nil
}
