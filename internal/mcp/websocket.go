package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/config"
)

// wsSubprotocol is the WebSocket subprotocol MCP servers expect.
const wsSubprotocol = "mcp"

// WebSocketConfig configures a WebSocket MCP transport.
type WebSocketConfig struct {
	// URL is the server endpoint. http(s) schemes are rewritten to
	// ws(s).
	URL string

	// Headers are sent with the opening handshake.
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WebSocketTransport carries one JSON-RPC message per text frame over
// a full-duplex socket. A read loop routes responses to waiters by id.
type WebSocketTransport struct {
	url     string
	headers map[string]string
	logger  *slog.Logger

	connMu sync.Mutex // guards conn and closed; serializes writes
	conn   *websocket.Conn
	closed bool

	pending *pending
}

// NewWebSocketTransport creates a WebSocket transport for the given config.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		logger:  logger,
		pending: newPending(),
	}
}

// Start dials the server and starts the read loop.
func (t *WebSocketTransport) Start(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.closed {
		return ErrSessionClosed
	}
	if t.conn != nil {
		return nil
	}

	u, err := url.Parse(t.url)
	if err != nil {
		return fmt.Errorf("parse websocket URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	header := http.Header{}
	for k, v := range t.headers {
		header.Set(k, v)
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", buildinfo.UserAgent())
	}

	t.logger.Info("connecting to MCP WebSocket", "url", u.String())

	dialer := websocket.Dialer{
		ReadBufferSize:   1024 * 1024,
		WriteBufferSize:  64 * 1024,
		HandshakeTimeout: 15 * time.Second,
		Subprotocols:     []string{wsSubprotocol},
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial websocket: %w (HTTP %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	t.conn = conn
	go t.readLoop(conn)
	return nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		t.logger.Log(context.Background(), config.LevelTrace, "MCP ws recv", "frame", string(data))
		dispatch(data, t.pending, t.reply, t.logger)
	}

	t.connMu.Lock()
	deliberate := t.closed
	t.connMu.Unlock()
	if deliberate {
		t.pending.fail(ErrSessionClosed)
		return
	}
	t.pending.fail(lostf("websocket read: %v", readErr))
	t.logger.Warn("MCP WebSocket connection lost", "error", readErr)
}

func (t *WebSocketTransport) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.closed {
		return ErrSessionClosed
	}
	if t.conn == nil {
		return ErrNotConnected
	}
	t.logger.Log(context.Background(), config.LevelTrace, "MCP ws send", "frame", string(data))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return lostf("websocket write: %v", err)
	}
	return nil
}

func (t *WebSocketTransport) reply(r *rawResponse) {
	if err := t.write(r); err != nil {
		t.logger.Debug("failed to answer server request", "error", err)
	}
}

// Send writes the request frame and waits for the matching response.
func (t *WebSocketTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ch, err := t.pending.register(req.ID)
	if err != nil {
		return nil, err
	}
	if err := t.write(req); err != nil {
		t.pending.cancel(req.ID)
		return nil, err
	}
	return t.pending.wait(ctx, req.ID, ch)
}

// Notify writes a notification frame.
func (t *WebSocketTransport) Notify(_ context.Context, notif *Notification) error {
	if err := t.pending.failure(); err != nil {
		return err
	}
	return t.write(notif)
}

// Close sends a close frame and shuts the socket.
func (t *WebSocketTransport) Close() error {
	t.connMu.Lock()
	if t.closed {
		t.connMu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.connMu.Unlock()

	if conn == nil {
		t.pending.fail(ErrSessionClosed)
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := conn.Close()
	t.pending.fail(ErrSessionClosed)
	return err
}
