package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"

	"github.com/nugget/toolhost/internal/config"
	"github.com/nugget/toolhost/internal/httpkit"
)

// sessionHeader carries the server-assigned session id.
const sessionHeader = "Mcp-Session-Id"

// HTTPConfig configures a streamable HTTP MCP transport.
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC message is POSTed to a single endpoint. The server
// answers a request either with an application/json body or with a
// text/event-stream body that ends once the matching response has been
// sent.
type HTTPTransport struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
	started   bool
	closed    bool
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit; request
// deadlines come from the caller's context.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithResponseHeaderTimeout(0),
		httpkit.WithHeaders(cfg.Headers),
		httpkit.WithRetry(2, httpkit.DefaultRetryDelay),
		httpkit.WithLogger(logger),
	)

	return &HTTPTransport{
		url:        cfg.URL,
		httpClient: client,
		logger:     logger,
	}
}

// Start marks the transport usable. Streamable HTTP has no standing
// connection; reachability is proven by the initialize request.
func (t *HTTPTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrSessionClosed
	}
	t.started = true
	return nil
}

func (t *HTTPTransport) newPost(ctx context.Context, body []byte) (*http.Request, error) {
	t.mu.RLock()
	started, closed, sid := t.started, t.closed, t.sessionID
	t.mu.RUnlock()
	if closed {
		return nil, ErrSessionClosed
	}
	if !started {
		return nil, ErrNotConnected
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid != "" {
		req.Header.Set(sessionHeader, sid)
	}
	return req, nil
}

// do executes a POST and classifies transport failures.
func (t *HTTPTransport) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, lostf("HTTP request to %s: %v", t.url, err)
	}

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if resp.StatusCode == http.StatusNotFound && req.Header.Get(sessionHeader) != "" {
		httpkit.DrainAndClose(resp.Body, 1<<20)
		return nil, lostf("MCP session %s expired", req.Header.Get(sessionHeader))
	}
	return resp, nil
}

// Send POSTs a JSON-RPC request and returns the matching response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP http send", "frame", string(body))

	httpReq, err := t.newPost(ctx, body)
	if err != nil {
		return nil, err
	}
	httpResp, err := t.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody)
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readStream(ctx, httpResp, req.ID)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxFrameSize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, lostf("read response body: %v", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP http recv", "frame", string(respBody))

	var msg message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	resp, ok := msg.response()
	if !ok || !msg.isResponse() || resp.ID != req.ID {
		return nil, fmt.Errorf("%w: response does not match request %d", ErrMalformedResponse, req.ID)
	}
	return resp, nil
}

// readStream consumes an event-stream response body until the response
// for id arrives. Server requests interleaved in the stream are
// answered with separate POSTs.
func (t *HTTPTransport) readStream(ctx context.Context, resp *http.Response, id int64) (*Response, error) {
	var found *Response
	p := newPending()
	ch, _ := p.register(id)

	err := readEvents(resp, func(ev sseEvent) bool {
		if ev.Event != "message" {
			return true
		}
		t.logger.Log(ctx, config.LevelTrace, "MCP http recv", "frame", ev.Data)
		dispatch([]byte(ev.Data), p, t.reply, t.logger)
		select {
		case found = <-ch:
			return false
		default:
			return true
		}
	})
	if found != nil {
		return found, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, lostf("event stream ended before response %d: %v", id, err)
}

func (t *HTTPTransport) reply(r *rawResponse) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), httpkit.DefaultResponseHeader)
		defer cancel()
		if err := t.post(ctx, r); err != nil {
			t.logger.Debug("failed to answer server request", "error", err)
		}
	}()
}

// post sends a message that expects no JSON-RPC response.
func (t *HTTPTransport) post(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP http send", "frame", string(body))

	httpReq, err := t.newPost(ctx, body)
	if err != nil {
		return err
	}
	httpResp, err := t.do(ctx, httpReq)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	// Accept 200 and 202 (accepted) for notifications.
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, errBody)
	}
	return nil
}

// Notify sends a JSON-RPC notification via HTTP POST.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	return t.post(ctx, notif)
}

// Close ends the server-side session with a DELETE when one was
// assigned. Failures are logged, not returned: the server will expire
// the session on its own.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sid := t.sessionID
	t.mu.Unlock()

	if sid == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpkit.DefaultResponseHeader)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(sessionHeader, sid)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Debug("MCP session DELETE failed", "error", err)
		return nil
	}
	httpkit.DrainAndClose(resp.Body, 1<<20)
	return nil
}
