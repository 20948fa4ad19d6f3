package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/nugget/toolhost/internal/config"
	"github.com/nugget/toolhost/internal/httpkit"
)

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	Event string
	Data  string
}

// readEvents decodes a text/event-stream response body and calls fn for
// each event that carries data. Decoding stops when fn returns false or
// the stream ends; the end of the stream is reported as io.EOF.
// Comment lines and the id and retry fields are ignored.
func readEvents(resp *http.Response, fn func(sseEvent) bool) error {
	dec := ssestream.NewDecoder(resp)
	if dec == nil {
		return io.EOF
	}
	for dec.Next() {
		raw := dec.Event()
		if len(raw.Data) == 0 {
			continue
		}
		ev := sseEvent{
			Event: raw.Type,
			Data:  strings.TrimSuffix(string(raw.Data), "\n"),
		}
		if ev.Event == "" {
			ev.Event = "message"
		}
		if !fn(ev) {
			return nil
		}
	}
	if err := dec.Err(); err != nil {
		return err
	}
	return io.EOF
}

// SSEConfig configures an SSE MCP transport.
type SSEConfig struct {
	// URL is the event stream endpoint (GET).
	URL string

	// Headers are sent with the stream request and every POST.
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// SSETransport speaks the HTTP+SSE MCP transport: a long-lived GET
// carries server-to-client messages as "message" events, and each
// client-to-server message is POSTed to the endpoint URL announced by
// the server's first "endpoint" event.
type SSETransport struct {
	url    string
	logger *slog.Logger

	streamClient *http.Client // no overall timeout; the stream is long-lived
	postClient   *http.Client

	pending *pending

	mu       sync.RWMutex
	endpoint string
	cancel   context.CancelFunc
	body     io.ReadCloser
	closed   bool
}

// NewSSETransport creates an SSE transport for the given config.
func NewSSETransport(cfg SSEConfig) *SSETransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SSETransport{
		url:    cfg.URL,
		logger: logger,
		streamClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithLogger(logger),
		),
		postClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(0),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithRetry(2, httpkit.DefaultRetryDelay),
			httpkit.WithLogger(logger),
		),
		pending: newPending(),
	}
}

// Start opens the event stream and waits for the endpoint event.
func (t *SSETransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrSessionClosed
	}
	if t.body != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	// The stream must outlive ctx, but ctx still bounds establishment.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.url, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.streamClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open SSE stream %s: %w", t.url, err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("SSE stream %s returned %d: %s", t.url, resp.StatusCode, body)
	}

	endpointCh := make(chan string, 1)
	t.mu.Lock()
	t.cancel = cancel
	t.body = resp.Body
	t.mu.Unlock()

	go t.readLoop(resp, endpointCh)

	select {
	case ep, ok := <-endpointCh:
		if !ok {
			return fmt.Errorf("SSE stream closed before endpoint event: %w", t.pending.failure())
		}
		resolved, err := resolveEndpoint(t.url, ep)
		if err != nil {
			t.Close()
			return err
		}
		t.mu.Lock()
		t.endpoint = resolved
		t.mu.Unlock()
		t.logger.Debug("SSE endpoint announced", "endpoint", resolved)
		return nil
	case <-ctx.Done():
		t.Close()
		return fmt.Errorf("waiting for SSE endpoint event: %w", ctx.Err())
	}
}

func resolveEndpoint(base, ep string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse SSE URL: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(ep))
	if err != nil {
		return "", fmt.Errorf("parse SSE endpoint %q: %w", ep, err)
	}
	return b.ResolveReference(ref).String(), nil
}

func (t *SSETransport) readLoop(resp *http.Response, endpointCh chan string) {
	announced := false
	err := readEvents(resp, func(ev sseEvent) bool {
		switch ev.Event {
		case "endpoint":
			if !announced {
				announced = true
				endpointCh <- ev.Data
			}
		case "message":
			t.logger.Log(context.Background(), config.LevelTrace, "MCP sse recv", "frame", ev.Data)
			dispatch([]byte(ev.Data), t.pending, t.reply, t.logger)
		default:
			t.logger.Debug("ignoring SSE event", "event", ev.Event)
		}
		return true
	})
	resp.Body.Close()

	t.mu.RLock()
	deliberate := t.closed
	t.mu.RUnlock()
	if deliberate {
		t.pending.fail(ErrSessionClosed)
	} else {
		t.pending.fail(lostf("SSE stream ended: %v", err))
		t.logger.Warn("SSE stream ended unexpectedly", "error", err)
	}
	if !announced {
		close(endpointCh)
	}
}

// post sends one JSON-RPC message to the announced endpoint.
func (t *SSETransport) post(ctx context.Context, v any) error {
	t.mu.RLock()
	endpoint, closed := t.endpoint, t.closed
	t.mu.RUnlock()
	if closed {
		return ErrSessionClosed
	}
	if endpoint == "" {
		return ErrNotConnected
	}

	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP sse send", "frame", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.postClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return lostf("POST %s: %v", endpoint, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("MCP server returned %d: %s", resp.StatusCode, errBody)
	}
	return nil
}

func (t *SSETransport) reply(r *rawResponse) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), httpkit.DefaultResponseHeader)
		defer cancel()
		if err := t.post(ctx, r); err != nil {
			t.logger.Debug("failed to answer server request", "error", err)
		}
	}()
}

// Send POSTs the request and waits for its response on the stream.
func (t *SSETransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ch, err := t.pending.register(req.ID)
	if err != nil {
		return nil, err
	}
	if err := t.post(ctx, req); err != nil {
		t.pending.cancel(req.ID)
		return nil, err
	}
	return t.pending.wait(ctx, req.ID, ch)
}

// Notify POSTs a notification.
func (t *SSETransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.pending.failure(); err != nil {
		return err
	}
	return t.post(ctx, notif)
}

// Close tears down the event stream.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel, body := t.cancel, t.body
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if body != nil {
		body.Close()
	}
	t.pending.fail(ErrSessionClosed)
	return nil
}
