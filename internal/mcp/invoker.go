package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/toolhost/internal/tools"
)

// CallRecord describes one completed tool invocation.
type CallRecord struct {
	Agent     string
	Server    string
	Tool      string
	Succeeded bool
	ErrorKind tools.ErrorKind
	Message   string
	Started   time.Time
	Duration  time.Duration
}

// CallObserver is notified after every invocation. Observers must not
// block; they run on the caller's goroutine.
type CallObserver interface {
	ObserveCall(CallRecord)
}

// Invoker executes tool calls against sessions with timeout
// enforcement, per-server rate limiting and error translation. It
// never returns a Go error: every outcome is a *tools.Result.
type Invoker struct {
	agent     string
	logger    *slog.Logger
	observers []CallObserver

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewInvoker creates an invoker that attributes calls to agent.
func NewInvoker(agent string, logger *slog.Logger, observers ...CallObserver) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		agent:     agent,
		logger:    logger,
		observers: observers,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Limit caps calls to server at perSecond, with a burst of one second's
// worth of calls. A non-positive rate removes the cap.
func (inv *Invoker) Limit(server string, perSecond float64) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if perSecond <= 0 {
		delete(inv.limiters, server)
		return
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	inv.limiters[server] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (inv *Invoker) limiter(server string) *rate.Limiter {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.limiters[server]
}

// Invoke calls tool on session c and waits at most timeout (the
// descriptor default when timeout is not positive). A timeout leaves
// the session usable; a dead transport marks it Failed.
func (inv *Invoker) Invoke(ctx context.Context, c *Client, tool string, args map[string]any, timeout time.Duration) *tools.Result {
	started := time.Now()
	server := ""
	if c != nil {
		server = c.Name()
	}

	res := inv.invoke(ctx, c, tool, args, timeout)

	rec := CallRecord{
		Agent:     inv.agent,
		Server:    server,
		Tool:      tool,
		Succeeded: res.Succeeded,
		ErrorKind: res.ErrorKind,
		Message:   res.Message,
		Started:   started,
		Duration:  time.Since(started),
	}
	if res.Succeeded {
		inv.logger.Debug("MCP tool call completed",
			"mcp_server", server, "tool", tool, "duration", rec.Duration)
	} else {
		inv.logger.Info("MCP tool call failed",
			"mcp_server", server, "tool", tool, "error_kind", res.ErrorKind,
			"message", res.Message, "duration", rec.Duration)
	}
	for _, o := range inv.observers {
		o.ObserveCall(rec)
	}
	return res
}

func (inv *Invoker) invoke(ctx context.Context, c *Client, tool string, args map[string]any, timeout time.Duration) *tools.Result {
	if c == nil {
		return tools.Failure(tools.ErrorConnectionLost, "server is not connected")
	}
	switch c.State() {
	case StateFailed:
		return tools.Failure(tools.ErrorConnectionLost, "server %q connection lost: %v", c.Name(), c.Err())
	case StateClosed:
		return tools.Failure(tools.ErrorConnectionLost, "server %q session is closed", c.Name())
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if lim := inv.limiter(c.Name()); lim != nil {
		if err := lim.Wait(callCtx); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return tools.Failure(tools.ErrorCancelled, "call to %s cancelled", tool)
			}
			return tools.Failure(tools.ErrorTimeout, "%s: rate limit wait exceeds timeout %s", tool, timeout)
		}
	}

	result, err := c.CallTool(callCtx, tool, args)
	if err != nil {
		return inv.translate(ctx, callCtx, c, tool, timeout, err)
	}

	blocks := convertBlocks(result.Content)
	if result.IsError {
		msg := (&tools.Result{Succeeded: true, Content: blocks}).Text()
		if msg == "" {
			msg = "tool reported an error without details"
		}
		return &tools.Result{
			ErrorKind:  tools.ErrorTool,
			Message:    msg,
			Content:    blocks,
			Structured: result.StructuredContent,
		}
	}

	return &tools.Result{
		Succeeded:  true,
		Content:    blocks,
		Structured: result.StructuredContent,
	}
}

// translate maps a failed call onto an error kind. Order matters: a
// dead transport wins over a deadline that fired while it was dying.
func (inv *Invoker) translate(parent, callCtx context.Context, c *Client, tool string, timeout time.Duration, err error) *tools.Result {
	var rpcErr *RPCError
	switch {
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrSessionClosed):
		return tools.Failure(tools.ErrorConnectionLost, "server %q: %v", c.Name(), err)
	case errors.Is(parent.Err(), context.Canceled):
		return tools.Failure(tools.ErrorCancelled, "call to %s cancelled", tool)
	case callCtx.Err() != nil, errors.Is(err, context.DeadlineExceeded):
		return tools.Failure(tools.ErrorTimeout, "%s did not respond within %s", tool, timeout)
	case errors.As(err, &rpcErr):
		return tools.Failure(tools.ErrorTool, "%s", rpcErr.Message)
	default:
		return tools.Failure(tools.ErrorTool, "%v", err)
	}
}

// convertBlocks turns protocol content into caller-facing blocks.
func convertBlocks(in []ContentBlock) []tools.Block {
	out := make([]tools.Block, 0, len(in))
	for _, b := range in {
		blk := tools.Block{
			Type:     b.Type,
			Text:     b.Text,
			MIMEType: b.MIMEType,
			Data:     b.Data,
			URI:      b.URI,
		}
		if b.Resource != nil {
			blk.URI = b.Resource.URI
			blk.MIMEType = b.Resource.MIMEType
			blk.Text = b.Resource.Text
			blk.Data = b.Resource.Blob
		}
		out = append(out, blk)
	}
	return out
}
