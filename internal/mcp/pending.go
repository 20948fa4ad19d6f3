package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// pending correlates responses read by a transport's read loop with
// the requests waiting for them. A waiter that gives up (timeout or
// cancellation) deregisters, so a late response finds no waiter and is
// dropped.
type pending struct {
	mu      sync.Mutex
	waiters map[int64]chan *Response
	err     error // set once the connection is gone
}

func newPending() *pending {
	return &pending{waiters: make(map[int64]chan *Response)}
}

// register reserves a slot for id. It fails once the connection has
// been declared dead.
func (p *pending) register(id int64) (chan *Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan *Response, 1)
	p.waiters[id] = ch
	return ch, nil
}

func (p *pending) cancel(id int64) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// deliver hands resp to its waiter. It returns false when nobody is
// waiting, which is the late-response case.
func (p *pending) deliver(resp *Response) bool {
	p.mu.Lock()
	ch, ok := p.waiters[resp.ID]
	delete(p.waiters, resp.ID)
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// fail wakes every waiter with err and rejects future registrations.
// Only the first call has any effect.
func (p *pending) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return
	}
	p.err = err
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
}

func (p *pending) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// wait blocks until the response for id arrives, the connection fails,
// or ctx is done.
func (p *pending) wait(ctx context.Context, id int64, ch chan *Response) (*Response, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, p.failure()
		}
		return resp, nil
	case <-ctx.Done():
		p.cancel(id)
		return nil, ctx.Err()
	}
}

// dispatch routes one inbound frame. Responses go to their waiter;
// server requests are answered through reply; notifications are
// logged. Malformed frames are logged and skipped.
func dispatch(data []byte, p *pending, reply func(*rawResponse), logger *slog.Logger) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Debug("skipping non-JSON frame from MCP server", "frame", truncate(string(data), 200))
		return
	}

	switch {
	case msg.isResponse():
		resp, ok := msg.response()
		if !ok {
			logger.Debug("skipping response with unusable id", "id", string(msg.ID))
			return
		}
		if !p.deliver(resp) {
			logger.Debug("discarding late or unmatched MCP response", "id", resp.ID)
		}
	case msg.isRequest():
		logger.Debug("answering server-initiated request", "method", msg.Method)
		reply(replyTo(&msg))
	case msg.Method != "":
		logger.Debug("MCP server notification", "method", msg.Method)
	default:
		logger.Debug("skipping unrecognized MCP frame", "frame", truncate(string(data), 200))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
