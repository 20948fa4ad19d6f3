// Package events provides a publish/subscribe bus for operational
// events: completed tool calls and server up/down transitions. The bus
// observes every agent's manager and fans events out to subscribers
// such as the operator API's event stream. It is nil-safe: calling
// Publish on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"

	"github.com/nugget/toolhost/internal/mcp"
)

// Source constants identify which component published an event.
const (
	// SourceCall identifies events from tool invocations.
	SourceCall = "call"
	// SourceServer identifies events from server lifecycle changes.
	SourceServer = "server"
)

// Kind constants describe the type of event within a source.
const (
	// KindToolDone signals completion of a tool call.
	// Data: server, tool, ok, error_kind, duration_ms.
	KindToolDone = "tool_done"
	// KindServerUp signals a server became usable.
	// Data: server.
	KindServerUp = "server_up"
	// KindServerDown signals a server stopped being usable.
	// Data: server.
	KindServerDown = "server_down"
)

// Event represents a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Agent     string         `json:"agent"`
	Data      map[string]any `json:"data,omitempty"`
}

var (
	_ mcp.CallObserver   = (*Bus)(nil)
	_ mcp.ServerObserver = (*Bus)(nil)
)

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to subscribers
	// back to the channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. If a subscriber's channel
// is full the event is dropped for that subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Calling it
// with a channel that is already unsubscribed is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// ObserveCall publishes a tool_done event. It implements
// [mcp.CallObserver].
func (b *Bus) ObserveCall(r mcp.CallRecord) {
	b.Publish(Event{
		Timestamp: r.Started.Add(r.Duration),
		Source:    SourceCall,
		Kind:      KindToolDone,
		Agent:     r.Agent,
		Data: map[string]any{
			"server":      r.Server,
			"tool":        r.Tool,
			"ok":          r.Succeeded,
			"error_kind":  string(r.ErrorKind),
			"duration_ms": r.Duration.Milliseconds(),
		},
	})
}

// ObserveServer publishes a server_up or server_down event. It
// implements [mcp.ServerObserver].
func (b *Bus) ObserveServer(agent, server string, up bool) {
	kind := KindServerDown
	if up {
		kind = KindServerUp
	}
	b.Publish(Event{
		Source: SourceServer,
		Kind:   kind,
		Agent:  agent,
		Data:   map[string]any{"server": server},
	})
}
