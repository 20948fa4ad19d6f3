package mcptest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// sessionHeader carries the streamable HTTP session id.
const sessionHeader = "Mcp-Session-Id"

// StdioOptions tunes ServeStdio.
type StdioOptions struct {
	// ContentLength frames outbound messages with a Content-Length
	// header instead of a trailing newline.
	ContentLength bool
}

// ServeStdio serves newline-delimited JSON-RPC from r and writes
// responses to w until r is exhausted, ctx is cancelled or the crash
// tool is called. Requests are handled concurrently.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer, opts StdioOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wmu     sync.Mutex
		wg      sync.WaitGroup
		crashed = make(chan struct{})
		once    sync.Once
	)
	write := func(data []byte) {
		wmu.Lock()
		defer wmu.Unlock()
		if opts.ContentLength {
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(data))
			_, _ = w.Write(data)
			return
		}
		_, _ = w.Write(append(data, '\n'))
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-crashed:
			return errCrash
		case err := <-readErr:
			return err
		case line := <-lines:
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := s.Handle(ctx, line)
				if errors.Is(err, errCrash) {
					once.Do(func() { close(crashed) })
					return
				}
				for _, f := range out {
					write(f)
				}
			}()
		}
	}
}

// IsCrash reports whether err is the result of the crash tool.
func IsCrash(err error) bool { return errors.Is(err, errCrash) }

// StreamableHandler serves the streamable HTTP transport on any path:
// POST carries messages, DELETE ends the session.
func (s *Server) StreamableHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.servePost(w, r)
		case http.MethodDelete:
			s.mu.Lock()
			delete(s.sessions, r.Header.Get(sessionHeader))
			s.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (s *Server) servePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sid := r.Header.Get(sessionHeader)
	isInit := bytes.Contains(body, []byte(`"method":"initialize"`))
	if sid != "" && !s.hasSession(sid) {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if sid == "" && !isInit {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}

	out, err := s.Handle(r.Context(), body)
	if errors.Is(err, errCrash) {
		panic(http.ErrAbortHandler)
	}
	if isInit {
		w.Header().Set(sessionHeader, s.newSession())
	}
	if len(out) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if !s.eventStream {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out[len(out)-1])
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, f := range out {
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", f)
	}
	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}
}

func (s *Server) newSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSess++
	id := "session-" + strconv.Itoa(s.nextSess)
	s.sessions[id] = true
	return id
}

func (s *Server) hasSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// Sessions returns the number of live streamable HTTP sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ExpireSessions forgets every streamable HTTP session, so the next
// request carrying a session id gets 404.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]bool)
}

// SSEHandler serves the HTTP+SSE transport. GET on any path opens the
// event stream and announces "messages?session=N" relative to it; POST
// delivers client messages to that session.
func (s *Server) SSEHandler() http.Handler {
	var (
		mu     sync.Mutex
		next   int
		queues = make(map[string]chan []byte)
	)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			fl, ok := w.(http.Flusher)
			if !ok {
				http.Error(w, "streaming unsupported", http.StatusInternalServerError)
				return
			}
			mu.Lock()
			next++
			id := strconv.Itoa(next)
			q := make(chan []byte, 64)
			queues[id] = q
			mu.Unlock()
			defer func() {
				mu.Lock()
				delete(queues, id)
				mu.Unlock()
			}()

			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			base := r.URL.Path[:strings.LastIndex(r.URL.Path, "/")+1]
			fmt.Fprintf(w, ": mcptest\n\nevent: endpoint\ndata: %smessages?session=%s\n\n", base, id)
			fl.Flush()

			for {
				select {
				case <-r.Context().Done():
					return
				case f, ok := <-q:
					if !ok {
						return
					}
					fmt.Fprintf(w, "event: message\ndata: %s\n\n", f)
					fl.Flush()
				}
			}

		case http.MethodPost:
			mu.Lock()
			q, ok := queues[r.URL.Query().Get("session")]
			mu.Unlock()
			if !ok {
				http.Error(w, "unknown session", http.StatusNotFound)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusAccepted)

			sess := r.URL.Query().Get("session")
			send := func(f []byte) bool {
				mu.Lock()
				defer mu.Unlock()
				if cur, open := queues[sess]; !open || cur != q {
					return false
				}
				select {
				case q <- f:
					return true
				default:
					return false
				}
			}

			// Answer on the stream asynchronously, as real servers do.
			go func() {
				out, err := s.Handle(context.Background(), body)
				if errors.Is(err, errCrash) {
					mu.Lock()
					if cur, open := queues[sess]; open && cur == q {
						close(q)
						delete(queues, sess)
					}
					mu.Unlock()
					return
				}
				for _, f := range out {
					if !send(f) {
						return
					}
				}
			}()

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

// WebSocketHandler serves the WebSocket transport with the "mcp"
// subprotocol.
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"mcp"},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		var wmu sync.Mutex
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			go func() {
				out, err := s.Handle(ctx, data)
				if errors.Is(err, errCrash) {
					cancel()
					_ = conn.Close()
					return
				}
				wmu.Lock()
				defer wmu.Unlock()
				for _, f := range out {
					if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
						return
					}
				}
			}()
		}
	})
}
