package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/toolhost/internal/config"
)

// DefaultGracePeriod is how long Close waits for a subprocess to exit
// after SIGTERM before killing it.
const DefaultGracePeriod = 5 * time.Second

// maxFrameSize bounds a single inbound message.
const maxFrameSize = 16 << 20

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"), merged over the current environment.
	Env []string

	// GracePeriod overrides DefaultGracePeriod.
	GracePeriod time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. Outbound messages are newline-delimited JSON; inbound
// messages may be newline-delimited or Content-Length framed. A single
// read loop owns stdout and routes responses by id.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	grace  time.Duration

	mu      sync.Mutex // guards cmd, stdin, stdout, closed
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	closed  bool
	writeMu sync.Mutex

	pending *pending
	exited  chan struct{} // closed when the read loop has reaped the process
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Start.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		grace:   grace,
		pending: newPending(),
	}
}

// Start launches the subprocess. The process lifetime is independent of
// ctx: it survives individual request timeouts and is only terminated
// by Close or by exiting on its own.
func (t *StdioTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrSessionClosed
	}
	if t.cmd != nil {
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging; it is not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.exited = make(chan struct{})

	go t.drainStderr(stderrPipe)
	go t.readLoop(cmd, bufio.NewReaderSize(stdout, 1<<20))

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readLoop reads frames until stdout closes, then reaps the process and
// fails every outstanding request.
func (t *StdioTransport) readLoop(cmd *exec.Cmd, r *bufio.Reader) {
	defer close(t.exited)

	var readErr error
	for {
		frame, err := readFrame(r)
		if err != nil {
			readErr = err
			break
		}
		if len(frame) == 0 {
			continue
		}
		t.logger.Log(context.Background(), config.LevelTrace, "MCP stdio recv", "frame", string(frame))
		dispatch(frame, t.pending, t.reply, t.logger)
	}

	waitErr := cmd.Wait()
	t.mu.Lock()
	deliberate := t.closed
	t.mu.Unlock()

	switch {
	case deliberate:
		t.pending.fail(ErrSessionClosed)
		t.logger.Debug("MCP subprocess exited", "status", exitStatus(waitErr))
	default:
		t.pending.fail(lostf("subprocess exited (%s)", exitStatus(waitErr)))
		t.logger.Warn("MCP subprocess exited unexpectedly",
			"status", exitStatus(waitErr),
			"read_error", readErr,
		)
	}
}

func exitStatus(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// readFrame reads one message. A line starting with "Content-Length:"
// switches to header framing for that message; otherwise the line
// itself is the message.
func readFrame(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if len(bytes.TrimSpace(line)) > 0 && err == io.EOF {
			return bytes.TrimSpace(line), nil
		}
		return nil, err
	}
	trimmed := bytes.TrimSpace(line)

	const header = "content-length:"
	if len(trimmed) < len(header) || !strings.EqualFold(string(trimmed[:len(header)]), header) {
		return trimmed, nil
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(trimmed[len(header):])))
	if err != nil || n < 0 || n > maxFrameSize {
		return nil, fmt.Errorf("invalid Content-Length header %q", trimmed)
	}
	// Skip remaining headers up to the blank separator line.
	for {
		h, err := r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(h)) == 0 {
			break
		}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// write sends one newline-terminated message. A write still blocked
// when ctx is done leaves a partial frame on stdin, so the session is
// failed and stdin closed to release the writer.
func (t *StdioTransport) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.mu.Lock()
	stdin := t.stdin
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if stdin == nil {
		return ErrNotConnected
	}

	t.logger.Log(ctx, config.LevelTrace, "MCP stdio send", "frame", string(data))

	done := make(chan error, 1)
	go func() {
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		_, err := stdin.Write(append(data, '\n'))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return lostf("write to subprocess stdin: %v", err)
		}
		return nil
	case <-ctx.Done():
		lost := lostf("write to subprocess stdin did not complete: %v", ctx.Err())
		t.pending.fail(lost)
		t.logger.Warn("MCP subprocess is not reading stdin", "error", ctx.Err())
		stdin.Close()
		return lost
	}
}

func (t *StdioTransport) reply(r *rawResponse) {
	ctx, cancel := context.WithTimeout(context.Background(), t.grace)
	defer cancel()
	if err := t.write(ctx, r); err != nil {
		t.logger.Debug("failed to answer server request", "error", err)
	}
}

// Send writes the request to stdin and waits for the matching
// response. On ctx expiry the request is abandoned but the process is
// left running; a late answer is discarded by the read loop.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ch, err := t.pending.register(req.ID)
	if err != nil {
		return nil, err
	}
	if err := t.write(ctx, req); err != nil {
		t.pending.cancel(req.ID)
		return nil, err
	}
	return t.pending.wait(ctx, req.ID, ch)
}

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.pending.failure(); err != nil {
		return err
	}
	return t.write(ctx, notif)
}

// Close terminates the subprocess: stdin is closed and SIGTERM sent,
// then the process is killed if it has not exited within the grace
// period.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cmd, stdin, stdout, exited := t.cmd, t.stdin, t.stdout, t.exited
	t.mu.Unlock()

	if cmd == nil {
		t.pending.fail(ErrSessionClosed)
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

	stdin.Close()
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-exited:
		return nil
	case <-time.After(t.grace):
	}

	t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", cmd.Process.Pid)
	killErr := cmd.Process.Kill()
	// A grandchild may still hold stdout open; closing our end unblocks
	// the read loop.
	stdout.Close()

	select {
	case <-exited:
	case <-time.After(t.grace):
		return fmt.Errorf("subprocess %d did not exit after kill", cmd.Process.Pid)
	}
	if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return fmt.Errorf("kill subprocess: %w", killErr)
	}
	return nil
}
