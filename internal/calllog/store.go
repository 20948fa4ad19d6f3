// Package calllog provides a persistent, append-only log of MCP tool
// invocations. Records are indexed by timestamp, agent and server for
// aggregation queries from the CLI and the operator API.
package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/toolhost/internal/mcp"
)

// Record is one tool invocation.
type Record struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Agent     string        `json:"agent"`
	Server    string        `json:"server"`
	Tool      string        `json:"tool"`
	Succeeded bool          `json:"succeeded"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Summary holds aggregated call counts and latency.
type Summary struct {
	TotalCalls    int     `json:"total_calls"`
	Failed        int     `json:"failed"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// timeLayout is fixed-width so that timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is an append-only SQLite store for call records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a call log at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open call log database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate call log schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		agent       TEXT NOT NULL,
		server      TEXT NOT NULL,
		tool        TEXT NOT NULL,
		succeeded   INTEGER NOT NULL,
		error_kind  TEXT,
		message     TEXT,
		duration_ms REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calls_timestamp ON tool_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_calls_agent ON tool_calls(agent);
	CREATE INDEX IF NOT EXISTS idx_calls_server ON tool_calls(server);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a call record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate call record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls
			(id, timestamp, agent, server, tool, succeeded, error_kind, message, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeLayout),
		rec.Agent,
		rec.Server,
		rec.Tool,
		rec.Succeeded,
		rec.ErrorKind,
		rec.Message,
		float64(rec.Duration)/float64(time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for calls within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(1 - succeeded), 0), COALESCE(AVG(duration_ms), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalCalls, &sum.Failed, &sum.AvgDurationMS); err != nil {
		return nil, fmt.Errorf("query call summary: %w", err)
	}
	return &sum, nil
}

// SummaryByServer returns per-server totals for calls within [start, end).
func (s *Store) SummaryByServer(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "server", start, end)
}

// SummaryByTool returns per-tool totals for calls within [start, end).
func (s *Store) SummaryByTool(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "tool", start, end)
}

// SummaryByErrorKind returns per-error-kind totals for calls within
// [start, end). Successful calls are grouped under the key "".
func (s *Store) SummaryByErrorKind(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "error_kind", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from our own methods.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(1 - succeeded), 0), COALESCE(AVG(duration_ms), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY COUNT(*) DESC`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query calls by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalCalls, &sum.Failed, &sum.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("scan calls by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// Filter narrows Recent. Empty fields match everything.
type Filter struct {
	Agent  string
	Server string
	// FailedOnly restricts the result to unsuccessful calls.
	FailedOnly bool
}

// Recent returns up to limit records matching f, newest first.
func (s *Store) Recent(ctx context.Context, f Filter, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, timestamp, agent, server, tool, succeeded, COALESCE(error_kind, ''), COALESCE(message, ''), duration_ms
		FROM tool_calls WHERE 1 = 1`
	var args []any
	if f.Agent != "" {
		query += ` AND agent = ?`
		args = append(args, f.Agent)
	}
	if f.Server != "" {
		query += ` AND server = ?`
		args = append(args, f.Server)
	}
	if f.FailedOnly {
		query += ` AND succeeded = 0`
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec Record
			ts  string
			ms  float64
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Agent, &rec.Server, &rec.Tool, &rec.Succeeded, &rec.ErrorKind, &rec.Message, &ms); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		if rec.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse call timestamp %q: %w", ts, err)
		}
		rec.Duration = time.Duration(ms * float64(time.Millisecond))
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Recorder adapts a Store to mcp.CallObserver. Records are written by a
// background goroutine so the calling agent never waits on the disk;
// when the queue is full the record is dropped and counted.
type Recorder struct {
	store  *Store
	logger *slog.Logger

	queue chan Record
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewRecorder starts a recorder writing into store.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  store,
		logger: logger,
		queue:  make(chan Record, 256),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// ObserveCall implements mcp.CallObserver.
func (r *Recorder) ObserveCall(c mcp.CallRecord) {
	rec := Record{
		Timestamp: c.Started,
		Agent:     c.Agent,
		Server:    c.Server,
		Tool:      c.Tool,
		Succeeded: c.Succeeded,
		ErrorKind: string(c.ErrorKind),
		Message:   c.Message,
		Duration:  c.Duration,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped++
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped++
	}
}

// Dropped returns how many records were discarded.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Record(ctx, rec); err != nil {
			r.logger.Warn("failed to record tool call", "tool", rec.Tool, "mcp_server", rec.Server, "error", err)
		}
		cancel()
	}
}

// Close flushes queued records and stops the writer. It does not close
// the store.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	<-r.done
	if n := r.Dropped(); n > 0 {
		r.logger.Warn("tool call records dropped", "count", n)
	}
}
