// Package connwatch keeps connected MCP servers healthy. A Watcher
// probes one server: while the session is Ready the probe is a ping,
// and when the session has failed the probe re-establishes it. Probing
// follows two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling with up/down transition callbacks
//
// This is distinct from httpkit's transport-level retry, which only
// covers sub-second dial errors within a single HTTP request.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a server is usable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped),
// with 10 startup retries and 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults replaces zero-value fields with defaults.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Delay returns the wait before retry number attempt (1-based):
// InitialDelay grown by Multiplier per attempt, capped at MaxDelay.
// Zero fields fall back to the defaults.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	d := b.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

// WatcherConfig configures a single server watcher.
type WatcherConfig struct {
	// Name identifies the watched server in logs and status.
	Name string

	// Probe checks server health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls retry timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady is called on a not-ready to ready transition, in a
	// separate goroutine. Optional.
	OnReady func()

	// OnDown is called on a ready to not-ready transition, in a
	// separate goroutine. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health status of a watched server.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single server's health.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the watched server is currently usable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if !w.startup(ctx) {
		return
	}
	w.poll(ctx)
}

// startup probes with exponential backoff until the first success or
// MaxRetries attempts. It returns false if ctx was cancelled.
func (w *Watcher) startup(ctx context.Context) bool {
	cfg := w.config.Backoff
	logger := w.config.Logger

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		if err == nil {
			logger.Debug("server healthy", "mcp_server", w.config.Name, "after_attempts", attempt)
			w.transition(true, nil)
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		if attempt == cfg.MaxRetries {
			logger.Info("startup probes failed, entering background polling",
				"mcp_server", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			return true
		}

		delay := cfg.Delay(attempt)
		logger.Debug("startup probe failed, retrying",
			"mcp_server", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return false
		}
	}
	return true
}

// poll probes every PollInterval until ctx is cancelled.
func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.config.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil && !w.ready.Load() {
				w.config.Logger.Debug("server still unhealthy",
					"mcp_server", w.config.Name,
					"error", err,
				)
			}
			w.transition(err == nil, err)
		}
	}
}

// transition records readiness and fires the callback on a change.
func (w *Watcher) transition(ready bool, err error) {
	was := w.ready.Swap(ready)
	switch {
	case ready && !was:
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case !ready && was:
		w.config.Logger.Info("server became unhealthy",
			"mcp_server", w.config.Name,
			"error", err,
		)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	}
}

// probe calls the configured ProbeFunc with a timeout and records the
// outcome.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()

	err := w.config.Probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the watchers of one agent instance.
type Manager struct {
	mu       sync.Mutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher. It runs in a background goroutine until ctx
// is cancelled or it is stopped. Watching a name that is already
// watched stops the previous watcher first.
//
// Panics if Name is empty or Probe is nil; both are programming errors.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	m.Unwatch(cfg.Name)

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Unwatch stops and forgets the named watcher, if any.
func (m *Manager) Unwatch(name string) {
	m.mu.Lock()
	w, ok := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// Get returns the named watcher.
func (m *Manager) Get(name string) (*Watcher, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watchers[name]
	return w, ok
}

// Status returns the health status of all watched servers, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.Lock()
	status := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		status = append(status, w.Status())
	}
	m.mu.Unlock()

	sort.Slice(status, func(i, j int) bool { return status[i].Name < status[j].Name })
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
