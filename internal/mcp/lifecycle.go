package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/toolhost/internal/connwatch"
	"github.com/nugget/toolhost/internal/tools"
)

// Phase is the lifecycle phase of one agent instance's server set.
type Phase int32

// Manager phases. They only move forward.
const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseReady
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseReady:
		return "ready"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// ServerObserver is told when a server becomes usable or stops being
// usable. Observers must not block.
type ServerObserver interface {
	ObserveServer(agent, server string, up bool)
}

// HealthConfig enables background health watching of every server.
type HealthConfig struct {
	Enabled bool
	Backoff connwatch.BackoffConfig
}

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// Agent names the agent instance the servers belong to.
	Agent   string
	Servers EffectiveServerSet
	Logger  *slog.Logger

	// Observers are notified of every tool call.
	Observers []CallObserver

	// ServerObservers are notified of server up/down transitions.
	ServerObservers []ServerObserver

	Health HealthConfig
}

// ServerStatus is the observable state of one configured server.
type ServerStatus struct {
	Name          string   `json:"name"`
	Transport     string   `json:"transport"`
	Mode          string   `json:"mode"`
	State         string   `json:"state"`
	Tools         int      `json:"tools"`
	Capabilities  []string `json:"capabilities,omitempty"`
	FellBack      bool     `json:"fell_back,omitempty"`
	Attempts      int      `json:"attempts"`
	LastError     string   `json:"last_error,omitempty"`
	ServerName    string   `json:"server_name,omitempty"`
	ServerVersion string   `json:"server_version,omitempty"`
	Healthy       *bool    `json:"healthy,omitempty"`
}

// serverEntry is the outcome of bringing up one server.
type serverEntry struct {
	desc     ServerDescriptor
	client   *Client
	reg      Registration
	tools    []ToolDescriptor
	attempts int
	err      error
}

// Manager owns every session of one agent instance. It connects,
// discovers and registers all servers in parallel, keeps the resulting
// capabilities in one registry, and is the only place sessions are
// closed.
type Manager struct {
	id        string
	agent     string
	servers   EffectiveServerSet
	health    HealthConfig
	logger    *slog.Logger
	observers []ServerObserver

	registry  *tools.Registry
	invoker   *Invoker
	registrar *Registrar
	watch     *connwatch.Manager

	ctx    context.Context
	cancel context.CancelFunc
	phase  atomic.Int32

	mu      sync.RWMutex
	entries map[string]*serverEntry

	// recycling serializes Recycle per server.
	recycling map[string]*sync.Mutex
}

// NewManager creates a manager for cfg.Servers. Nothing is connected
// until Start.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	logger = logger.With("agent", cfg.Agent, "instance", id)

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		id:        id,
		agent:     cfg.Agent,
		servers:   cfg.Servers,
		health:    cfg.Health,
		logger:    logger,
		observers: cfg.ServerObservers,
		registry:  tools.NewRegistry(),
		invoker:   NewInvoker(cfg.Agent, logger, cfg.Observers...),
		watch:     connwatch.NewManager(logger),
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*serverEntry),
		recycling: make(map[string]*sync.Mutex),
	}
	m.registrar = NewRegistrar(m.registry, m.invoker, m, logger)
	for _, name := range cfg.Servers.Names() {
		m.recycling[name] = &sync.Mutex{}
	}
	return m
}

// ID returns the unique id of this agent instance.
func (m *Manager) ID() string { return m.id }

// Agent returns the agent name.
func (m *Manager) Agent() string { return m.agent }

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase { return Phase(m.phase.Load()) }

// Capabilities returns the registry holding every registered
// capability. It stays valid, and empty, after Close.
func (m *Manager) Capabilities() *tools.Registry { return m.registry }

// Registrar returns the registrar publishing into Capabilities.
func (m *Manager) Registrar() *Registrar { return m.registrar }

// Start brings up every server concurrently and returns once each has
// either registered or failed. Per-server failures are recorded (see
// Status) and do not fail Start, unless the server is FailFast. If ctx
// is cancelled, or a FailFast server fails, everything is torn down and
// the error returned.
func (m *Manager) Start(ctx context.Context) error {
	if !m.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseConnecting)) {
		return fmt.Errorf("mcp manager: start in phase %s", m.Phase())
	}

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	descs := m.servers.Descriptors()
	m.logger.Info("starting MCP servers", "count", len(descs))
	started := time.Now()

	var wg sync.WaitGroup
	for _, desc := range descs {
		wg.Add(1)
		go func(desc ServerDescriptor) {
			defer wg.Done()
			m.install(m.establish(startCtx, desc))
		}(desc)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		m.closeLogged()
		return err
	}
	if err := m.fatal(); err != nil {
		m.closeLogged()
		return err
	}
	if !m.phase.CompareAndSwap(int32(PhaseConnecting), int32(PhaseReady)) {
		return fmt.Errorf("mcp manager: closed during start")
	}

	ready := 0
	for _, st := range m.Status() {
		if st.State == StateReady.String() {
			ready++
		}
	}
	m.logger.Info("MCP servers started",
		"ready", ready,
		"failed", len(descs)-ready,
		"capabilities", m.registry.Len(),
		"elapsed", time.Since(started).Round(time.Millisecond),
	)

	if m.health.Enabled {
		for _, desc := range descs {
			m.watchServer(desc.Name)
		}
	}
	return nil
}

// fatal returns the failure of the first FailFast server, if any.
func (m *Manager) fatal() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.servers.Names() {
		e, ok := m.entries[name]
		if ok && e.err != nil && e.desc.FailFast {
			return fmt.Errorf("required MCP server %q: %w", name, e.err)
		}
	}
	return nil
}

// establish connects, discovers and registers one server, retrying the
// connect and discovery steps per the descriptor. Each attempt is
// bounded by the descriptor timeout.
func (m *Manager) establish(ctx context.Context, desc ServerDescriptor) *serverEntry {
	e := &serverEntry{desc: desc}
	backoff := connwatch.BackoffConfig{
		InitialDelay: desc.RetryDelay,
		MaxDelay:     MaxRetryDelay,
		Multiplier:   2,
	}

	for {
		e.attempts++
		c, tds, err := m.connect(ctx, desc)
		if err == nil {
			e.client, e.tools, e.err = c, tds, nil
			break
		}
		e.err = err
		if e.attempts > desc.MaxRetries || ctx.Err() != nil {
			m.logger.Warn("MCP server unavailable",
				"mcp_server", desc.Name, "attempts", e.attempts, "error", err)
			return e
		}

		delay := backoff.Delay(e.attempts)
		m.logger.Info("MCP server connect failed, retrying",
			"mcp_server", desc.Name, "attempt", e.attempts, "next_delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return e
		case <-time.After(delay):
		}
	}

	return e
}

// connect performs one connect + discover attempt.
func (m *Manager) connect(ctx context.Context, desc ServerDescriptor) (*Client, []ToolDescriptor, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()

	c, err := Connect(attemptCtx, desc, m.logger)
	if err != nil {
		return nil, nil, err
	}
	tds, err := Discover(attemptCtx, c)
	if err != nil {
		if cerr := c.Close(); cerr != nil {
			m.logger.Debug("close after failed discovery", "mcp_server", desc.Name, "error", cerr)
		}
		return nil, nil, err
	}
	return c, tds, nil
}

// install stores e and registers its capabilities. A manager that has
// started closing gets the session closed instead.
func (m *Manager) install(e *serverEntry) {
	m.mu.Lock()
	if p := m.Phase(); p != PhaseConnecting && p != PhaseReady {
		m.mu.Unlock()
		if e.client != nil {
			_ = e.client.Close()
		}
		return
	}
	m.entries[e.desc.Name] = e
	m.mu.Unlock()

	if e.client != nil {
		reg, err := m.registrar.Register(e.desc, e.tools)
		if err != nil {
			m.logger.Warn("MCP server registration failed", "mcp_server", e.desc.Name, "error", err)
			_ = e.client.Close()
			m.mu.Lock()
			e.client, e.err = nil, err
			m.mu.Unlock()
		} else {
			m.mu.Lock()
			e.reg = reg
			m.mu.Unlock()
		}
	}
	m.notify(e.desc.Name, e.client != nil)
}

func (m *Manager) notify(server string, up bool) {
	for _, o := range m.observers {
		o.ObserveServer(m.agent, server, up)
	}
}

// Session returns the current session for the named server. Capability
// handlers resolve sessions through this on every call.
func (m *Manager) Session(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok || e.client == nil {
		return nil, false
	}
	return e.client, true
}

// Invoke runs a capability by name. It is the entry point for callers
// that hold the manager rather than the registry.
func (m *Manager) Invoke(ctx context.Context, name string, args map[string]any) *tools.Result {
	return m.registry.Call(ctx, name, args)
}

// Recycle tears down the named server's session and capabilities and
// brings it up again from its descriptor. Capabilities resolve sessions
// by name, so callers holding the registry see the new session.
func (m *Manager) Recycle(ctx context.Context, name string) error {
	lock, ok := m.recycling[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrServerNotFound, name)
	}
	if p := m.Phase(); p != PhaseReady {
		return fmt.Errorf("mcp manager: recycle in phase %s", p)
	}
	desc, _ := m.servers.Get(name)

	lock.Lock()
	defer lock.Unlock()

	m.logger.Info("recycling MCP server", "mcp_server", name)

	m.mu.Lock()
	old := m.entries[name]
	delete(m.entries, name)
	m.mu.Unlock()

	m.registrar.Unregister(name)
	if old != nil && old.client != nil {
		if err := old.client.Close(); err != nil {
			m.logger.Debug("close recycled session", "mcp_server", name, "error", err)
		}
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	e := m.establish(workCtx, desc)
	m.install(e)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if cur, ok := m.entries[name]; ok && cur.err != nil {
		return cur.err
	}
	return e.err
}

// watchServer starts a health watcher: a Ready session is pinged, and
// anything else is recycled.
func (m *Manager) watchServer(name string) {
	m.watch.Watch(m.ctx, connwatch.WatcherConfig{
		Name:    name,
		Backoff: m.health.Backoff,
		Probe: func(ctx context.Context) error {
			if c, ok := m.Session(name); ok && c.State() == StateReady {
				return c.Ping(ctx)
			}
			return m.Recycle(ctx, name)
		},
		OnReady: func() { m.notify(name, true) },
		OnDown:  func(error) { m.notify(name, false) },
	})
}

// Status reports every configured server in merge order.
func (m *Manager) Status() []ServerStatus {
	health := make(map[string]bool)
	for _, s := range m.watch.Status() {
		health[s.Name] = s.Ready
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, m.servers.Len())
	for _, desc := range m.servers.Descriptors() {
		st := ServerStatus{
			Name:      desc.Name,
			Transport: string(desc.Transport),
			Mode:      string(desc.Mode),
			State:     StateConnecting.String(),
		}
		if e, ok := m.entries[desc.Name]; ok {
			st.Attempts = e.attempts
			st.Tools = len(e.tools)
			if e.reg.Mode != "" {
				st.Mode = string(e.reg.Mode)
			}
			st.FellBack = e.reg.FellBack
			st.Capabilities = append([]string(nil), e.reg.Capabilities...)
			switch {
			case e.client != nil:
				st.State = e.client.State().String()
				st.ServerName, st.ServerVersion = e.client.ServerInfo()
				if err := e.client.Err(); err != nil {
					st.LastError = err.Error()
				}
			case e.err != nil:
				st.State = StateFailed.String()
			}
			if e.err != nil {
				st.LastError = e.err.Error()
			}
		}
		if ok, watched := health[desc.Name]; watched {
			st.Healthy = &ok
		}
		out = append(out, st)
	}
	return out
}

// Close closes every session regardless of its state and removes all
// capabilities. Close errors are collected, logged and returned
// joined; a second Close is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	switch p := m.Phase(); p {
	case PhaseClosing, PhaseClosed:
		m.mu.Unlock()
		return nil
	}
	m.phase.Store(int32(PhaseClosing))
	entries := make([]*serverEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*serverEntry)
	m.mu.Unlock()

	m.cancel()
	m.watch.Stop()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, e := range entries {
		m.registrar.Unregister(e.desc.Name)
		if e.client == nil {
			continue
		}
		wg.Add(1)
		go func(e *serverEntry) {
			defer wg.Done()
			if err := e.client.Close(); err != nil {
				emu.Lock()
				errs = append(errs, fmt.Errorf("close %q: %w", e.desc.Name, err))
				emu.Unlock()
			}
			m.notify(e.desc.Name, false)
		}(e)
	}
	wg.Wait()

	m.phase.Store(int32(PhaseClosed))
	err := errors.Join(errs...)
	if err != nil {
		m.logger.Warn("errors closing MCP servers", "error", err)
	}
	m.logger.Info("MCP servers closed", "count", len(entries))
	return err
}

// closeLogged closes and drops the error, which Close already logged.
func (m *Manager) closeLogged() {
	_ = m.Close()
}

// Run builds a manager for cfg, starts it, runs fn and closes the
// manager on every exit path, including a panic in fn. Close errors
// are logged, never returned.
func Run(ctx context.Context, cfg ManagerConfig, fn func(ctx context.Context, m *Manager) error) error {
	m := NewManager(cfg)
	defer m.closeLogged()

	if err := m.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, m)
}
