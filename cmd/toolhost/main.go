// Toolhost connects agents to external MCP tool servers.
//
// Each agent gets the global server list merged with its own, every
// server is connected, discovered and registered in parallel, and the
// resulting capabilities can be inspected, called from the command line
// or served over the operator API. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	toolhost check                  Validate config and print each agent's servers
//	toolhost discover               Connect and list every capability
//	toolhost call <name> [args]     Call one capability and print the result
//	toolhost serve                  Start the operator API
//	toolhost calls [limit]          Show recent calls from the call log
//	toolhost init [dir]             Write an example config
//	toolhost version                Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nugget/toolhost/internal/api"
	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/calllog"
	"github.com/nugget/toolhost/internal/config"
	"github.com/nugget/toolhost/internal/connwatch"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/mcp"
	"github.com/nugget/toolhost/internal/metrics"
	"github.com/nugget/toolhost/internal/tools"
)

// defaultAgent names the implicit agent used when the config declares
// none; it sees only the global servers.
const defaultAgent = "default"

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so that the
// whole command can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath string
	agent      string
	outputFmt  string // "text" (default) or "json"
}

// run is the real entry point for the toolhost command. Command output
// goes to stdout and logs to stderr, so JSON output can be piped.
// Arguments are parsed by hand rather than with the flag package to
// avoid global state that interferes with parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var (
		opts    options
		command string
		cmdArgs []string
	)

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-agent" && i+1 < len(args):
			opts.agent = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-agent="):
			opts.agent = strings.TrimPrefix(args[i], "-agent=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "check":
		return runCheck(stdout, opts)
	case "discover":
		return runDiscover(ctx, stdout, stderr, opts)
	case "call":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: toolhost call <capability> [json-object | key=value ... | value ...]")
		}
		return runCall(ctx, stdout, stderr, opts, cmdArgs[0], cmdArgs[1:])
	case "serve":
		return runServe(ctx, stderr, opts)
	case "calls":
		limit := 20
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("usage: toolhost calls [limit]")
			}
			limit = n
		}
		return runCalls(ctx, stdout, opts, limit)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Toolhost - MCP tool servers for agents")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolhost [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  check                Validate config and show each agent's servers")
	fmt.Fprintln(w, "  discover             Connect to every server and list capabilities")
	fmt.Fprintln(w, "  call <name> [args]   Call a capability (JSON object, key=value or positional args)")
	fmt.Fprintln(w, "  serve                Start the operator API")
	fmt.Fprintln(w, "  calls [limit]        Show recent tool calls from the call log")
	fmt.Fprintln(w, "  init [dir]           Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>       Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -agent <name>        Agent to act as (default: first configured agent)")
	fmt.Fprintln(w, "  -o, --output fmt     Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/toolhost/config.yaml, /etc/toolhost/config.yaml")
	return nil
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// agentNames returns the agents a command acts on: the one named by
// -agent, or every configured agent, or the implicit default agent.
func agentNames(cfg *config.Config, selected string) ([]string, error) {
	if selected != "" {
		if _, ok := cfg.Agent(selected); !ok && !(selected == defaultAgent && len(cfg.Agents) == 0) {
			return nil, fmt.Errorf("unknown agent %q (configured: %s)", selected, strings.Join(cfg.AgentNames(), ", "))
		}
		return []string{selected}, nil
	}
	if len(cfg.Agents) == 0 {
		return []string{defaultAgent}, nil
	}
	return cfg.AgentNames(), nil
}

// primaryAgent is the agent used by single-agent commands.
func primaryAgent(cfg *config.Config, selected string) (string, error) {
	names, err := agentNames(cfg, selected)
	if err != nil {
		return "", err
	}
	return names[0], nil
}

// serverSet merges the global servers with the named agent's own.
func serverSet(cfg *config.Config, agent string) (mcp.EffectiveServerSet, error) {
	ac, _ := cfg.Agent(agent)
	return mcp.Merge(mcp.Descriptors(cfg.MCPServers), mcp.Descriptors(ac.MCPServers))
}

// healthConfig translates the health section into watcher settings.
func healthConfig(cfg *config.Config) mcp.HealthConfig {
	b := connwatch.DefaultBackoffConfig()
	b.InitialDelay = time.Duration(cfg.Health.InitialDelaySec) * time.Second
	b.PollInterval = time.Duration(cfg.Health.PollIntervalSec) * time.Second
	b.MaxRetries = cfg.Health.MaxRetries
	return mcp.HealthConfig{Enabled: cfg.Health.Enabled, Backoff: b}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runCheck validates the configuration and prints every agent's
// effective server set without connecting to anything.
func runCheck(stdout io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	names, err := agentNames(cfg, opts.agent)
	if err != nil {
		return err
	}

	type server struct {
		Name      string `json:"name"`
		Transport string `json:"transport"`
		Mode      string `json:"mode"`
		Plugin    string `json:"plugin_name"`
		Target    string `json:"target"`
		Timeout   string `json:"timeout"`
		Required  bool   `json:"required,omitempty"`
	}
	report := make(map[string][]server, len(names))
	for _, name := range names {
		set, err := serverSet(cfg, name)
		if err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
		list := []server{}
		for _, d := range set.Descriptors() {
			target := d.URL
			if d.Transport == mcp.TransportStdio {
				target = strings.Join(append([]string{d.Command}, d.Args...), " ")
			}
			list = append(list, server{
				Name:      d.Name,
				Transport: string(d.Transport),
				Mode:      string(d.Mode),
				Plugin:    d.PluginName,
				Target:    target,
				Timeout:   d.Timeout.String(),
				Required:  d.FailFast,
			})
		}
		report[name] = list
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, report)
	}

	fmt.Fprintf(stdout, "config %s is valid\n", cfgPath)
	for _, name := range names {
		fmt.Fprintf(stdout, "\nagent %s:\n", name)
		if len(report[name]) == 0 {
			fmt.Fprintln(stdout, "  (no servers)")
			continue
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  NAME\tTRANSPORT\tMODE\tPLUGIN\tTARGET")
		for _, s := range report[name] {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", s.Name, s.Transport, s.Mode, s.Plugin, s.Target)
		}
		tw.Flush()
	}
	return nil
}

// withAgent loads the config, starts the selected agent's servers and
// runs fn. Servers are always closed before withAgent returns.
func withAgent(ctx context.Context, stderr io.Writer, opts options, fn func(ctx context.Context, m *mcp.Manager) error) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logger(stderr)
	logger.Debug("config loaded", "path", cfgPath)

	agent, err := primaryAgent(cfg, opts.agent)
	if err != nil {
		return err
	}
	set, err := serverSet(cfg, agent)
	if err != nil {
		return err
	}

	mcfg := mcp.ManagerConfig{Agent: agent, Servers: set, Logger: logger}
	if cfg.CallLog.Enabled {
		store, err := openCallLog(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		rec := calllog.NewRecorder(store, logger)
		defer rec.Close()
		mcfg.Observers = append(mcfg.Observers, rec)
	}

	return mcp.Run(ctx, mcfg, fn)
}

func openCallLog(cfg *config.Config) (*calllog.Store, error) {
	path := cfg.CallLogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create call log directory: %w", err)
	}
	return calllog.NewStore(path)
}

// runDiscover connects every server of the selected agent and prints
// their status and the capabilities they contributed.
func runDiscover(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	return withAgent(ctx, stderr, opts, func(_ context.Context, m *mcp.Manager) error {
		status := m.Status()
		caps := m.Capabilities().Tools()

		if opts.outputFmt == "json" {
			return writeJSON(stdout, map[string]any{
				"agent":        m.Agent(),
				"servers":      status,
				"capabilities": caps,
			})
		}

		fmt.Fprintf(stdout, "agent %s\n\n", m.Agent())
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SERVER\tSTATE\tMODE\tTOOLS\tDETAIL")
		for _, st := range status {
			detail := st.LastError
			if detail == "" && st.ServerName != "" {
				detail = strings.TrimSpace(st.ServerName + " " + st.ServerVersion)
			}
			mode := st.Mode
			if st.FellBack {
				mode += " (fallback)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", st.Name, st.State, mode, st.Tools, detail)
		}
		tw.Flush()

		fmt.Fprintf(stdout, "\n%d capabilities:\n", len(caps))
		for _, t := range caps {
			fmt.Fprintf(stdout, "  %s%s\n", t.Name, signature(t.Params))
			if t.Description != "" {
				fmt.Fprintf(stdout, "      %s\n", firstLine(t.Description))
			}
		}
		return nil
	})
}

// signature renders params as "(path: string, limit?: integer)".
func signature(params []tools.Param) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		opt := "?"
		if p.Required {
			opt = ""
		}
		parts = append(parts, fmt.Sprintf("%s%s: %s", p.Name, opt, p.Type))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// parseCallArgs accepts a single JSON object, key=value pairs, or bare
// positional values. Values are passed as strings and coerced to the
// declared parameter types by the capability.
func parseCallArgs(args []string) (positional []any, named map[string]any, err error) {
	named = map[string]any{}
	if len(args) == 1 && strings.HasPrefix(strings.TrimSpace(args[0]), "{") {
		if err := json.Unmarshal([]byte(args[0]), &named); err != nil {
			return nil, nil, fmt.Errorf("arguments: %w", err)
		}
		return nil, named, nil
	}
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			if len(named) > 0 {
				return nil, nil, fmt.Errorf("positional argument %q after named arguments", a)
			}
			positional = append(positional, a)
			continue
		}
		named[k] = v
	}
	return positional, named, nil
}

// runCall invokes one capability and prints its result. A failed
// result is printed and also returned as an error, so the exit status
// reflects it.
func runCall(ctx context.Context, stdout, stderr io.Writer, opts options, name string, args []string) error {
	positional, named, err := parseCallArgs(args)
	if err != nil {
		return err
	}

	return withAgent(ctx, stderr, opts, func(ctx context.Context, m *mcp.Manager) error {
		res := m.Capabilities().Invoke(ctx, name, positional, named)

		if opts.outputFmt == "json" {
			if err := writeJSON(stdout, res); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(stdout, res.Text())
		}
		if !res.Succeeded {
			return fmt.Errorf("%s failed (%s)", name, res.ErrorKind)
		}
		return nil
	})
}

// runCalls prints the most recent entries of the call log.
func runCalls(ctx context.Context, stdout io.Writer, opts options, limit int) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	store, err := openCallLog(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.Recent(ctx, calllog.Filter{Agent: opts.agent}, limit)
	if err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		if recs == nil {
			recs = []calllog.Record{}
		}
		return writeJSON(stdout, recs)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tAGENT\tSERVER\tTOOL\tRESULT\tDURATION")
	for _, r := range recs {
		result := "ok"
		if !r.Succeeded {
			result = r.ErrorKind
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format(time.DateTime), r.Agent, r.Server, r.Tool, result, r.Duration.Round(time.Millisecond))
	}
	return tw.Flush()
}

// runServe starts every agent's servers and the operator API, and
// blocks until ctx is cancelled or a termination signal arrives.
func runServe(ctx context.Context, stderr io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logger(stderr)
	logger.Info("starting toolhost", "version", buildinfo.Version, "config", cfgPath)

	names, err := agentNames(cfg, opts.agent)
	if err != nil {
		return err
	}

	// Validate every agent before connecting anything.
	sets := make(map[string]mcp.EffectiveServerSet, len(names))
	for _, name := range names {
		set, err := serverSet(cfg, name)
		if err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
		sets[name] = set
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	collector := metrics.NewCollector()
	bus := events.New()
	observers := []mcp.CallObserver{collector, bus}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, logger)
	server.SetMetrics(collector.Handler())
	server.SetEvents(bus)

	if cfg.CallLog.Enabled {
		store, err := openCallLog(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		rec := calllog.NewRecorder(store, logger)
		defer rec.Close()
		observers = append(observers, rec)
		server.SetCallLog(store)
		logger.Info("call log enabled", "path", cfg.CallLogPath())
	}

	// Agents start concurrently; each manager already connects its own
	// servers in parallel.
	managers := make([]*mcp.Manager, len(names))
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		managers[i] = mcp.NewManager(mcp.ManagerConfig{
			Agent:           name,
			Servers:         sets[name],
			Logger:          logger,
			Observers:       observers,
			ServerObservers: []mcp.ServerObserver{collector, bus},
			Health:          healthConfig(cfg),
		})
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = managers[i].Start(ctx)
		}(i)
	}
	wg.Wait()

	defer func() {
		for _, m := range managers {
			_ = m.Close()
		}
	}()
	if err := errors.Join(errs...); err != nil {
		return err
	}

	sorted := append([]*mcp.Manager(nil), managers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Agent() < sorted[j].Agent() })
	for _, m := range sorted {
		server.AddAgent(m)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("toolhost stopped")
	return nil
}
