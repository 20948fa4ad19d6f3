package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug]. The MCP transports log
// every JSON-RPC frame they send or receive at this level, which is
// the only way to see exactly what a misbehaving tool server said.
const LevelTrace = slog.Level(-8)

// Log formats accepted by the log_format setting.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// ParseLogLevel maps a log_level setting to an [slog.Level]. Matching
// ignores case and surrounding whitespace; an empty value means info.
// "trace" enables frame logging, "debug" adds per-call detail.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log_level %q (valid: trace, debug, info, warn, error)", s)
}

// ParseLogFormat validates a log_format setting. An empty value means text.
func ParseLogFormat(s string) (string, error) {
	switch s {
	case "", LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	}
	return "", fmt.Errorf("unknown log_format %q (valid: text, json)", s)
}

// ReplaceLogLevelNames renders [LevelTrace] as "TRACE" instead of
// slog's "DEBUG-4". Every handler built by [NewLogger] installs it.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// NewLogger builds the process logger. Unknown formats fall back to text.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceLogLevelNames,
	}
	if format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Logger builds the logger described by the log_level and log_format
// settings. Values were checked by Validate, so parse errors are
// ignored here and fall back to the defaults.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := ParseLogLevel(c.LogLevel)
	format, _ := ParseLogFormat(c.LogFormat)
	return NewLogger(w, level, format)
}
