package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below debug and enables full JSON-RPC frames and
// model payloads in the log.
const LevelTrace = slog.Level(-8)

// ParseLogLevel maps trace, debug, info, warn/warning and error
// (case-insensitive) to slog levels. Empty means info.
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
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames prints LevelTrace as "TRACE" instead of
// "DEBUG-4". Use it as slog.HandlerOptions.ReplaceAttr.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
