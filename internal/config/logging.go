package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries wire-level
// payloads: the full JSON bodies exchanged with the Gemini API and the
// raw SSE frames sent to chat clients. The value -8 matches the Trace
// convention used by OpenTelemetry and other slog extensions.
//
// Trace output contains user queries and model answers verbatim. Keep
// it off outside of debugging sessions.
const LevelTrace = slog.Level(-8)

// ParseLogLevel converts the log_level config value to an [slog.Level].
// Matching is case-insensitive and ignores surrounding whitespace.
//
//   - "trace" → [LevelTrace] (engine payloads and SSE frames)
//   - "debug" → [slog.LevelDebug]
//   - "info" or "" → [slog.LevelInfo]
//   - "warn" or "warning" → [slog.LevelWarn]
//   - "error" → [slog.LevelError]
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

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] function
// that renders [LevelTrace] as "TRACE". slog has no name for custom
// levels and would print "DEBUG-4" otherwise. Wire it into every
// handler the server constructs:
//
//	slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
//	    Level:       level,
//	    ReplaceAttr: config.ReplaceLogLevelNames,
//	})
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
