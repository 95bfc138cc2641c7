// Package logging maps the command-line verbosity names onto log/slog levels.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
)

// Levels beyond the four built into slog
const (
	LevelTrace    = slog.LevelDebug - 4
	LevelCritical = slog.LevelError + 4
	LevelOff      = slog.Level(math.MaxInt32)
)

// LevelNames lists the accepted --level values, most verbose first
var LevelNames = []string{"trace", "debug", "info", "warn", "err", "critical", "off"}

// ParseLevel converts a --level value to a slog level
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "err", "error":
		return slog.LevelError, nil
	case "critical":
		return LevelCritical, nil
	case "off":
		return LevelOff, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (want one of %s)", name, strings.Join(LevelNames, "|"))
	}
}

// New returns a text logger writing records at or above level to w
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key != slog.LevelKey || len(groups) > 0 {
				return a
			}
			if lvl, ok := a.Value.Any().(slog.Level); ok {
				a.Value = slog.StringValue(levelName(lvl))
			}
			return a
		},
	}))
}

// Discard returns a logger that drops every record
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelOff}))
}

func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelDebug:
		return "TRACE"
	case l >= LevelCritical:
		return "CRITICAL"
	default:
		return l.String()
	}
}
