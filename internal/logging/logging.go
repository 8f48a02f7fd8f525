// Package logging builds the slog loggers shared by the controller and agent.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Options configures a logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output io.Writer

	// Redact replaces the values of credential attributes with a
	// placeholder. It is on for the loggers built by NewLogger.
	Redact bool
}

// Redacted is logged in place of credential values.
const Redacted = "[redacted]"

// credentialKeys are attribute keys whose values never reach the output.
var credentialKeys = map[string]bool{
	KeyPassword: true,
	KeySecret:   true,
	KeyToken:    true,
	"key":       true,
	"poll_key":  true,
}

// New returns a logger for opts. A nil Output means stderr.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	if opts.Redact {
		ho.ReplaceAttr = redact
	}

	if strings.EqualFold(opts.Format, "json") {
		return slog.New(slog.NewJSONHandler(out, ho))
	}
	return slog.New(slog.NewTextHandler(out, ho))
}

// NewLogger returns a redacting logger writing to stderr.
func NewLogger(level, format string) *slog.Logger {
	return New(Options{Level: level, Format: format, Redact: true})
}

// NewLoggerWithWriter is NewLogger writing to w.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	return New(Options{Level: level, Format: format, Output: w, Redact: true})
}

func redact(groups []string, a slog.Attr) slog.Attr {
	if credentialKeys[strings.ToLower(a.Key)] && a.Value.Kind() != slog.KindGroup {
		if a.Value.String() != "" {
			a.Value = slog.StringValue(Redacted)
		}
	}
	return a
}

// ParseLevel converts a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Component tags logger with the name of the subsystem using it.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(KeyComponent, name)
}

// StdLogger adapts logger for libraries that want a *log.Logger
// (yamux, http.Server). Lines are emitted at the given level.
func StdLogger(logger *slog.Logger, level slog.Level) *log.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return slog.NewLogLogger(logger.Handler(), level)
}

// Attribute keys.
const (
	KeyAgentID    = "agent_id"
	KeyListenerID = "listener_id"
	KeyProxyPort  = "proxy_port"
	KeyTransport  = "transport"
	KeyAddress    = "address"
	KeyRemoteAddr = "remote_addr"
	KeyTarget     = "target"
	KeyRoute      = "route"
	KeyState      = "state"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyDuration   = "duration"
	KeyBytes      = "bytes"

	KeyPassword = "password"
	KeySecret   = "secret"
	KeyToken    = "token"
)
