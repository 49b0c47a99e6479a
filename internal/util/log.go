package util

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// SetLevel applies a textual log level ("debug", "info", "warn", "error").
// Unknown values leave the level unchanged.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "trace":
		pterm.DefaultLogger.Level = pterm.LogLevelTrace
	case "debug":
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	case "info":
		pterm.DefaultLogger.Level = pterm.LogLevelInfo
	case "warn", "warning":
		pterm.DefaultLogger.Level = pterm.LogLevelWarn
	case "error":
		pterm.DefaultLogger.Level = pterm.LogLevelError
	}
}

// Logger is a switchable, prefixed view of the process logger. The zero value
// is disabled, so components built without a logger stay silent.
type Logger struct {
	Enabled bool
	Prefix  string
}

// With returns a copy of l whose prefix is extended by name.
func (l Logger) With(name string) Logger {
	if l.Prefix != "" {
		name = l.Prefix + "/" + name
	}
	return Logger{Enabled: l.Enabled, Prefix: name}
}

func (l Logger) format(format string, args []interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if l.Prefix == "" {
		return msg
	}
	return "[" + l.Prefix + "] " + msg
}

func (l Logger) Debugf(format string, args ...interface{}) {
	if l.Enabled {
		pterm.DefaultLogger.Debug(l.format(format, args))
	}
}

func (l Logger) Infof(format string, args ...interface{}) {
	if l.Enabled {
		pterm.DefaultLogger.Info(l.format(format, args))
	}
}

func (l Logger) Warnf(format string, args ...interface{}) {
	if l.Enabled {
		pterm.DefaultLogger.Warn(l.format(format, args))
	}
}

func (l Logger) Errorf(format string, args ...interface{}) {
	if l.Enabled {
		pterm.DefaultLogger.Error(l.format(format, args))
	}
}
