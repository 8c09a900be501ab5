package log

import (
	"github.com/kataras/golog"
)

// GologLogger adapts a kataras/golog logger to the Logger interface, so the
// runner's diagnostics land in an application's existing golog output with
// its formatting and handlers.
type GologLogger struct {
	out   *golog.Logger
	level LogLevel
}

var _ Logger = (*GologLogger)(nil)

// NewGologLogger wraps an existing golog logger at LogLevelInfo.
func NewGologLogger(out *golog.Logger) *GologLogger {
	return NewGologLoggerWithLevel(out, LogLevelInfo)
}

// NewGologLoggerWithLevel wraps an existing golog logger at the given level.
func NewGologLoggerWithLevel(out *golog.Logger, level LogLevel) *GologLogger {
	l := &GologLogger{out: out}
	l.SetLevel(level)
	return l
}

func (l *GologLogger) Debug(format string, v ...any) {
	if l.level <= LogLevelDebug {
		l.out.Debugf(format, v...)
	}
}

func (l *GologLogger) Info(format string, v ...any) {
	if l.level <= LogLevelInfo {
		l.out.Infof(format, v...)
	}
}

func (l *GologLogger) Warn(format string, v ...any) {
	if l.level <= LogLevelWarn {
		l.out.Warnf(format, v...)
	}
}

func (l *GologLogger) Error(format string, v ...any) {
	if l.level <= LogLevelError {
		l.out.Errorf(format, v...)
	}
}

// SetLevel changes the threshold on both the adapter and the wrapped logger.
func (l *GologLogger) SetLevel(level LogLevel) {
	l.level = level
	l.out.SetLevel(gologLevelName(level))
}

// GetLevel returns the adapter's current threshold.
func (l *GologLogger) GetLevel() LogLevel {
	return l.level
}

func gologLevelName(level LogLevel) string {
	switch level {
	case LogLevelDebug:
		return "debug"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	case LogLevelNone:
		return "disable"
	default:
		return "info"
	}
}
