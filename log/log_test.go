package log

import (
	"bytes"
	"testing"

	"github.com/kataras/golog"
	"github.com/stretchr/testify/assert"
)

func TestDefaultLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewCustomLogger(&buf, LogLevelWarn)

	logger.Debug("d %d", 1)
	logger.Info("i %d", 2)
	logger.Warn("w %d", 3)
	logger.Error("e %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "d 1")
	assert.NotContains(t, out, "i 2")
	assert.Contains(t, out, "[WARN] w 3")
	assert.Contains(t, out, "[ERROR] e 4")
}

func TestDefaultLoggerNoneSilencesEverything(t *testing.T) {
	var buf bytes.Buffer
	logger := NewCustomLogger(&buf, LogLevelNone)

	logger.Error("should not appear")
	assert.Empty(t, buf.String())
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LogLevelDebug.String())
	assert.Equal(t, "NONE", LogLevelNone.String())
	assert.Contains(t, LogLevel(42).String(), "UNKNOWN")
}

func TestGologLoggerLevels(t *testing.T) {
	logger := NewGologLogger(golog.New())
	assert.Equal(t, LogLevelInfo, logger.GetLevel())

	logger.SetLevel(LogLevelError)
	assert.Equal(t, LogLevelError, logger.GetLevel())

	// Filtered and unfiltered calls must both be safe.
	logger.Debug("filtered %s", "x")
	logger.Error("logged %d", 1)
}

func TestGologLoggerWithLevel(t *testing.T) {
	logger := NewGologLoggerWithLevel(golog.New(), LogLevelDebug)
	assert.Equal(t, LogLevelDebug, logger.GetLevel())

	logger = NewGologLoggerWithLevel(golog.New(), LogLevelNone)
	assert.Equal(t, LogLevelNone, logger.GetLevel())
	logger.Error("silenced %d", 1)
}

func TestSetDefaultLogger(t *testing.T) {
	original := GetDefaultLogger()
	defer SetDefaultLogger(original)

	var buf bytes.Buffer
	SetDefaultLogger(NewCustomLogger(&buf, LogLevelInfo))
	Info("hello %s", "world")

	assert.Contains(t, buf.String(), "hello world")
}
