package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, level LogLevel, format LogFormat) (*StructuredLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  level,
		Output: &buf,
		Format: format,
	})
	require.NoError(t, err)
	return logger, &buf
}

func TestNewStructuredLogger(t *testing.T) {
	logger, _ := newTestLogger(t, DEBUG, FormatText)
	if logger.GetLevel() != DEBUG {
		t.Errorf("Expected DEBUG level, got %v", logger.GetLevel())
	}

	_, err := NewStructuredLogger(&StructuredLoggerConfig{Level: LogLevel(42)})
	assert.Error(t, err)

	logger, err = NewStructuredLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, INFO, logger.GetLevel())
}

func TestLogLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message was logged when level is INFO")
	}

	for _, tc := range []struct {
		log  func(string, ...map[string]interface{})
		msg  string
		want string
	}{
		{logger.Info, "info message", "level=info"},
		{logger.Warn, "warn message", "level=warning"},
		{logger.Error, "error message", "level=error"},
	} {
		buf.Reset()
		tc.log(tc.msg)
		out := buf.String()
		assert.Contains(t, out, tc.msg)
		assert.Contains(t, out, tc.want)
	}
}

func TestStructuredFields(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Info("Habit saved", map[string]interface{}{
		"habit_id": 123,
		"action":   "update",
	})

	output := buf.String()
	assert.Contains(t, output, "habit_id=123")
	assert.Contains(t, output, "action=update")
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	child := logger.WithField("request_id", "abc-123")
	child.Info("Processing request")
	assert.Contains(t, buf.String(), "request_id=abc-123")

	buf.Reset()
	logger.Info("Parent message")
	assert.NotContains(t, buf.String(), "request_id")
}

func TestWithComponentAndLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	sync := logger.WithComponent("syncqueue")
	sync.Info("drain started")
	assert.Contains(t, buf.String(), "component=syncqueue")

	buf.Reset()
	sync.Debug("hidden")
	assert.Empty(t, buf.String())

	logger.SetComponentLevel("syncqueue", DEBUG)
	sync.Debug("visible")
	assert.Contains(t, buf.String(), "visible")

	buf.Reset()
	logger.WithComponent("cache").Debug("still hidden")
	assert.Empty(t, buf.String())
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatJSON)

	logger.WithError(errors.New("boom")).Warn("probe failed", map[string]interface{}{"url": "https://example.com"})

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "probe failed", decoded["msg"])
	assert.Equal(t, "warning", decoded["level"])
	assert.Equal(t, "boom", decoded["error"])
	assert.Equal(t, "https://example.com", decoded["url"])
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"warning", WARN, false},
		{"error", ERROR, false},
		{"verbose", INFO, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	f, err := ParseLogFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	_, err = ParseLogFormat("xml")
	assert.Error(t, err)
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Error("nothing")
	assert.True(t, strings.EqualFold(l.GetLevel().String(), "fatal"))
}
