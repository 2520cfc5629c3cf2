package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", level)
	}
}

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case TRACE:
		return logrus.TraceLevel
	case DEBUG:
		return logrus.DebugLevel
	case WARN:
		return logrus.WarnLevel
	case ERROR:
		return logrus.ErrorLevel
	case FATAL:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// LogFormat defines the output format for logs
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

// ParseLogFormat maps "text" or "json" to a LogFormat.
func ParseLogFormat(format string) (LogFormat, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("invalid log format: %s", format)
	}
}

// levelState is shared by a logger and every child derived from it.
type levelState struct {
	mu              sync.RWMutex
	level           LogLevel
	componentLevels map[string]LogLevel
}

// StructuredLogger provides structured logging with levels and fields on top of logrus.
type StructuredLogger struct {
	base      *logrus.Logger
	entry     *logrus.Entry
	component string
	levels    *levelState
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level         LogLevel
	Output        io.Writer
	Format        LogFormat
	IncludeCaller bool
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:  INFO,
		Output: os.Stderr,
		Format: FormatText,
	}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(config *StructuredLoggerConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}
	if config.Level < TRACE || config.Level > FATAL {
		return nil, fmt.Errorf("invalid log level: %d", config.Level)
	}

	base := logrus.New()
	if config.Output != nil {
		base.SetOutput(config.Output)
	}
	// Filtering happens in isEnabled so component overrides can go below the global level.
	base.SetLevel(logrus.TraceLevel)
	base.SetReportCaller(config.IncludeCaller)
	switch config.Format {
	case FormatJSON:
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		base.SetFormatter(&logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	return &StructuredLogger{
		base:  base,
		entry: logrus.NewEntry(base),
		levels: &levelState{
			level:           config.Level,
			componentLevels: make(map[string]LogLevel),
		},
	}, nil
}

// NewNopLogger returns a logger that discards everything. Handy as a default
// for components constructed without one.
func NewNopLogger() *StructuredLogger {
	l, _ := NewStructuredLogger(&StructuredLoggerConfig{Level: FATAL, Output: io.Discard})
	return l
}

// WithField returns a new logger with an additional context field
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return &StructuredLogger{
		base:      sl.base,
		entry:     sl.entry.WithField(key, value),
		component: sl.component,
		levels:    sl.levels,
	}
}

// WithFields returns a new logger with multiple context fields
func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	return &StructuredLogger{
		base:      sl.base,
		entry:     sl.entry.WithFields(logrus.Fields(fields)),
		component: sl.component,
		levels:    sl.levels,
	}
}

// WithComponent returns a logger with a component field
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	child := sl.WithField("component", component)
	child.component = component
	return child
}

// WithError attaches err under the standard logrus error key.
func (sl *StructuredLogger) WithError(err error) *StructuredLogger {
	return sl.WithField(logrus.ErrorKey, err)
}

// SetComponentLevel sets the log level for a specific component
func (sl *StructuredLogger) SetComponentLevel(component string, level LogLevel) {
	sl.levels.mu.Lock()
	defer sl.levels.mu.Unlock()
	sl.levels.componentLevels[component] = level
}

// SetLevel sets the global log level
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.levels.mu.Lock()
	defer sl.levels.mu.Unlock()
	sl.levels.level = level
}

// GetLevel returns the current log level
func (sl *StructuredLogger) GetLevel() LogLevel {
	sl.levels.mu.RLock()
	defer sl.levels.mu.RUnlock()
	return sl.levels.level
}

func (sl *StructuredLogger) isEnabled(level LogLevel) bool {
	sl.levels.mu.RLock()
	defer sl.levels.mu.RUnlock()

	if sl.component != "" {
		if compLevel, exists := sl.levels.componentLevels[sl.component]; exists {
			return level >= compLevel
		}
	}
	return level >= sl.levels.level
}

func (sl *StructuredLogger) log(level LogLevel, message string, fieldMaps ...map[string]interface{}) {
	if !sl.isEnabled(level) {
		return
	}
	entry := sl.entry
	if len(fieldMaps) > 0 && fieldMaps[0] != nil {
		entry = entry.WithFields(logrus.Fields(fieldMaps[0]))
	}
	if level == FATAL {
		// logrus.Fatal exits through the logger's ExitFunc.
		entry.Fatal(message)
		return
	}
	entry.Log(level.logrusLevel(), message)
}

// Trace logs a trace message
func (sl *StructuredLogger) Trace(message string, fields ...map[string]interface{}) {
	sl.log(TRACE, message, fields...)
}

// Debug logs a debug message
func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.log(DEBUG, message, fields...)
}

// Info logs an info message
func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.log(INFO, message, fields...)
}

// Warn logs a warning message
func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.log(WARN, message, fields...)
}

// Error logs an error message
func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.log(ERROR, message, fields...)
}

// Fatal logs a fatal message and exits
func (sl *StructuredLogger) Fatal(message string, fields ...map[string]interface{}) {
	sl.log(FATAL, message, fields...)
}

// Debugf logs a formatted debug message
func (sl *StructuredLogger) Debugf(format string, args ...interface{}) {
	sl.log(DEBUG, fmt.Sprintf(format, args...))
}

// Infof logs a formatted info message
func (sl *StructuredLogger) Infof(format string, args ...interface{}) {
	sl.log(INFO, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning message
func (sl *StructuredLogger) Warnf(format string, args ...interface{}) {
	sl.log(WARN, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error message
func (sl *StructuredLogger) Errorf(format string, args ...interface{}) {
	sl.log(ERROR, fmt.Sprintf(format, args...))
}
