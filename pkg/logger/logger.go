// Package logger provides the leveled logger used across fleetrun.
//
// It keeps a small printf-style API (Debug/Info/Warn/Error) on top of a
// zap SugaredLogger, so callers never import zap directly.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the log level
type LogLevel int

const (
	// DEBUG level for detailed debugging information
	DEBUG LogLevel = iota
	// INFO level for general informational messages
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel parses a string to LogLevel
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Config holds logger configuration
type Config struct {
	Level    string
	Output   string // "stdout", "stderr", or file path
	NoColor  bool
	ShowTime bool
}

// Logger is a leveled logger backed by zap.
type Logger struct {
	mu       sync.Mutex
	level    zap.AtomicLevel
	sugar    *zap.SugaredLogger
	noColor  bool
	showTime bool
	fields   []interface{}
}

// New creates a new logger with the given configuration
func New(cfg *Config) *Logger {
	level := INFO
	if cfg != nil && cfg.Level != "" {
		level = ParseLogLevel(cfg.Level)
	}

	output := io.Writer(os.Stderr)
	noColor := false
	showTime := false

	if cfg != nil {
		showTime = cfg.ShowTime
		noColor = cfg.NoColor

		switch cfg.Output {
		case "", "stderr":
		case "stdout":
			output = os.Stdout
		default:
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err == nil {
				output = f
				noColor = true
			}
		}
	}

	if !noColor {
		if f, ok := output.(*os.File); ok {
			noColor = !isatty.IsTerminal(f.Fd())
		}
	}

	l := &Logger{
		level:    zap.NewAtomicLevelAt(level.zapLevel()),
		noColor:  noColor,
		showTime: showTime,
	}
	l.sugar = l.build(output)
	return l
}

// NewWithLevel creates a new logger with the specified log level
func NewWithLevel(level string) *Logger {
	return New(&Config{Level: level})
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{
		level: zap.NewAtomicLevelAt(zapcore.ErrorLevel),
		sugar: zap.NewNop().Sugar(),
	}
}

func (l *Logger) build(w io.Writer) *zap.SugaredLogger {
	encCfg := zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "level",
		EncodeLevel:      zapcore.CapitalColorLevelEncoder,
		ConsoleSeparator: " ",
	}
	if l.noColor {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	if l.showTime {
		encCfg.TimeKey = "time"
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), l.level)
	return zap.New(core).Sugar().With(l.fields...)
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sugar = l.build(w)
}

func (l *Logger) get() *zap.SugaredLogger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sugar
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.get().Debugf(format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.get().Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.get().Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.get().Errorf(format, args...)
}

// WithField returns a child logger that attaches key=value to every entry.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a child logger with multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return &Logger{
		level:    l.level,
		sugar:    l.get().With(kv...),
		noColor:  l.noColor,
		showTime: l.showTime,
		fields:   append(append([]interface{}{}, l.fields...), kv...),
	}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.get().Sync()
}

// Default logger instance
var std = New(&Config{Level: "INFO"})

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	std = l
}

// Default returns the package default logger.
func Default() *Logger {
	return std
}

// Debug logs a debug message using the default logger
func Debug(format string, args ...interface{}) {
	std.Debug(format, args...)
}

// Info logs an info message using the default logger
func Info(format string, args ...interface{}) {
	std.Info(format, args...)
}

// Warn logs a warning message using the default logger
func Warn(format string, args ...interface{}) {
	std.Warn(format, args...)
}

// Error logs an error message using the default logger
func Error(format string, args ...interface{}) {
	std.Error(format, args...)
}
