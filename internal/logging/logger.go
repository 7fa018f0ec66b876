package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	base *zap.SugaredLogger
	once sync.Once
)

// IsTest switches the base logger to a quiet development config for tests.
var IsTest bool

// Logger provides structured logging for the worker
type Logger struct {
	prefix string
	logger *zap.SugaredLogger
}

// initBase configures the shared zap logger from LOG_LEVEL and ENVIRONMENT.
func initBase() {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		level = zapcore.InfoLevel
	}

	var cfg zap.Config
	switch {
	case IsTest:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		cfg.OutputPaths = []string{"stdout"}
	case os.Getenv("ENVIRONMENT") == "production":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
	}

	zl, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	base = zl.Sugar()
}

// NewLogger creates a new logger with a prefix
func NewLogger(prefix string) *Logger {
	once.Do(initBase)
	return &Logger{
		prefix: prefix,
		logger: base.Named(prefix),
	}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{logger: zap.NewNop().Sugar()}
}

// With returns a child logger that always carries the given key-value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{prefix: l.prefix, logger: l.logger.With(keysAndValues...)}
}

// Named appends a sub-component to the logger name ("Worker.redis").
func (l *Logger) Named(component string) *Logger {
	return &Logger{
		prefix: strings.TrimPrefix(l.prefix+"."+component, "."),
		logger: l.logger.Named(component),
	}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Infow(msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warnw(msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

// Sync flushes buffered entries. Call before exit.
func Sync() error {
	if base == nil || IsTest {
		return nil
	}
	if err := base.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "Error syncing logger: %v\n", err)
		return err
	}
	return nil
}
