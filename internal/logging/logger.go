// Package logging provides structured logging for fieldsync, backed by zap.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLevel parses a case-insensitive level name.
func ParseLevel(s string) (LogLevel, error) {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug, nil
	case LevelInfo, "":
		return LevelInfo, nil
	case LevelWarn, "WARNING":
		return LevelWarn, nil
	case LevelError:
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger provides structured JSON logging with map-style context.
type Logger struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
)

// New builds an independent logger writing JSON lines to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	level := zap.NewAtomicLevelAt(minLevel.zapLevel())

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(zapcore.AddSync(out)), level)

	return &Logger{z: zap.New(core), level: level}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{z: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

// Init initializes the global logger. Later calls are ignored.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		global = New(out, minLevel)
	})
}

// Get returns the global logger instance.
func Get() *Logger {
	if global == nil {
		Init(os.Stdout, LevelInfo)
	}
	return global
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return l.z.Core().Enabled(level.zapLevel())
}

// With returns a child logger that always carries the given context.
func (l *Logger) With(context map[string]interface{}) *Logger {
	return &Logger{z: l.z.With(fields(context)...), level: l.level}
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.write(zapcore.DebugLevel, message, nil, "", context)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.write(zapcore.InfoLevel, message, nil, "", context)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.write(zapcore.WarnLevel, message, nil, "", context)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.write(zapcore.ErrorLevel, message, err, "", context)
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	l.write(zapcore.ErrorLevel, message, err, code, context)
}

func (l *Logger) write(level zapcore.Level, message string, err error, code string, context []map[string]interface{}) {
	ce := l.z.Check(level, message)
	if ce == nil {
		return
	}

	var fs []zap.Field
	if err != nil {
		fs = append(fs, zap.String("error", err.Error()))
	}
	if code != "" {
		fs = append(fs, zap.String("code", code))
	}
	if ctx := merge(context); len(ctx) > 0 {
		fs = append(fs, zap.Namespace("context"))
		fs = append(fs, fields(ctx)...)
	}
	ce.Write(fs...)
}

// merge merges multiple context maps; later maps win.
func merge(context []map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

func fields(ctx map[string]interface{}) []zap.Field {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fs := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := ctx[k].(error); ok {
			fs = append(fs, zap.String(k, err.Error()))
			continue
		}
		fs = append(fs, zap.Any(k, ctx[k]))
	}
	return fs
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
