// Package logger provides structured logging utilities.
package logger

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a wrapper around zap.Logger.
type Logger struct {
	*zap.Logger
}

// ServiceName is attached to every production log line.
const ServiceName = "continuum-api"

// New creates a JSON logger writing to stdout. Unknown levels log at info.
func New(level string) (*Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	config.Sampling = nil
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder
	config.OutputPaths = []string{"stdout"}
	config.InitialFields = map[string]interface{}{"service": ServiceName}

	zl, err := config.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: zl}, nil
}

// NewDevelopment creates a console logger with colored levels.
func NewDevelopment(level string) (*Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	zl, err := config.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: zl}, nil
}

// NewForEnv picks the console logger when env is "development".
func NewForEnv(env, level string) (*Logger, error) {
	if env == "development" {
		return NewDevelopment(level)
	}
	return New(level)
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// ParseLevel parses a level name, accepting "warning" for warn.
func ParseLevel(level string) zapcore.Level {
	if level == "warning" || level == "WARNING" {
		return zapcore.WarnLevel
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// With creates a child logger with additional fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// Named creates a child logger for a component.
func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger.Named(name)}
}

// StdLog returns a standard library logger that writes at error level, for
// http.Server.ErrorLog.
func (l *Logger) StdLog() *log.Logger {
	std, err := zap.NewStdLogAt(l.Logger.Named("http"), zapcore.ErrorLevel)
	if err != nil {
		return zap.NewStdLog(l.Logger)
	}
	return std
}

// Install makes l the process-wide zap logger and routes the standard
// library's log package into it. The returned func restores the previous
// state.
func (l *Logger) Install() func() {
	restoreGlobals := zap.ReplaceGlobals(l.Logger)
	restoreStd := zap.RedirectStdLog(l.Logger)
	return func() {
		restoreStd()
		restoreGlobals()
	}
}
