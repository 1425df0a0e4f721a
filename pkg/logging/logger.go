// Package logging is the engine's structured logger on top of zap.
//
// Every component takes a *Logger or falls back to Global().Named(component).
// Domain fields (operation key, gateway, contract) come from fields.go so log
// lines of one transfer can be joined across components.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger so child loggers keep the package type.
type Logger struct {
	*zap.Logger
}

// Config holds logging configuration.
type Config struct {
	// Level is one of debug, info, warn, error, dpanic, panic, fatal.
	Level string `mapstructure:"level" yaml:"level"`

	// Format is json or console.
	Format string `mapstructure:"format" yaml:"format"`

	// Service is attached to every line as "service".
	Service string `mapstructure:"service" yaml:"service"`

	OutputPaths      []string `mapstructure:"output_paths" yaml:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths" yaml:"error_output_paths"`

	// Development makes DPanic panic and switches to the development encoder.
	Development bool `mapstructure:"development" yaml:"development"`

	EnableCaller     bool `mapstructure:"enable_caller" yaml:"enable_caller"`
	EnableStacktrace bool `mapstructure:"enable_stacktrace" yaml:"enable_stacktrace"`

	// Sampling drops repeated identical lines under load.
	Sampling bool `mapstructure:"sampling" yaml:"sampling"`
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Level:            "info",
		Format:           "json",
		Service:          "transfer-engine",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

// DevelopmentConfig returns a human-readable configuration for local runs.
func DevelopmentConfig() Config {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	cfg.Format = "console"
	cfg.Development = true
	cfg.EnableCaller = true
	cfg.EnableStacktrace = true
	return cfg
}

// NewLogger builds a logger from config.
func NewLogger(config Config) (*Logger, error) {
	level, err := parseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	encoder := zap.NewProductionEncoderConfig()
	if config.Development {
		encoder = zap.NewDevelopmentEncoderConfig()
	}
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder.EncodeDuration = zapcore.StringDurationEncoder

	format := config.Format
	if format == "" {
		format = "json"
	}
	outputs := config.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	errOutputs := config.ErrorOutputPaths
	if len(errOutputs) == 0 {
		errOutputs = []string{"stderr"}
	}

	zc := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       config.Development,
		DisableCaller:     !config.EnableCaller,
		DisableStacktrace: !config.EnableStacktrace,
		Encoding:          format,
		EncoderConfig:     encoder,
		OutputPaths:       outputs,
		ErrorOutputPaths:  errOutputs,
	}
	if config.Sampling {
		zc.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}
	if config.Service != "" {
		zc.InitialFields = map[string]interface{}{"service": config.Service}
	}

	z, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	return &Logger{z}, nil
}

// NewLoggerFromEnv builds a logger before any config file is read:
//
//	TRANSFER_LOG_DEV=true    development config
//	TRANSFER_LOG_LEVEL       level override
//	TRANSFER_LOG_FORMAT      format override
func NewLoggerFromEnv() (*Logger, error) {
	config := DefaultConfig()
	if os.Getenv("TRANSFER_LOG_DEV") == "true" {
		config = DevelopmentConfig()
	}
	if v := os.Getenv("TRANSFER_LOG_LEVEL"); v != "" {
		config.Level = v
	}
	if v := os.Getenv("TRANSFER_LOG_FORMAT"); v != "" {
		config.Format = v
	}
	return NewLogger(config)
}

// NewNoOpLogger returns a logger that discards everything.
func NewNoOpLogger() *Logger {
	return &Logger{zap.NewNop()}
}

func parseLevel(level string) (zapcore.Level, error) {
	if strings.EqualFold(level, "warning") {
		level = "warn"
	}
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	l, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

// With returns a child logger carrying fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{l.Logger.With(fields...)}
}

// Named returns a child logger with name appended.
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}

// ForOperation returns a child logger tagged with an operation key.
func (l *Logger) ForOperation(key string) *Logger {
	return l.With(OperationKey(key))
}

var global atomic.Pointer[Logger]

func init() {
	global.Store(NewNoOpLogger())
}

// SetGlobal replaces the process-wide logger. Nil resets it to no-op.
func SetGlobal(logger *Logger) {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	global.Store(logger)
}

// Global returns the process-wide logger. It is never nil.
func Global() *Logger {
	return global.Load()
}
