// Package logging provides the structured logger used throughout the swarm.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the logging interface every swarm component depends on.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
}

// Field is a single structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Level controls the minimum severity emitted.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config configures a new Logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
	WithCaller bool
}

// DefaultConfig returns sane defaults: info level, JSON output to stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		JSONOutput: true,
		Output:     os.Stdout,
		WithCaller: true,
	}
}

type zerologLogger struct {
	logger zerolog.Logger
}

// New builds a zerolog-backed Logger from cfg. A nil cfg uses DefaultConfig.
func New(cfg *Config) Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	builder := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.WithCaller {
		builder = builder.Caller()
	}

	return &zerologLogger{logger: builder.Logger()}
}

func (l *zerologLogger) log(ev *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		ev = ev.Interface(f.Key, f.Value)
	}
	ev.Msg(msg)
}

func (l *zerologLogger) Debug(msg string, fields ...Field) { l.log(l.logger.Debug(), msg, fields) }
func (l *zerologLogger) Info(msg string, fields ...Field)  { l.log(l.logger.Info(), msg, fields) }
func (l *zerologLogger) Warn(msg string, fields ...Field)  { l.log(l.logger.Warn(), msg, fields) }
func (l *zerologLogger) Error(msg string, fields ...Field) { l.log(l.logger.Error(), msg, fields) }

func (l *zerologLogger) With(fields ...Field) Logger {
	ctx := l.logger.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &zerologLogger{logger: ctx.Logger()}
}

type ctxKey string

const (
	CtxBuildID   ctxKey = "build_id"
	CtxSubtaskID ctxKey = "subtask_id"
	CtxWorker    ctxKey = "worker_index"
)

// WithContext attaches build/subtask/worker identifiers found in ctx, if any.
func (l *zerologLogger) WithContext(ctx context.Context) Logger {
	newLogger := l.logger
	if v := ctx.Value(CtxBuildID); v != nil {
		newLogger = newLogger.With().Str("build_id", v.(string)).Logger()
	}
	if v := ctx.Value(CtxSubtaskID); v != nil {
		newLogger = newLogger.With().Str("subtask_id", v.(string)).Logger()
	}
	if v := ctx.Value(CtxWorker); v != nil {
		newLogger = newLogger.With().Int("worker_index", v.(int)).Logger()
	}
	return &zerologLogger{logger: newLogger}
}

func String(key, value string) Field          { return Field{Key: key, Value: value} }
func Int(key string, value int) Field         { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field     { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field       { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}
func Any(key string, value interface{}) Field { return Field{Key: key, Value: value} }
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// NoOp is a Logger that discards everything; useful in tests.
type NoOp struct{}

func NewNoOp() Logger { return &NoOp{} }

func (NoOp) Debug(string, ...Field)              {}
func (NoOp) Info(string, ...Field)               {}
func (NoOp) Warn(string, ...Field)               {}
func (NoOp) Error(string, ...Field)              {}
func (n NoOp) With(...Field) Logger              { return n }
func (n NoOp) WithContext(context.Context) Logger { return n }
