// Package logger wraps zerolog with the field conventions tsgate uses:
// every driver logs with "driver" and "connection_id" fields, and errors
// carry their errs kind so log pipelines can group failures.
package logger

import (
	"context"
	"io"
	"os"
	"sort"
	"time"

	"github.com/koustreak/tsgate/internal/errs"
	"github.com/rs/zerolog"
)

// Field names shared across packages.
const (
	FieldConnectionID = "connection_id"
	FieldDriver       = "driver"
	FieldErrorKind    = "error_kind"
	FieldRequestID    = "request_id"
)

// Logger wraps zerolog with the field helpers tsgate uses everywhere.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string    `yaml:"level"`       // trace, debug, info, warn, error
	Format     string    `yaml:"format"`      // json, console
	TimeFormat string    `yaml:"time_format"` // rfc3339, unix, unixms, unixmicro
	Output     io.Writer `yaml:"-"`
}

// DefaultConfig returns production defaults: JSON at info level on stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: "rfc3339",
		Output:     os.Stderr,
	}
}

// New creates a logger. The level applies to this logger only; zerolog's
// global level is left untouched.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	zerolog.TimeFieldFormat = timeFormat(cfg.TimeFormat)

	var zlog zerolog.Logger
	if cfg.Format == "console" {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	} else {
		zlog = zerolog.New(out)
	}
	return &Logger{zlog: zlog.With().Timestamp().Logger().Level(parseLevel(cfg.Level))}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return l.zlog.WithContext(ctx)
}

// FromContext returns the logger stored in ctx, or fallback when there is
// none.
func FromContext(ctx context.Context, fallback *Logger) *Logger {
	zlog := zerolog.Ctx(ctx)
	if zlog.GetLevel() == zerolog.Disabled {
		if fallback == nil {
			return Nop()
		}
		return fallback
	}
	return &Logger{zlog: *zlog}
}

// ForConnection returns a child logger tagged with the connection id.
func (l *Logger) ForConnection(id string) *Logger {
	return l.With().Str(FieldConnectionID, id).Logger()
}

// ForDriver returns a child logger tagged with the driver kind.
func (l *Logger) ForDriver(kind string) *Logger {
	return l.With().Str(FieldDriver, kind).Logger()
}

// With creates a child logger with additional fields
func (l *Logger) With() *Context {
	return &Context{ctx: l.zlog.With()}
}

// Context wraps zerolog.Context for field chaining
type Context struct {
	ctx zerolog.Context
}

func (c *Context) Str(key, val string) *Context {
	c.ctx = c.ctx.Str(key, val)
	return c
}

func (c *Context) Int(key string, val int) *Context {
	c.ctx = c.ctx.Int(key, val)
	return c
}

func (c *Context) Err(err error) *Context {
	c.ctx = c.ctx.Err(err)
	return c
}

func (c *Context) Any(key string, val interface{}) *Context {
	c.ctx = c.ctx.Interface(key, val)
	return c
}

func (c *Context) Logger() *Logger {
	return &Logger{zlog: c.ctx.Logger()}
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

// Debugf, Warnf and Errorf let the logger stand in for resty's.
func (l *Logger) Debugf(format string, v ...interface{}) { l.zlog.Debug().Msgf(format, v...) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.zlog.Warn().Msgf(format, v...) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.zlog.Error().Msgf(format, v...) }

// DebugWith logs msg with fields at debug level.
func (l *Logger) DebugWith(msg string, fields map[string]interface{}) {
	emit(l.zlog.Debug(), msg, nil, fields)
}

// InfoWith logs msg with fields at info level.
func (l *Logger) InfoWith(msg string, fields map[string]interface{}) {
	emit(l.zlog.Info(), msg, nil, fields)
}

// WarnWith logs msg at warn level; err may be nil.
func (l *Logger) WarnWith(msg string, err error, fields map[string]interface{}) {
	emit(l.zlog.Warn(), msg, err, fields)
}

// ErrorWith logs msg and err at error level.
func (l *Logger) ErrorWith(msg string, err error, fields map[string]interface{}) {
	emit(l.zlog.Error(), msg, err, fields)
}

// Warnings logs each capability or dataset warning as its own warn event.
func (l *Logger) Warnings(msg string, warnings []string, fields map[string]interface{}) {
	for _, w := range warnings {
		emit(l.zlog.Warn().Str("warning", w), msg, nil, fields)
	}
}

// emit adds err with its kind, then fields in key order.
func emit(event *zerolog.Event, msg string, err error, fields map[string]interface{}) {
	if event == nil {
		return
	}
	if err != nil {
		event = event.Err(err).Str(FieldErrorKind, errs.KindOf(err).String())
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		event = event.Interface(k, fields[k])
	}
	event.Msg(msg)
}

// Zerolog exposes the underlying logger for libraries that accept one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func parseLevel(level string) zerolog.Level {
	if level == "warning" {
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func timeFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	default:
		return time.RFC3339
	}
}
