package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger emits structured events to an underlying sink.
type Logger interface {
	Log(context.Context, Event) error
}

// LoggerFunc adapts a function into a Logger.
type LoggerFunc func(context.Context, Event) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// ZapLoggerOptions configures NewZapLogger.
type ZapLoggerOptions struct {
	Level       string
	Development bool
	Output      io.Writer
}

// ZapLogger writes events through a zap.Logger, one entry per event.
type ZapLogger struct {
	logger *zap.Logger
	now    func() time.Time
}

// ParseLevel maps a configuration string onto a zap level.
func ParseLevel(raw string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

// NewZapLogger builds a ZapLogger. Output defaults to stderr.
func NewZapLogger(opts ZapLoggerOptions) (*ZapLogger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.Development {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	if opts.Output != nil {
		sink = zapcore.Lock(zapcore.AddSync(opts.Output))
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	return &ZapLogger{logger: zap.New(core), now: time.Now}, nil
}

// NewZapLoggerFrom wraps an existing zap.Logger.
func NewZapLoggerFrom(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger, now: time.Now}
}

// Log implements Logger.
func (l *ZapLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.logger == nil {
		return fmt.Errorf("zap logger is not configured")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	fields := make([]zap.Field, 0, len(event.Fields)+4)
	fields = append(fields, zap.String("event", event.Event), zap.Time("event_ts", event.Timestamp))
	if event.Node != "" {
		fields = append(fields, zap.String("node", event.Node))
	}
	if event.Component != "" {
		fields = append(fields, zap.String("component", event.Component))
	}
	for k, v := range event.Fields {
		fields = append(fields, zap.Any(k, v))
	}

	msg := event.Message
	if msg == "" {
		msg = event.Event
	}

	switch event.Level {
	case LevelDebug:
		l.logger.Debug(msg, fields...)
	case LevelWarn:
		l.logger.Warn(msg, fields...)
	case LevelError:
		l.logger.Error(msg, fields...)
	default:
		l.logger.Info(msg, fields...)
	}
	return nil
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	if l == nil || l.logger == nil {
		return nil
	}
	return l.logger.Sync()
}

var _ Logger = (*ZapLogger)(nil)
