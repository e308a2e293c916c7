// Package log provides structured logging for the fault-injection harness
// using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with campaign-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithTarget returns a logger with the target field preset.
func (l *Logger) WithTarget(fullName string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("target", fullName))}
}

// WithShard returns a logger with target and shard fields preset.
func (l *Logger) WithShard(fullName string, shard int) *Logger {
	return &Logger{Logger: l.Logger.With(
		zap.String("target", fullName),
		zap.Int("shard", shard),
	)}
}

// Injection logs an applied fault injection.
func (l *Logger) Injection(addr uint64, bit int, at int64) {
	l.Debug("injected",
		Addr(addr),
		zap.Int("bit", bit),
		zap.Int64("time", at),
	)
}

// Classified logs the outcome of one experiment.
func (l *Logger) Classified(addr uint64, bit int, at int64, outcome string) {
	l.Info("classified",
		Addr(addr),
		zap.Int("bit", bit),
		zap.Int64("time", at),
		zap.String("outcome", outcome),
	)
}

// Watchguard logs a watchguard timeout (pre-injection hang).
func (l *Logger) Watchguard(fullName string, shard int) {
	l.Warn("watchguard expired",
		zap.String("target", fullName),
		zap.Int("shard", shard),
	)
}

// ShardRetrying logs a launcher respawning a shard process that exited
// nonzero, instead of aborting the campaign over it.
func (l *Logger) ShardRetrying(fullName string, shard, attempt int, err error) {
	l.Warn("shard exited, retrying",
		zap.String("target", fullName),
		zap.Int("shard", shard),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
}

// ShardResumed logs that a shard resumed from an existing result file.
func (l *Logger) ShardResumed(fullName string, shard, done, total int) {
	l.Info("shard resumed",
		zap.String("target", fullName),
		zap.Int("shard", shard),
		zap.Int("done", done),
		zap.Int("total", total),
	)
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Fn creates a function/symbol name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
