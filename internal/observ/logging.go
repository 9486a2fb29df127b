package observ

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logMu  sync.RWMutex
	logger *zap.Logger = zap.NewNop()
)

// Init configures the process-wide structured logger. Level is one of
// debug|info|warn|error; anything else falls back to info.
func Init(level string) {
	lvl := zapcore.InfoLevel
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "event"
	encCfg.EncodeTime = zapcore.TimeEncoder(func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339Nano))
	})

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stdout),
		lvl,
	)

	logMu.Lock()
	logger = zap.New(core)
	logMu.Unlock()
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	logMu.RLock()
	defer logMu.RUnlock()
	_ = logger.Sync()
}

func current() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

func fields(kv map[string]any) []zap.Field {
	fs := make([]zap.Field, 0, len(kv))
	for k, v := range kv {
		fs = append(fs, zap.Any(k, v))
	}
	return fs
}

// Log emits an info-level event as one JSON line.
func Log(event string, kv map[string]any) {
	current().Info(event, fields(kv)...)
}

// Debug emits a debug-level event.
func Debug(event string, kv map[string]any) {
	current().Debug(event, fields(kv)...)
}

// Warn emits a warn-level event.
func Warn(event string, kv map[string]any) {
	current().Warn(event, fields(kv)...)
}

// Error emits an error-level event.
func Error(event string, kv map[string]any) {
	current().Error(event, fields(kv)...)
}
