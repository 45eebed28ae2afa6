// Package debug is the process-wide log sink. Packages take the named
// loggers it hands out; Log and LogEvery carry categorised lines for
// watchers that have no logger of their own.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu       sync.Mutex
	logger   = zap.NewNop()
	file     *os.File
	counters = make(map[string]int)
)

// Enable starts JSON logging to path at the given level. The file is
// truncated.
func Enable(path string, level zapcore.Level) error {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(f), level)
	file = f
	logger = zap.New(core, zap.AddCaller())
	logger.Info("debug logging started", zap.Stringer("level", level))
	return nil
}

// Disable flushes and closes the log file
func Disable() {
	mu.Lock()
	defer mu.Unlock()

	if file == nil {
		return
	}
	_ = logger.Sync()
	file.Close()
	file = nil
	logger = zap.NewNop()
}

// L returns the root logger, a no-op one until Enable
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// Named returns a child logger for one subsystem
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Log writes a formatted message under category
func Log(category, format string, args ...any) {
	L().Info(fmt.Sprintf(format, args...), zap.String("category", category))
}

// LogEvery logs only every n-th call with the same category and format
func LogEvery(n int, category, format string, args ...any) {
	mu.Lock()
	key := category + format
	counters[key]++
	count := counters[key]
	mu.Unlock()

	if count%n == 0 {
		Log(category, format+" (every %d, count=%d)", append(args, n, count)...)
	}
}
