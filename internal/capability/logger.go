package capability

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cryguy/runnable/internal/core"
)

const (
	MaxLogEntries     = 1000
	MaxLogMessageSize = 4096
)

// LogBuffer backs the logger capability. Every entry is mirrored to zap
// and kept until drained; entries past MaxLogEntries are counted, not kept.
type LogBuffer struct {
	logger *zap.Logger

	mu      sync.Mutex
	entries []core.LogEntry
	dropped int
}

// NewLogBuffer mirrors entries to logger, which should already carry the
// template and runnable ids.
func NewLogBuffer(logger *zap.Logger) *LogBuffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogBuffer{logger: logger}
}

// Add records one logger.* call.
func (b *LogBuffer) Add(level, message string) {
	if len(message) > MaxLogMessageSize {
		message = message[:MaxLogMessageSize] + "...(truncated)"
	}
	if ce := b.logger.Check(zapLevel(level), message); ce != nil {
		ce.Write(zap.String("source", "template"))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= MaxLogEntries {
		b.dropped++
		return
	}
	b.entries = append(b.entries, core.LogEntry{
		Level:   level,
		Message: message,
		Time:    time.Now(),
	})
}

// Drain returns and clears the captured entries.
func (b *LogBuffer) Drain() []core.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = nil
	if b.dropped > 0 {
		b.logger.Warn("template log entries dropped", zap.Int("dropped", b.dropped))
		b.dropped = 0
	}
	return out
}

func zapLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
