package capability

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogBufferMirrorsToZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	b := NewLogBuffer(zap.New(core).With(zap.String("template_id", "tpl-1")))

	b.Add("info", "processed batch #1")
	b.Add("error", "boom")

	entries := b.Drain()
	assert.Len(t, entries, 2)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "processed batch #1", entries[0].Message)

	assert.Equal(t, 2, logs.Len())
	first := logs.All()[0]
	assert.Equal(t, zapcore.InfoLevel, first.Level)
	assert.Equal(t, "tpl-1", first.ContextMap()["template_id"])
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[1].Level)

	assert.Empty(t, b.Drain())
}

func TestLogBufferBounds(t *testing.T) {
	b := NewLogBuffer(nil)
	b.Add("info", strings.Repeat("x", MaxLogMessageSize+10))
	for i := 0; i < MaxLogEntries+5; i++ {
		b.Add("debug", "line")
	}
	entries := b.Drain()
	assert.Len(t, entries, MaxLogEntries)
	assert.True(t, strings.HasSuffix(entries[0].Message, "...(truncated)"))
	assert.Len(t, entries[0].Message, MaxLogMessageSize+len("...(truncated)"))
}
