package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	assert.True(t, New("debug").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn").Core().Enabled(zapcore.InfoLevel))
	assert.True(t, New("not-a-level").Core().Enabled(zapcore.InfoLevel))
}

func TestContextLogger_WithContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithPeer(context.Background(), "abcd-efgh-ijkl", "peer-1")
	cl.WithContext(ctx).Info("joined")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "abcd-efgh-ijkl", fields["room"])
		assert.Equal(t, "peer-1", fields["peer_id"])
		assert.NotContains(t, fields, "trace_id")
	}
}

func TestContextLogger_TraceID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithTraceID(context.Background(), "4bf92f3577b34da6a3ce929d0e0e4736")
	cl.WithContext(ctx).Warn("slow")
	cl.WithContext(context.Background()).Warn("plain")

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entries[0].ContextMap()["trace_id"])
		assert.Empty(t, entries[1].ContextMap())
	}
}
