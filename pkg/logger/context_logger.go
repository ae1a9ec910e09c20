package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

// Context keys read by ContextLogger.
const (
	TraceIDKey contextKey = "trace_id"
	PeerIDKey  contextKey = "peer_id"
	RoomKey    contextKey = "room"
)

// WithPeer returns a context carrying the room and peer id for log fields.
func WithPeer(ctx context.Context, room, peerID string) context.Context {
	ctx = context.WithValue(ctx, RoomKey, room)
	return context.WithValue(ctx, PeerIDKey, peerID)
}

// WithTraceID returns a context carrying a trace id for log fields.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext adds context fields to logger
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	for _, key := range []contextKey{TraceIDKey, PeerIDKey, RoomKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}

	return cl.logger.With(fields...)
}
