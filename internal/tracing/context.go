// Package tracing wires OpenTelemetry into the orchestrator: provider
// setup, span naming conventions, and a jsonl file exporter for local
// inspection.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// ContextWithTraceID attaches a correlation trace ID to the context. An
// empty ID leaves the context unchanged.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext returns the attached trace ID, or "" when none is set.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// GenerateTraceID returns a random W3C-format trace ID (16 bytes, hex).
func GenerateTraceID() string {
	return randomHex(16)
}

// GenerateSpanID returns a random W3C-format span ID (8 bytes, hex).
func GenerateSpanID() string {
	return randomHex(8)
}

func randomHex(n int) string {
	b := make([]byte, n)
	// crypto/rand.Read does not fail on supported platforms.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
