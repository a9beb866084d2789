package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type runIDKey struct{}
type caseIDKey struct{}
type nodeNameKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRunID attaches a research run id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts the research run id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithCaseID attaches a case id to the context.
func WithCaseID(ctx context.Context, caseID string) context.Context {
	return context.WithValue(ctx, caseIDKey{}, caseID)
}

// CaseID extracts the case id from context. Returns "" if absent.
func CaseID(ctx context.Context) string {
	if v, ok := ctx.Value(caseIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithNodeName attaches the currently executing agent node name to the context.
func WithNodeName(ctx context.Context, node string) context.Context {
	return context.WithValue(ctx, nodeNameKey{}, node)
}

// NodeName extracts the agent node name from context. Returns "" if absent.
func NodeName(ctx context.Context) string {
	if v, ok := ctx.Value(nodeNameKey{}).(string); ok {
		return v
	}
	return ""
}
