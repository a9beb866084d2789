package shared

import (
	"context"
	"testing"
)

func TestTraceID(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Errorf("absent trace id = %q, want -", got)
	}

	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Errorf("trace id = %q", got)
	}

	if got := TraceID(WithTraceID(context.Background(), "")); got != "-" {
		t.Errorf("empty trace id = %q, want -", got)
	}
}

func TestNewTraceID(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == "" || a == b {
		t.Errorf("trace ids must be unique and non-empty: %q %q", a, b)
	}
}

func TestRunCaseNodeContext(t *testing.T) {
	ctx := context.Background()
	if RunID(ctx) != "" || CaseID(ctx) != "" || NodeName(ctx) != "" {
		t.Error("absent values must be empty")
	}

	ctx = WithNodeName(WithCaseID(WithRunID(ctx, "run-1"), "case-1"), "planner")
	if RunID(ctx) != "run-1" {
		t.Errorf("run id = %q", RunID(ctx))
	}
	if CaseID(ctx) != "case-1" {
		t.Errorf("case id = %q", CaseID(ctx))
	}
	if NodeName(ctx) != "planner" {
		t.Errorf("node = %q", NodeName(ctx))
	}
}
