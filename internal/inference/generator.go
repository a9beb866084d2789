// Package inference is the LLM abstraction used by the agent nodes. Every
// call is structured: the caller supplies a JSON Schema and a deterministic
// fallback, and always gets schema-valid JSON back.
package inference

import (
	"context"
	"encoding/json"
)

// Request is one structured generation call.
type Request struct {
	// System is the role prompt for the agent making the call.
	System string

	// Prompt is the task prompt, already carrying the evidence excerpts.
	Prompt string

	// Schema is the JSON Schema the output must satisfy.
	Schema json.RawMessage

	// Fallback is returned verbatim when no provider is configured or the
	// model cannot produce schema-valid output within the retry budget. It
	// must itself satisfy Schema.
	Fallback json.RawMessage
}

// Generator produces schema-valid JSON for agent requests.
type Generator interface {
	GenerateStructured(ctx context.Context, req Request) (json.RawMessage, error)
}
