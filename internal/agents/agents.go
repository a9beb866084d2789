// Package agents implements the seven nodes of the research phase graph.
// Analysts speak to the LLM through the inference generator with per-node
// JSON schemas; every node degrades to deterministic output when no
// provider is configured, so a run always reaches Synthesis.
package agents

import (
	"log/slog"
	"strings"

	"github.com/alliecatowo/legalease-ai/internal/inference"
	"github.com/alliecatowo/legalease-ai/internal/kgraph"
	"github.com/alliecatowo/legalease-ai/internal/orchestrator"
)

// Deps carries the collaborators shared by all nodes.
type Deps struct {
	Evidence  EvidenceSource
	Generator inference.Generator
	Graph     *kgraph.Client
	Logger    *slog.Logger
}

// Nodes builds the full topology in declaration order.
func Nodes(d Deps) []orchestrator.AgentNode {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return []orchestrator.AgentNode{
		NewDiscovery(d),
		NewPlanner(d),
		NewDocumentAnalyst(d),
		NewTranscriptAnalyst(d),
		NewCommunicationsAnalyst(d),
		NewCorrelator(d),
		NewSynthesis(d),
	}
}

// excerpt shortens evidence text for prompt inclusion.
func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
