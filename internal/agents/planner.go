package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alliecatowo/legalease-ai/internal/inference"
	"github.com/alliecatowo/legalease-ai/internal/orchestrator"
	"github.com/alliecatowo/legalease-ai/internal/state"
	"github.com/google/uuid"
)

const plannerSystem = `You are a legal research planner. Given a research ` +
	`question and the case evidence inventory, produce focused analysis ` +
	`queries for each evidence category that has material.`

// Planner turns the research question into per-category analysis queries.
type Planner struct {
	gen    inference.Generator
	logger *slog.Logger
}

func NewPlanner(d Deps) *Planner {
	return &Planner{gen: d.Generator, logger: d.Logger}
}

func (n *Planner) Name() string { return orchestrator.NodePlanner }

func (n *Planner) Writes() []state.Field {
	return []state.Field{state.FieldPlannedQueries}
}

type plannerOutput struct {
	Queries []struct {
		Category  string `json:"category"`
		Query     string `json:"query"`
		Rationale string `json:"rationale"`
	} `json:"queries"`
}

func (n *Planner) Run(ctx context.Context, snapshot *state.ResearchState) (*state.Update, error) {
	fallback, err := json.Marshal(n.fallback(snapshot))
	if err != nil {
		return nil, fmt.Errorf("planner fallback: %w", err)
	}

	raw, err := n.gen.GenerateStructured(ctx, inference.Request{
		System:   plannerSystem,
		Prompt:   n.prompt(snapshot),
		Schema:   json.RawMessage(plannerSchema),
		Fallback: fallback,
	})
	if err != nil {
		return nil, fmt.Errorf("plan queries: %w", err)
	}

	var out plannerOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}

	var upd state.Update
	for _, q := range out.Queries {
		cat := state.EvidenceCategory(q.Category)
		// Only plan against categories that actually have evidence.
		if len(snapshot.Inventory(cat)) == 0 {
			continue
		}
		upd.PlannedQueries = append(upd.PlannedQueries, state.PlannedQuery{
			ID:        uuid.NewString(),
			Category:  cat,
			Query:     q.Query,
			Rationale: q.Rationale,
		})
	}
	n.logger.Info("analysis planned", "run_id", snapshot.RunID, "queries", len(upd.PlannedQueries))
	return &upd, nil
}

func (n *Planner) prompt(s *state.ResearchState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n", s.Query)
	if s.SecondaryTheory != "" {
		fmt.Fprintf(&b, "Secondary theory to test: %s\n", s.SecondaryTheory)
	}
	b.WriteString("\nEvidence inventory:\n")
	for _, cat := range []state.EvidenceCategory{
		state.CategoryDocuments, state.CategoryTranscripts, state.CategoryCommunications,
	} {
		items := s.Inventory(cat)
		fmt.Fprintf(&b, "- %s (%d items)\n", cat, len(items))
		for i, item := range items {
			if i >= 10 {
				fmt.Fprintf(&b, "  … and %d more\n", len(items)-i)
				break
			}
			fmt.Fprintf(&b, "  - %s: %s\n", item.Title, excerpt(item.Excerpt, 120))
		}
	}
	return b.String()
}

// fallback plans one direct query per populated category.
func (n *Planner) fallback(s *state.ResearchState) plannerOutput {
	var out plannerOutput
	for _, cat := range []state.EvidenceCategory{
		state.CategoryDocuments, state.CategoryTranscripts, state.CategoryCommunications,
	} {
		if len(s.Inventory(cat)) == 0 {
			continue
		}
		out.Queries = append(out.Queries, struct {
			Category  string `json:"category"`
			Query     string `json:"query"`
			Rationale string `json:"rationale"`
		}{
			Category:  string(cat),
			Query:     s.Query,
			Rationale: fmt.Sprintf("direct review of %s evidence", cat),
		})
	}
	return out
}
