package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alliecatowo/legalease-ai/internal/inference"
	"github.com/alliecatowo/legalease-ai/internal/orchestrator"
	"github.com/alliecatowo/legalease-ai/internal/state"
	"github.com/google/uuid"
)

// Analyst reviews one evidence category against its planned queries and
// produces findings, entities, events, and citations. All three analysts
// share this implementation, parameterized by category.
type Analyst struct {
	name     string
	category state.EvidenceCategory
	system   string
	gen      inference.Generator
	logger   *slog.Logger
}

func NewDocumentAnalyst(d Deps) *Analyst {
	return &Analyst{
		name:     orchestrator.NodeDocumentAnalyst,
		category: state.CategoryDocuments,
		system: "You are a legal document analyst. Review the case documents " +
			"and answer the planned queries with evidence-backed findings.",
		gen:    d.Generator,
		logger: d.Logger,
	}
}

func NewTranscriptAnalyst(d Deps) *Analyst {
	return &Analyst{
		name:     orchestrator.NodeTranscriptAnalyst,
		category: state.CategoryTranscripts,
		system: "You are a deposition and hearing transcript analyst. Review " +
			"the transcripts and answer the planned queries with evidence-backed findings.",
		gen:    d.Generator,
		logger: d.Logger,
	}
}

func NewCommunicationsAnalyst(d Deps) *Analyst {
	return &Analyst{
		name:     orchestrator.NodeCommunicationsAnalyst,
		category: state.CategoryCommunications,
		system: "You are a communications analyst reviewing emails and " +
			"messages. Answer the planned queries with evidence-backed findings.",
		gen:    d.Generator,
		logger: d.Logger,
	}
}

func (n *Analyst) Name() string { return n.name }

func (n *Analyst) Writes() []state.Field {
	return []state.Field{
		state.FieldFindings,
		state.FieldEntities,
		state.FieldEvents,
		state.FieldCitations,
	}
}

type analystOutput struct {
	Findings []struct {
		Statement  string  `json:"statement"`
		Confidence float64 `json:"confidence"`
		EvidenceID string  `json:"evidence_id"`
	} `json:"findings"`
	Entities []struct {
		Name        string   `json:"name"`
		Kind        string   `json:"kind"`
		EvidenceIDs []string `json:"evidence_ids"`
	} `json:"entities"`
	Events []struct {
		Description string   `json:"description"`
		OccurredAt  string   `json:"occurred_at"`
		EvidenceIDs []string `json:"evidence_ids"`
	} `json:"events"`
}

func (n *Analyst) Run(ctx context.Context, snapshot *state.ResearchState) (*state.Update, error) {
	inventory := snapshot.Inventory(n.category)
	fallback, err := json.Marshal(n.fallback(snapshot, inventory))
	if err != nil {
		return nil, fmt.Errorf("%s fallback: %w", n.name, err)
	}

	raw, err := n.gen.GenerateStructured(ctx, inference.Request{
		System:   n.system,
		Prompt:   n.prompt(snapshot, inventory),
		Schema:   json.RawMessage(analystSchema),
		Fallback: fallback,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.name, err)
	}

	var out analystOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", n.name, err)
	}

	var upd state.Update
	for _, f := range out.Findings {
		finding := state.Finding{
			ID:         uuid.NewString(),
			Category:   n.category,
			Statement:  f.Statement,
			EvidenceID: f.EvidenceID,
			Confidence: f.Confidence,
			Node:       n.name,
		}
		upd.Findings = append(upd.Findings, finding)
		if f.EvidenceID != "" {
			upd.Citations = append(upd.Citations, state.Citation{
				ID:         uuid.NewString(),
				EvidenceID: f.EvidenceID,
				Quote:      excerpt(f.Statement, 200),
			})
		}
	}
	for _, e := range out.Entities {
		upd.Entities = append(upd.Entities, state.Entity{
			ID:          uuid.NewString(),
			Name:        e.Name,
			Kind:        e.Kind,
			EvidenceIDs: e.EvidenceIDs,
		})
	}
	for _, ev := range out.Events {
		occurred, err := time.Parse(time.RFC3339, ev.OccurredAt)
		if err != nil {
			n.logger.Warn("event with unparseable date dropped",
				"node", n.name, "occurred_at", ev.OccurredAt)
			continue
		}
		upd.Events = append(upd.Events, state.CaseEvent{
			ID:          uuid.NewString(),
			Description: ev.Description,
			OccurredAt:  occurred,
			EvidenceIDs: ev.EvidenceIDs,
		})
	}

	n.logger.Info("analysis complete", "run_id", snapshot.RunID, "node", n.name,
		"findings", len(upd.Findings), "entities", len(upd.Entities), "events", len(upd.Events))
	return &upd, nil
}

func (n *Analyst) prompt(s *state.ResearchState, inventory []state.EvidenceItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n", s.Query)
	if s.SecondaryTheory != "" {
		fmt.Fprintf(&b, "Secondary theory to test: %s\n", s.SecondaryTheory)
	}
	b.WriteString("\nPlanned queries:\n")
	for _, q := range s.PlannedQueries {
		if q.Category == n.category {
			fmt.Fprintf(&b, "- %s\n", q.Query)
		}
	}
	fmt.Fprintf(&b, "\nEvidence (%s):\n", n.category)
	for _, item := range inventory {
		fmt.Fprintf(&b, "--- %s (%s)\n%s\n", item.Title, item.ID, excerpt(item.Excerpt, 400))
	}
	return b.String()
}

// fallback records one low-confidence finding per evidence item so the
// pipeline stays exercised without a model.
func (n *Analyst) fallback(s *state.ResearchState, inventory []state.EvidenceItem) analystOutput {
	var out analystOutput
	for _, item := range inventory {
		out.Findings = append(out.Findings, struct {
			Statement  string  `json:"statement"`
			Confidence float64 `json:"confidence"`
			EvidenceID string  `json:"evidence_id"`
		}{
			Statement:  fmt.Sprintf("%s requires manual review for: %s", item.Title, s.Query),
			Confidence: 0.1,
			EvidenceID: item.ID,
		})
	}
	return out
}
