package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alliecatowo/legalease-ai/internal/inference"
	"github.com/alliecatowo/legalease-ai/internal/kgraph"
	"github.com/alliecatowo/legalease-ai/internal/orchestrator"
	"github.com/alliecatowo/legalease-ai/internal/state"
	"github.com/google/uuid"
)

const correlatorSystem = `You are a case correlation analyst. Given the ` +
	`accumulated findings and events from all analysts, identify ` +
	`contradictions between evidence items, gaps the evidence does not ` +
	`answer, and causal event chains supporting or undermining the theory.`

// Correlator converges the analyst branches: it pushes entities, events,
// and relationships into the knowledge graph, orders the case timeline,
// and derives chains, contradictions, and gaps.
type Correlator struct {
	gen    inference.Generator
	graph  *kgraph.Client
	logger *slog.Logger
}

func NewCorrelator(d Deps) *Correlator {
	return &Correlator{gen: d.Generator, graph: d.Graph, logger: d.Logger}
}

func (n *Correlator) Name() string { return orchestrator.NodeCorrelator }

func (n *Correlator) Writes() []state.Field {
	return []state.Field{
		state.FieldRelationships,
		state.FieldTimeline,
		state.FieldEventChains,
		state.FieldContradictions,
		state.FieldGaps,
	}
}

type correlatorOutput struct {
	Contradictions []struct {
		Description string   `json:"description"`
		EvidenceIDs []string `json:"evidence_ids"`
	} `json:"contradictions"`
	Gaps []struct {
		Description string `json:"description"`
		Category    string `json:"category"`
	} `json:"gaps"`
	Chains []struct {
		Theory   string   `json:"theory"`
		EventIDs []string `json:"event_ids"`
	} `json:"chains"`
}

func (n *Correlator) Run(ctx context.Context, snapshot *state.ResearchState) (*state.Update, error) {
	var upd state.Update

	// The graph service is an optional collaborator: without it the
	// correlation is local only.
	if n.graph.Available() {
		if err := n.populateGraph(ctx, snapshot, &upd); err != nil {
			return nil, fmt.Errorf("populate knowledge graph: %w", err)
		}
	}

	upd.Timeline = buildTimeline(snapshot.Events)

	fallback, err := json.Marshal(n.fallback(snapshot))
	if err != nil {
		return nil, fmt.Errorf("correlator fallback: %w", err)
	}
	raw, err := n.gen.GenerateStructured(ctx, inference.Request{
		System:   correlatorSystem,
		Prompt:   n.prompt(snapshot),
		Schema:   json.RawMessage(correlatorSchema),
		Fallback: fallback,
	})
	if err != nil {
		return nil, fmt.Errorf("correlate: %w", err)
	}
	var out correlatorOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode correlation: %w", err)
	}

	for _, c := range out.Contradictions {
		upd.Contradictions = append(upd.Contradictions, state.Contradiction{
			ID:          uuid.NewString(),
			Description: c.Description,
			EvidenceIDs: c.EvidenceIDs,
		})
	}
	for _, g := range out.Gaps {
		upd.Gaps = append(upd.Gaps, state.Gap{
			ID:          uuid.NewString(),
			Description: g.Description,
			Category:    state.EvidenceCategory(g.Category),
		})
	}
	for _, ch := range out.Chains {
		upd.EventChains = append(upd.EventChains, state.EventChain{
			ID:       uuid.NewString(),
			EventIDs: ch.EventIDs,
			Theory:   ch.Theory,
		})
	}

	n.logger.Info("correlation complete", "run_id", snapshot.RunID,
		"timeline", len(upd.Timeline), "chains", len(upd.EventChains),
		"contradictions", len(upd.Contradictions), "gaps", len(upd.Gaps))
	return &upd, nil
}

// populateGraph mirrors accumulated entities and events into the graph and
// records pairwise co-occurrence relationships discovered on shared
// evidence.
func (n *Correlator) populateGraph(ctx context.Context, s *state.ResearchState, upd *state.Update) error {
	graphIDs := make(map[string]string, len(s.Entities))
	for _, e := range s.Entities {
		created, err := n.graph.CreateEntity(ctx, kgraph.Entity{
			CaseID:  s.CaseID,
			Name:    e.Name,
			Kind:    e.Kind,
			Aliases: e.Aliases,
		})
		if err != nil {
			return err
		}
		graphIDs[e.ID] = created.ID
	}
	for _, ev := range s.Events {
		var entityIDs []string
		for _, id := range ev.EntityIDs {
			if gid, ok := graphIDs[id]; ok {
				entityIDs = append(entityIDs, gid)
			}
		}
		if _, err := n.graph.CreateEvent(ctx, kgraph.Event{
			CaseID:      s.CaseID,
			Description: ev.Description,
			OccurredAt:  ev.OccurredAt,
			EntityIDs:   entityIDs,
		}); err != nil {
			return err
		}
	}

	// Entities citing the same evidence item are related through it.
	byEvidence := map[string][]state.Entity{}
	for _, e := range s.Entities {
		for _, evid := range e.EvidenceIDs {
			byEvidence[evid] = append(byEvidence[evid], e)
		}
	}
	seen := map[string]bool{}
	for evid, entities := range byEvidence {
		for i := 0; i < len(entities); i++ {
			for j := i + 1; j < len(entities); j++ {
				key := entities[i].ID + "|" + entities[j].ID
				if seen[key] {
					continue
				}
				seen[key] = true
				rel := state.Relationship{
					ID:           uuid.NewString(),
					FromEntityID: entities[i].ID,
					ToEntityID:   entities[j].ID,
					Kind:         "co_occurrence",
					Basis:        evid,
				}
				upd.Relationships = append(upd.Relationships, rel)
				if _, err := n.graph.CreateRelationship(ctx, kgraph.Relationship{
					CaseID:       s.CaseID,
					FromEntityID: graphIDs[entities[i].ID],
					ToEntityID:   graphIDs[entities[j].ID],
					Kind:         rel.Kind,
					Basis:        rel.Basis,
				}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// buildTimeline orders accumulated events chronologically.
func buildTimeline(events []state.CaseEvent) []state.TimelineEntry {
	sorted := make([]state.CaseEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].OccurredAt.Before(sorted[j].OccurredAt)
	})
	var out []state.TimelineEntry
	for _, ev := range sorted {
		out = append(out, state.TimelineEntry{
			EventID:    ev.ID,
			OccurredAt: ev.OccurredAt,
			Summary:    ev.Description,
		})
	}
	return out
}

func (n *Correlator) prompt(s *state.ResearchState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n", s.Query)
	if s.SecondaryTheory != "" {
		fmt.Fprintf(&b, "Secondary theory to test: %s\n", s.SecondaryTheory)
	}
	b.WriteString("\nFindings:\n")
	for _, f := range s.Findings {
		if f.Superseded {
			continue
		}
		fmt.Fprintf(&b, "- [%s] (%s, conf %.2f) %s\n", f.ID, f.Category, f.Confidence, f.Statement)
	}
	b.WriteString("\nEvents:\n")
	for _, ev := range s.Events {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", ev.ID, ev.OccurredAt.Format("2006-01-02"), ev.Description)
	}
	return b.String()
}

// fallback reports a gap for every inventoried category that produced no
// findings; contradictions and chains need a model.
func (n *Correlator) fallback(s *state.ResearchState) correlatorOutput {
	var out correlatorOutput
	for _, cat := range []state.EvidenceCategory{
		state.CategoryDocuments, state.CategoryTranscripts, state.CategoryCommunications,
	} {
		if len(s.Inventory(cat)) == 0 {
			continue
		}
		hasFindings := false
		for _, f := range s.Findings {
			if f.Category == cat && !f.Superseded {
				hasFindings = true
				break
			}
		}
		if !hasFindings {
			out.Gaps = append(out.Gaps, struct {
				Description string `json:"description"`
				Category    string `json:"category"`
			}{
				Description: fmt.Sprintf("%s evidence exists but produced no findings", cat),
				Category:    string(cat),
			})
		}
	}
	return out
}
