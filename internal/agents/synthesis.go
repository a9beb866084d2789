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

const synthesisSystem = `You are a legal research writer. Assemble the ` +
	`accumulated findings, timeline, contradictions, and gaps into a ` +
	`clear, citation-backed research report.`

// Synthesis is the terminal node: it assembles the final report sections
// from everything the run accumulated.
type Synthesis struct {
	gen    inference.Generator
	logger *slog.Logger
}

func NewSynthesis(d Deps) *Synthesis {
	return &Synthesis{gen: d.Generator, logger: d.Logger}
}

func (n *Synthesis) Name() string { return orchestrator.NodeSynthesis }

func (n *Synthesis) Writes() []state.Field {
	return []state.Field{state.FieldReportSections, state.FieldCitations}
}

type synthesisOutput struct {
	Sections []struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"sections"`
}

func (n *Synthesis) Run(ctx context.Context, snapshot *state.ResearchState) (*state.Update, error) {
	fallback, err := json.Marshal(n.fallback(snapshot))
	if err != nil {
		return nil, fmt.Errorf("synthesis fallback: %w", err)
	}
	raw, err := n.gen.GenerateStructured(ctx, inference.Request{
		System:   synthesisSystem,
		Prompt:   n.prompt(snapshot),
		Schema:   json.RawMessage(synthesisSchema),
		Fallback: fallback,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize report: %w", err)
	}
	var out synthesisOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if len(out.Sections) == 0 {
		return nil, fmt.Errorf("synthesis produced an empty report")
	}

	var upd state.Update
	for i, sec := range out.Sections {
		upd.ReportSections = append(upd.ReportSections, state.ReportSection{
			ID:    uuid.NewString(),
			Title: sec.Title,
			Body:  sec.Body,
			Order: i + 1,
		})
	}
	n.logger.Info("report synthesized", "run_id", snapshot.RunID, "sections", len(upd.ReportSections))
	return &upd, nil
}

func (n *Synthesis) prompt(s *state.ResearchState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n", s.Query)
	if s.SecondaryTheory != "" {
		fmt.Fprintf(&b, "Secondary theory: %s\n", s.SecondaryTheory)
	}
	b.WriteString("\nFindings:\n")
	for _, f := range s.Findings {
		if f.Superseded {
			continue
		}
		fmt.Fprintf(&b, "- (%s, conf %.2f) %s [evidence: %s]\n", f.Category, f.Confidence, f.Statement, f.EvidenceID)
	}
	b.WriteString("\nTimeline:\n")
	for _, t := range s.Timeline {
		fmt.Fprintf(&b, "- %s: %s\n", t.OccurredAt.Format("2006-01-02"), t.Summary)
	}
	b.WriteString("\nContradictions:\n")
	for _, c := range s.Contradictions {
		fmt.Fprintf(&b, "- %s\n", c.Description)
	}
	b.WriteString("\nGaps:\n")
	for _, g := range s.Gaps {
		fmt.Fprintf(&b, "- %s\n", g.Description)
	}
	return b.String()
}

// fallback assembles a deterministic report from the accumulated state.
func (n *Synthesis) fallback(s *state.ResearchState) synthesisOutput {
	section := func(title, body string) struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} {
		return struct {
			Title string `json:"title"`
			Body  string `json:"body"`
		}{Title: title, Body: body}
	}

	var out synthesisOutput
	overview := fmt.Sprintf("Research question: %s. Evidence reviewed: %d documents, %d transcripts, %d communications. %d findings, %d citations.",
		s.Query, len(s.DocumentInventory), len(s.TranscriptInventory), len(s.CommunicationsInventory),
		s.FindingsCount(), s.CitationsCount())
	out.Sections = append(out.Sections, section("Overview", overview))

	for _, cat := range []state.EvidenceCategory{
		state.CategoryDocuments, state.CategoryTranscripts, state.CategoryCommunications,
	} {
		var lines []string
		for _, f := range s.Findings {
			if f.Category == cat && !f.Superseded {
				lines = append(lines, fmt.Sprintf("- %s (evidence: %s)", f.Statement, f.EvidenceID))
			}
		}
		if len(lines) == 0 {
			continue
		}
		out.Sections = append(out.Sections, section(
			fmt.Sprintf("Findings: %s", cat), strings.Join(lines, "\n")))
	}

	if len(s.Timeline) > 0 {
		var lines []string
		for _, t := range s.Timeline {
			lines = append(lines, fmt.Sprintf("- %s: %s", t.OccurredAt.Format("2006-01-02"), t.Summary))
		}
		out.Sections = append(out.Sections, section("Timeline", strings.Join(lines, "\n")))
	}
	if len(s.Gaps) > 0 {
		var lines []string
		for _, g := range s.Gaps {
			lines = append(lines, "- "+g.Description)
		}
		out.Sections = append(out.Sections, section("Open Gaps", strings.Join(lines, "\n")))
	}
	return out
}
