package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alliecatowo/legalease-ai/internal/orchestrator"
	"github.com/alliecatowo/legalease-ai/internal/state"
)

// Discovery inventories the case evidence per category. Its output decides
// which analysts the executor will schedule.
type Discovery struct {
	evidence EvidenceSource
	logger   *slog.Logger
}

func NewDiscovery(d Deps) *Discovery {
	return &Discovery{evidence: d.Evidence, logger: d.Logger}
}

func (n *Discovery) Name() string { return orchestrator.NodeDiscovery }

func (n *Discovery) Writes() []state.Field {
	return []state.Field{
		state.FieldDocumentInventory,
		state.FieldTranscriptInventory,
		state.FieldCommunicationsInventory,
	}
}

func (n *Discovery) Run(ctx context.Context, snapshot *state.ResearchState) (*state.Update, error) {
	if n.evidence == nil {
		return nil, fmt.Errorf("discovery: no evidence source configured")
	}
	var upd state.Update
	for _, cat := range []state.EvidenceCategory{
		state.CategoryDocuments, state.CategoryTranscripts, state.CategoryCommunications,
	} {
		items, err := n.evidence.ListEvidence(ctx, snapshot.CaseID, cat)
		if err != nil {
			return nil, fmt.Errorf("inventory %s: %w", cat, err)
		}
		switch cat {
		case state.CategoryDocuments:
			upd.DocumentInventory = items
		case state.CategoryTranscripts:
			upd.TranscriptInventory = items
		case state.CategoryCommunications:
			upd.CommunicationsInventory = items
		}
		n.logger.Info("evidence inventoried",
			"run_id", snapshot.RunID, "category", string(cat), "items", len(items))
	}
	return &upd, nil
}
