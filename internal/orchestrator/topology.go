package orchestrator

import "github.com/alliecatowo/legalease-ai/internal/state"

// Agent node names. Declaration order is the deterministic commit order for
// parallel fan-out levels.
const (
	NodeDiscovery             = "discovery"
	NodePlanner               = "planner"
	NodeDocumentAnalyst       = "document_analyst"
	NodeTranscriptAnalyst     = "transcript_analyst"
	NodeCommunicationsAnalyst = "communications_analyst"
	NodeCorrelator            = "correlator"
	NodeSynthesis             = "synthesis"
)

// Pseudo-node names recorded on lifecycle checkpoints.
const (
	checkpointPause    = "pause"
	checkpointResume   = "resume"
	checkpointCancel   = "cancel"
	checkpointComplete = "complete"
)

// nodeOrder fixes both iteration and commit order.
var nodeOrder = []string{
	NodeDiscovery,
	NodePlanner,
	NodeDocumentAnalyst,
	NodeTranscriptAnalyst,
	NodeCommunicationsAnalyst,
	NodeCorrelator,
	NodeSynthesis,
}

// predecessors encodes the fixed DAG. The three analysts fan out from the
// planner; the correlator fans in over whichever analysts were scheduled.
var predecessors = map[string][]string{
	NodeDiscovery:             {},
	NodePlanner:               {NodeDiscovery},
	NodeDocumentAnalyst:       {NodePlanner},
	NodeTranscriptAnalyst:     {NodePlanner},
	NodeCommunicationsAnalyst: {NodePlanner},
	NodeCorrelator:            {NodeDocumentAnalyst, NodeTranscriptAnalyst, NodeCommunicationsAnalyst},
	NodeSynthesis:             {NodeCorrelator},
}

// mandatoryPath marks the nodes whose failure fails the whole run. Analysts
// are optional branches: their absence means missing-evidence output, never
// substituted defaults.
var mandatoryPath = map[string]bool{
	NodeDiscovery:  true,
	NodePlanner:    true,
	NodeCorrelator: true,
	NodeSynthesis:  true,
}

// nodePhase maps each node to the phase the run is in while it executes.
var nodePhase = map[string]state.Phase{
	NodeDiscovery:             state.PhaseDiscovery,
	NodePlanner:               state.PhasePlanning,
	NodeDocumentAnalyst:       state.PhaseAnalysis,
	NodeTranscriptAnalyst:     state.PhaseAnalysis,
	NodeCommunicationsAnalyst: state.PhaseAnalysis,
	NodeCorrelator:            state.PhaseCorrelation,
	NodeSynthesis:             state.PhaseSynthesis,
}

// analystNodes in declaration order.
var analystNodes = []string{NodeDocumentAnalyst, NodeTranscriptAnalyst, NodeCommunicationsAnalyst}

// routingPredicates gates conditional fan-out: an analyst is scheduled only
// if its evidence inventory is non-empty. Nodes without an entry always run.
// Pure functions of the snapshot, so routing is testable in isolation.
var routingPredicates = map[string]func(*state.ResearchState) bool{
	NodeDocumentAnalyst: func(s *state.ResearchState) bool {
		return len(s.DocumentInventory) > 0
	},
	NodeTranscriptAnalyst: func(s *state.ResearchState) bool {
		return len(s.TranscriptInventory) > 0
	},
	NodeCommunicationsAnalyst: func(s *state.ResearchState) bool {
		return len(s.CommunicationsInventory) > 0
	},
}

// Scheduled reports whether the routing predicate admits the node for the
// given snapshot.
func Scheduled(node string, s *state.ResearchState) bool {
	pred, ok := routingPredicates[node]
	if !ok {
		return true
	}
	return pred(s)
}

// ScheduledAnalysts returns the analysts admitted by routing, in declaration
// order.
func ScheduledAnalysts(s *state.ResearchState) []string {
	var out []string
	for _, n := range analystNodes {
		if Scheduled(n, s) {
			out = append(out, n)
		}
	}
	return out
}

// progressAfter returns the overall progress once the given node has
// committed. Analyst progress is split evenly across the scheduled set so
// that progress is monotone regardless of which analysts run.
func progressAfter(node string, s *state.ResearchState, completedAnalysts, scheduledAnalysts int) float64 {
	switch node {
	case NodeDiscovery:
		return 10
	case NodePlanner:
		return 25
	case NodeDocumentAnalyst, NodeTranscriptAnalyst, NodeCommunicationsAnalyst:
		if scheduledAnalysts == 0 {
			return 25
		}
		return 25 + 35*float64(completedAnalysts)/float64(scheduledAnalysts)
	case NodeCorrelator:
		return 80
	case NodeSynthesis:
		return 95
	}
	return s.ProgressPct
}
