// Package state holds the per-run research aggregate and the reducer rules
// used to merge partial updates produced by agent nodes.
package state

import (
	"fmt"
	"time"
)

// Phase is a coarse-grained stage of the fixed research workflow.
type Phase string

const (
	PhaseDiscovery   Phase = "DISCOVERY"
	PhasePlanning    Phase = "PLANNING"
	PhaseAnalysis    Phase = "ANALYSIS"
	PhaseCorrelation Phase = "CORRELATION"
	PhaseSynthesis   Phase = "SYNTHESIS"
	PhaseCompleted   Phase = "COMPLETED"
)

var phaseRank = map[Phase]int{
	PhaseDiscovery:   0,
	PhasePlanning:    1,
	PhaseAnalysis:    2,
	PhaseCorrelation: 3,
	PhaseSynthesis:   4,
	PhaseCompleted:   5,
}

// Rank returns the position of the phase in the fixed partial order.
// Unknown phases rank below DISCOVERY.
func (p Phase) Rank() int {
	if r, ok := phaseRank[p]; ok {
		return r
	}
	return -1
}

// CanAdvanceTo reports whether moving from p to next respects the fixed
// partial order. Phase never regresses except via a terminal failure, which
// is expressed through Status, not Phase.
func (p Phase) CanAdvanceTo(next Phase) bool {
	return next.Rank() >= p.Rank()
}

// Status is the run-level execution status.
type Status string

const (
	StatusRunning       Status = "RUNNING"
	StatusPaused        Status = "PAUSED"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusAwaitingInput Status = "AWAITING_INPUT"
)

// Terminal reports whether the status ends the run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// EvidenceCategory names one of the three analyst evidence categories.
type EvidenceCategory string

const (
	CategoryDocuments      EvidenceCategory = "documents"
	CategoryTranscripts    EvidenceCategory = "transcripts"
	CategoryCommunications EvidenceCategory = "communications"
)

// ResearchState is the per-run aggregate. It is exclusively owned by the
// phase executor while a run is live; everyone else sees snapshots.
type ResearchState struct {
	RunID  string `json:"run_id"`
	CaseID string `json:"case_id"`

	Query           string `json:"query"`
	SecondaryTheory string `json:"secondary_theory,omitempty"`

	Phase        Phase   `json:"phase"`
	Status       Status  `json:"status"`
	ProgressPct  float64 `json:"progress_pct"`
	CurrentAgent string  `json:"current_agent,omitempty"`

	DocumentInventory       []EvidenceItem `json:"document_inventory,omitempty"`
	TranscriptInventory     []EvidenceItem `json:"transcript_inventory,omitempty"`
	CommunicationsInventory []EvidenceItem `json:"communications_inventory,omitempty"`

	PlannedQueries []PlannedQuery  `json:"planned_queries,omitempty"`
	Findings       []Finding       `json:"findings,omitempty"`
	Entities       []Entity        `json:"entities,omitempty"`
	Events         []CaseEvent     `json:"events,omitempty"`
	Relationships  []Relationship  `json:"relationships,omitempty"`
	Timeline       []TimelineEntry `json:"timeline,omitempty"`
	EventChains    []EventChain    `json:"event_chains,omitempty"`
	Contradictions []Contradiction `json:"contradictions,omitempty"`
	Gaps           []Gap           `json:"gaps,omitempty"`
	ReportSections []ReportSection `json:"report_sections,omitempty"`
	Citations      []Citation      `json:"citations,omitempty"`
	ErrorLog       []ErrorEntry    `json:"error_log,omitempty"`

	// CompletedNodes records which agent nodes have committed, in commit
	// order. Maintained by the executor; the basis for exact resume.
	CompletedNodes []string `json:"completed_nodes,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates the initial state for a run, entering DISCOVERY at 0%.
func New(runID, caseID, query, secondaryTheory string) *ResearchState {
	now := time.Now().UTC()
	return &ResearchState{
		RunID:           runID,
		CaseID:          caseID,
		Query:           query,
		SecondaryTheory: secondaryTheory,
		Phase:           PhaseDiscovery,
		Status:          StatusRunning,
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

// Inventory returns the evidence inventory for the given category.
func (s *ResearchState) Inventory(cat EvidenceCategory) []EvidenceItem {
	switch cat {
	case CategoryDocuments:
		return s.DocumentInventory
	case CategoryTranscripts:
		return s.TranscriptInventory
	case CategoryCommunications:
		return s.CommunicationsInventory
	}
	return nil
}

// FindingsCount returns the number of non-superseded findings.
func (s *ResearchState) FindingsCount() int {
	n := 0
	for _, f := range s.Findings {
		if !f.Superseded {
			n++
		}
	}
	return n
}

// CitationsCount returns the number of accumulated citations.
func (s *ResearchState) CitationsCount() int {
	return len(s.Citations)
}

// Clone returns a deep copy of the state. Collections are copied so that
// reducers can build the merged state without touching the current one.
func (s *ResearchState) Clone() *ResearchState {
	dup := *s
	dup.DocumentInventory = cloneSlice(s.DocumentInventory)
	dup.TranscriptInventory = cloneSlice(s.TranscriptInventory)
	dup.CommunicationsInventory = cloneSlice(s.CommunicationsInventory)
	dup.PlannedQueries = cloneSlice(s.PlannedQueries)
	dup.Findings = cloneSlice(s.Findings)
	dup.Entities = cloneSlice(s.Entities)
	dup.Events = cloneSlice(s.Events)
	dup.Relationships = cloneSlice(s.Relationships)
	dup.Timeline = cloneSlice(s.Timeline)
	dup.EventChains = cloneSlice(s.EventChains)
	dup.Contradictions = cloneSlice(s.Contradictions)
	dup.Gaps = cloneSlice(s.Gaps)
	dup.ReportSections = cloneSlice(s.ReportSections)
	dup.Citations = cloneSlice(s.Citations)
	dup.ErrorLog = cloneSlice(s.ErrorLog)
	dup.CompletedNodes = cloneSlice(s.CompletedNodes)
	return &dup
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

// RecordError appends a node failure to the error log and advances UpdatedAt.
func (s *ResearchState) RecordError(node, message string) {
	s.ErrorLog = append(s.ErrorLog, ErrorEntry{
		Node:       node,
		Message:    message,
		OccurredAt: time.Now().UTC(),
	})
	s.UpdatedAt = time.Now().UTC()
}

// Validate checks the identity invariants that must hold for any live state.
func (s *ResearchState) Validate() error {
	if s.RunID == "" {
		return fmt.Errorf("state has empty run id")
	}
	if s.CaseID == "" {
		return fmt.Errorf("state has empty case id")
	}
	if s.Phase.Rank() < 0 {
		return fmt.Errorf("state has unknown phase %q", s.Phase)
	}
	return nil
}
