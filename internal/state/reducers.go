package state

import (
	"errors"
	"fmt"
	"time"
)

// Field names one mergeable slot of the research state. Agent nodes declare
// the fields they are permitted to write; applying an update touching an
// undeclared field fails closed.
type Field string

const (
	FieldDocumentInventory       Field = "document_inventory"
	FieldTranscriptInventory     Field = "transcript_inventory"
	FieldCommunicationsInventory Field = "communications_inventory"
	FieldPlannedQueries          Field = "planned_queries"
	FieldFindings                Field = "findings"
	FieldEntities                Field = "entities"
	FieldEvents                  Field = "events"
	FieldRelationships           Field = "relationships"
	FieldTimeline                Field = "timeline"
	FieldEventChains             Field = "event_chains"
	FieldContradictions          Field = "contradictions"
	FieldGaps                    Field = "gaps"
	FieldReportSections          Field = "report_sections"
	FieldCitations               Field = "citations"
	FieldErrorLog                Field = "error_log"

	// Control fields are reserved for the executor; nodes never declare them.
	FieldPhase          Field = "phase"
	FieldStatus         Field = "status"
	FieldProgressPct    Field = "progress_pct"
	FieldCurrentAgent   Field = "current_agent"
	FieldCompletedNodes Field = "completed_nodes"
)

// ControlFields is the executor-owned field set. Passing it to Apply lets the
// executor commit phase/status/progress updates through the same merge path
// that node updates take.
var ControlFields = []Field{FieldPhase, FieldStatus, FieldProgressPct, FieldCurrentAgent, FieldCompletedNodes}

// ErrUndeclaredField rejects an update that writes a field outside the
// producer's declared ownership.
var ErrUndeclaredField = errors.New("update writes undeclared field")

// Update is a partial state update produced by one node (or by the executor
// for control fields). Collection fields merge by append; scalar control
// fields merge last-writer-wins, except progress which only moves forward.
type Update struct {
	DocumentInventory       []EvidenceItem
	TranscriptInventory     []EvidenceItem
	CommunicationsInventory []EvidenceItem
	PlannedQueries          []PlannedQuery
	Findings                []Finding
	Entities                []Entity
	Events                  []CaseEvent
	Relationships           []Relationship
	Timeline                []TimelineEntry
	EventChains             []EventChain
	Contradictions          []Contradiction
	Gaps                    []Gap
	ReportSections          []ReportSection
	Citations               []Citation
	ErrorLog                []ErrorEntry

	// SupersededFindings flags previously appended findings (by ID) as
	// superseded. Collections are append-only: nothing is ever truncated.
	SupersededFindings []string

	Phase          *Phase
	Status         *Status
	ProgressPct    *float64
	CurrentAgent   *string
	CompletedNodes []string
}

// Fields returns the set of fields this update writes.
func (u *Update) Fields() []Field {
	var fields []Field
	add := func(f Field, populated bool) {
		if populated {
			fields = append(fields, f)
		}
	}
	add(FieldDocumentInventory, len(u.DocumentInventory) > 0)
	add(FieldTranscriptInventory, len(u.TranscriptInventory) > 0)
	add(FieldCommunicationsInventory, len(u.CommunicationsInventory) > 0)
	add(FieldPlannedQueries, len(u.PlannedQueries) > 0)
	add(FieldFindings, len(u.Findings) > 0 || len(u.SupersededFindings) > 0)
	add(FieldEntities, len(u.Entities) > 0)
	add(FieldEvents, len(u.Events) > 0)
	add(FieldRelationships, len(u.Relationships) > 0)
	add(FieldTimeline, len(u.Timeline) > 0)
	add(FieldEventChains, len(u.EventChains) > 0)
	add(FieldContradictions, len(u.Contradictions) > 0)
	add(FieldGaps, len(u.Gaps) > 0)
	add(FieldReportSections, len(u.ReportSections) > 0)
	add(FieldCitations, len(u.Citations) > 0)
	add(FieldErrorLog, len(u.ErrorLog) > 0)
	add(FieldCompletedNodes, len(u.CompletedNodes) > 0)
	add(FieldPhase, u.Phase != nil)
	add(FieldStatus, u.Status != nil)
	add(FieldProgressPct, u.ProgressPct != nil)
	add(FieldCurrentAgent, u.CurrentAgent != nil)
	return fields
}

// Empty reports whether the update writes nothing.
func (u *Update) Empty() bool {
	return len(u.Fields()) == 0
}

// Apply merges an update into the current state and returns the merged copy.
// The current state is never mutated: callers atomically replace their state
// reference with the returned value after a successful merge.
//
// Ownership is validated first and the whole update is rejected on the first
// undeclared field, so a buggy producer can never partially apply.
func Apply(cur *ResearchState, upd *Update, owned []Field) (*ResearchState, error) {
	ownedSet := make(map[Field]struct{}, len(owned))
	for _, f := range owned {
		ownedSet[f] = struct{}{}
	}
	for _, f := range upd.Fields() {
		if _, ok := ownedSet[f]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUndeclaredField, f)
		}
	}

	next := cur.Clone()

	next.DocumentInventory = append(next.DocumentInventory, upd.DocumentInventory...)
	next.TranscriptInventory = append(next.TranscriptInventory, upd.TranscriptInventory...)
	next.CommunicationsInventory = append(next.CommunicationsInventory, upd.CommunicationsInventory...)
	next.PlannedQueries = append(next.PlannedQueries, upd.PlannedQueries...)
	next.Findings = append(next.Findings, upd.Findings...)
	next.Entities = append(next.Entities, upd.Entities...)
	next.Events = append(next.Events, upd.Events...)
	next.Relationships = append(next.Relationships, upd.Relationships...)
	next.Timeline = append(next.Timeline, upd.Timeline...)
	next.EventChains = append(next.EventChains, upd.EventChains...)
	next.Contradictions = append(next.Contradictions, upd.Contradictions...)
	next.Gaps = append(next.Gaps, upd.Gaps...)
	next.ReportSections = append(next.ReportSections, upd.ReportSections...)
	next.Citations = append(next.Citations, upd.Citations...)
	next.ErrorLog = append(next.ErrorLog, upd.ErrorLog...)
	next.CompletedNodes = append(next.CompletedNodes, upd.CompletedNodes...)

	if len(upd.SupersededFindings) > 0 {
		superseded := make(map[string]struct{}, len(upd.SupersededFindings))
		for _, id := range upd.SupersededFindings {
			superseded[id] = struct{}{}
		}
		for i := range next.Findings {
			if _, ok := superseded[next.Findings[i].ID]; ok {
				next.Findings[i].Superseded = true
			}
		}
	}

	if upd.Phase != nil {
		if !next.Phase.CanAdvanceTo(*upd.Phase) {
			return nil, fmt.Errorf("phase regression %s -> %s", next.Phase, *upd.Phase)
		}
		next.Phase = *upd.Phase
	}
	if upd.Status != nil {
		next.Status = *upd.Status
	}
	if upd.ProgressPct != nil {
		// Progress only moves forward within a live run. Resume from an
		// older checkpoint replaces the whole state, not this path.
		if *upd.ProgressPct > next.ProgressPct {
			next.ProgressPct = *upd.ProgressPct
		}
		if next.ProgressPct > 100 {
			next.ProgressPct = 100
		}
	}
	if upd.CurrentAgent != nil {
		next.CurrentAgent = *upd.CurrentAgent
	}

	next.UpdatedAt = time.Now().UTC()
	return next, nil
}
