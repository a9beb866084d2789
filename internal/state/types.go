package state

import "time"

// EvidenceItem is one inventoried piece of case evidence.
type EvidenceItem struct {
	ID         string           `json:"id"`
	Category   EvidenceCategory `json:"category"`
	Title      string           `json:"title"`
	Source     string           `json:"source"`
	Excerpt    string           `json:"excerpt,omitempty"`
	IngestedAt time.Time        `json:"ingested_at"`
}

// PlannedQuery is one analysis query produced by the planner for a category.
type PlannedQuery struct {
	ID        string           `json:"id"`
	Category  EvidenceCategory `json:"category"`
	Query     string           `json:"query"`
	Rationale string           `json:"rationale,omitempty"`
}

// Finding is a single analyst conclusion tied to evidence.
type Finding struct {
	ID         string           `json:"id"`
	Category   EvidenceCategory `json:"category"`
	Statement  string           `json:"statement"`
	EvidenceID string           `json:"evidence_id,omitempty"`
	Confidence float64          `json:"confidence"`
	Node       string           `json:"node"`
	Superseded bool             `json:"superseded,omitempty"`
}

// Entity is a person, organization, or thing referenced by evidence.
type Entity struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Aliases     []string `json:"aliases,omitempty"`
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
}

// CaseEvent is a dated occurrence extracted from evidence.
type CaseEvent struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	OccurredAt  time.Time `json:"occurred_at"`
	EntityIDs   []string  `json:"entity_ids,omitempty"`
	EvidenceIDs []string  `json:"evidence_ids,omitempty"`
}

// Relationship links two entities with a typed connection.
type Relationship struct {
	ID           string `json:"id"`
	FromEntityID string `json:"from_entity_id"`
	ToEntityID   string `json:"to_entity_id"`
	Kind         string `json:"kind"`
	Basis        string `json:"basis,omitempty"`
}

// TimelineEntry is one ordered point on the correlated case timeline.
type TimelineEntry struct {
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Summary    string    `json:"summary"`
}

// EventChain is a causally linked sequence of events supporting a theory.
type EventChain struct {
	ID       string   `json:"id"`
	EventIDs []string `json:"event_ids"`
	Theory   string   `json:"theory,omitempty"`
}

// Contradiction records evidence items that cannot all be true.
type Contradiction struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
}

// Gap records a question the evidence does not answer.
type Gap struct {
	ID          string           `json:"id"`
	Description string           `json:"description"`
	Category    EvidenceCategory `json:"category,omitempty"`
}

// ReportSection is one section of the synthesized report.
type ReportSection struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Order int    `json:"order"`
}

// Citation ties report content back to a specific evidence item.
type Citation struct {
	ID         string `json:"id"`
	EvidenceID string `json:"evidence_id"`
	Quote      string `json:"quote,omitempty"`
}

// ErrorEntry is one recorded node failure.
type ErrorEntry struct {
	Node       string    `json:"node"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}
