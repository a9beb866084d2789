package state

import (
	"errors"
	"testing"
)

func TestApply_AppendsCollections(t *testing.T) {
	st := New("run-1", "case-1", "who signed the lease?", "")
	upd := &Update{
		Findings: []Finding{
			{ID: "f1", Category: CategoryDocuments, Statement: "lease signed 2021-03-01", Node: "document_analyst"},
		},
		Citations: []Citation{{ID: "c1", EvidenceID: "ev1"}},
	}

	next, err := Apply(st, upd, []Field{FieldFindings, FieldCitations})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(next.Findings) != 1 || next.Findings[0].ID != "f1" {
		t.Fatalf("expected finding f1, got %+v", next.Findings)
	}
	if len(next.Citations) != 1 {
		t.Fatalf("expected 1 citation, got %d", len(next.Citations))
	}
	// Original state untouched.
	if len(st.Findings) != 0 {
		t.Fatal("apply mutated the current state")
	}
}

func TestApply_RejectsUndeclaredField(t *testing.T) {
	st := New("run-1", "case-1", "q", "")
	upd := &Update{
		Timeline: []TimelineEntry{{EventID: "e1", Summary: "meeting"}},
	}

	// Producer declared entities only, but wrote timeline.
	_, err := Apply(st, upd, []Field{FieldEntities})
	if err == nil {
		t.Fatal("expected rejection for undeclared field")
	}
	if !errors.Is(err, ErrUndeclaredField) {
		t.Fatalf("expected ErrUndeclaredField, got %v", err)
	}
	if len(st.Timeline) != 0 {
		t.Fatal("timeline must be unchanged after rejection")
	}
}

func TestApply_RejectionIsAllOrNothing(t *testing.T) {
	st := New("run-1", "case-1", "q", "")
	upd := &Update{
		Entities: []Entity{{ID: "en1", Name: "Alice"}},
		Timeline: []TimelineEntry{{EventID: "e1"}},
	}

	_, err := Apply(st, upd, []Field{FieldEntities})
	if err == nil {
		t.Fatal("expected rejection")
	}
	if len(st.Entities) != 0 {
		t.Fatal("declared portion must not apply when any field is undeclared")
	}
}

func TestApply_ProgressOnlyMovesForward(t *testing.T) {
	st := New("run-1", "case-1", "q", "")
	st.ProgressPct = 40

	lower := 25.0
	next, err := Apply(st, &Update{ProgressPct: &lower}, ControlFields)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if next.ProgressPct != 40 {
		t.Fatalf("progress regressed to %v", next.ProgressPct)
	}

	higher := 62.5
	next, err = Apply(next, &Update{ProgressPct: &higher}, ControlFields)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if next.ProgressPct != 62.5 {
		t.Fatalf("expected 62.5, got %v", next.ProgressPct)
	}
}

func TestApply_PhaseNeverRegresses(t *testing.T) {
	st := New("run-1", "case-1", "q", "")
	st.Phase = PhaseCorrelation

	back := PhasePlanning
	if _, err := Apply(st, &Update{Phase: &back}, ControlFields); err == nil {
		t.Fatal("expected phase regression rejection")
	}

	fwd := PhaseSynthesis
	next, err := Apply(st, &Update{Phase: &fwd}, ControlFields)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if next.Phase != PhaseSynthesis {
		t.Fatalf("expected SYNTHESIS, got %s", next.Phase)
	}
}

func TestApply_SupersedeFlagsWithoutTruncation(t *testing.T) {
	st := New("run-1", "case-1", "q", "")
	st.Findings = []Finding{
		{ID: "f1", Statement: "draft conclusion"},
		{ID: "f2", Statement: "unrelated"},
	}

	upd := &Update{
		Findings:           []Finding{{ID: "f3", Statement: "refined conclusion"}},
		SupersededFindings: []string{"f1"},
	}
	next, err := Apply(st, upd, []Field{FieldFindings})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(next.Findings) != 3 {
		t.Fatalf("expected 3 findings (append-only), got %d", len(next.Findings))
	}
	if !next.Findings[0].Superseded {
		t.Fatal("f1 should be flagged superseded")
	}
	if next.Findings[1].Superseded {
		t.Fatal("f2 should not be superseded")
	}
	if next.FindingsCount() != 2 {
		t.Fatalf("expected 2 live findings, got %d", next.FindingsCount())
	}
}

func TestApply_UpdatedAtAdvances(t *testing.T) {
	st := New("run-1", "case-1", "q", "")
	before := st.UpdatedAt

	next, err := Apply(st, &Update{Gaps: []Gap{{ID: "g1", Description: "no bank records"}}}, []Field{FieldGaps})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if next.UpdatedAt.Before(before) {
		t.Fatal("UpdatedAt must advance on every merge")
	}
}

func TestPhaseOrdering(t *testing.T) {
	order := []Phase{PhaseDiscovery, PhasePlanning, PhaseAnalysis, PhaseCorrelation, PhaseSynthesis, PhaseCompleted}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Fatalf("%s should rank above %s", order[i], order[i-1])
		}
		if !order[i-1].CanAdvanceTo(order[i]) {
			t.Fatalf("%s -> %s should be a legal advance", order[i-1], order[i])
		}
		if order[i].CanAdvanceTo(order[i-1]) {
			t.Fatalf("%s -> %s regression should be illegal", order[i], order[i-1])
		}
	}
}
