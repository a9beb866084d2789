package state

import (
	"testing"
	"time"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	st := New("run-rt", "case-rt", "follow the money", "alternative: fraud by the broker")
	st.Phase = PhaseCorrelation
	st.Status = StatusRunning
	st.ProgressPct = 71.5
	st.CurrentAgent = "correlator"
	st.DocumentInventory = []EvidenceItem{
		{ID: "ev1", Category: CategoryDocuments, Title: "Lease agreement", Source: "exhibit-a.pdf", IngestedAt: time.Now().UTC().Truncate(time.Millisecond)},
	}
	st.Findings = []Finding{
		{ID: "f1", Category: CategoryDocuments, Statement: "signature predates notarization", EvidenceID: "ev1", Confidence: 0.8, Node: "document_analyst"},
		{ID: "f0", Category: CategoryDocuments, Statement: "draft", Superseded: true},
	}
	st.Entities = []Entity{{ID: "en1", Name: "Alice Ray", Kind: "person", Aliases: []string{"A. Ray"}}}
	st.Events = []CaseEvent{{ID: "e1", Description: "contract signing", OccurredAt: time.Now().UTC().Truncate(time.Millisecond)}}
	st.Timeline = []TimelineEntry{{EventID: "e1", Summary: "signing"}}
	st.ErrorLog = []ErrorEntry{{Node: "communications_analyst", Message: "inventory empty", OccurredAt: time.Now().UTC().Truncate(time.Millisecond)}}

	blob, err := Encode(st)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	got, err := Decode(blob)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got.RunID != st.RunID || got.CaseID != st.CaseID {
		t.Fatalf("identity mismatch: %s/%s", got.RunID, got.CaseID)
	}
	if got.Phase != st.Phase || got.Status != st.Status {
		t.Fatalf("control mismatch: %s/%s", got.Phase, got.Status)
	}
	if got.ProgressPct != st.ProgressPct {
		t.Fatalf("progress mismatch: %v", got.ProgressPct)
	}
	if got.CurrentAgent != "correlator" {
		t.Fatalf("current agent mismatch: %s", got.CurrentAgent)
	}
	if len(got.DocumentInventory) != 1 || got.DocumentInventory[0].ID != "ev1" {
		t.Fatalf("document inventory mismatch: %+v", got.DocumentInventory)
	}
	if len(got.Findings) != 2 || !got.Findings[1].Superseded {
		t.Fatalf("findings mismatch: %+v", got.Findings)
	}
	if len(got.Entities) != 1 || got.Entities[0].Aliases[0] != "A. Ray" {
		t.Fatalf("entities mismatch: %+v", got.Entities)
	}
	if len(got.Timeline) != 1 || got.Timeline[0].EventID != "e1" {
		t.Fatalf("timeline mismatch: %+v", got.Timeline)
	}
	if len(got.ErrorLog) != 1 {
		t.Fatalf("error log mismatch: %+v", got.ErrorLog)
	}
	if !got.Events[0].OccurredAt.Equal(st.Events[0].OccurredAt) {
		t.Fatalf("event timestamp mismatch: %v vs %v", got.Events[0].OccurredAt, st.Events[0].OccurredAt)
	}
}

func TestDecode_RejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not a checkpoint blob")); err == nil {
		t.Fatal("expected error for garbage blob")
	}
}
