package workflow

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alliecatowo/legalease-ai/internal/orchestrator"
	"github.com/alliecatowo/legalease-ai/internal/persistence"
	"github.com/alliecatowo/legalease-ai/internal/state"
	"github.com/google/uuid"
)

type scriptNode struct {
	name   string
	writes []state.Field
	run    func(ctx context.Context, s *state.ResearchState) (*state.Update, error)
	calls  int32
}

func (n *scriptNode) Name() string          { return n.name }
func (n *scriptNode) Writes() []state.Field { return n.writes }
func (n *scriptNode) Run(ctx context.Context, s *state.ResearchState) (*state.Update, error) {
	atomic.AddInt32(&n.calls, 1)
	if n.run == nil {
		return &state.Update{}, nil
	}
	return n.run(ctx, s)
}

// quickNodes builds a topology where only documents evidence exists and each
// node returns immediately.
func quickNodes() map[string]*scriptNode {
	nodes := map[string]*scriptNode{
		orchestrator.NodeDiscovery: {
			name:   orchestrator.NodeDiscovery,
			writes: []state.Field{state.FieldDocumentInventory, state.FieldTranscriptInventory, state.FieldCommunicationsInventory},
			run: func(_ context.Context, _ *state.ResearchState) (*state.Update, error) {
				return &state.Update{
					DocumentInventory: []state.EvidenceItem{{ID: "d1", Category: state.CategoryDocuments, Title: "lease"}},
				}, nil
			},
		},
		orchestrator.NodePlanner: {
			name:   orchestrator.NodePlanner,
			writes: []state.Field{state.FieldPlannedQueries},
			run: func(_ context.Context, s *state.ResearchState) (*state.Update, error) {
				return &state.Update{
					PlannedQueries: []state.PlannedQuery{{ID: "q1", Category: state.CategoryDocuments, Query: s.Query}},
				}, nil
			},
		},
		orchestrator.NodeDocumentAnalyst: {
			name:   orchestrator.NodeDocumentAnalyst,
			writes: []state.Field{state.FieldFindings, state.FieldCitations},
			run: func(_ context.Context, _ *state.ResearchState) (*state.Update, error) {
				return &state.Update{
					Findings:  []state.Finding{{ID: "f1", Category: state.CategoryDocuments, Statement: "signed 2024-03-01"}},
					Citations: []state.Citation{{ID: "c1", EvidenceID: "d1"}},
				}, nil
			},
		},
		orchestrator.NodeTranscriptAnalyst: {
			name:   orchestrator.NodeTranscriptAnalyst,
			writes: []state.Field{state.FieldFindings},
		},
		orchestrator.NodeCommunicationsAnalyst: {
			name:   orchestrator.NodeCommunicationsAnalyst,
			writes: []state.Field{state.FieldFindings},
		},
		orchestrator.NodeCorrelator: {
			name:   orchestrator.NodeCorrelator,
			writes: []state.Field{state.FieldTimeline, state.FieldGaps},
			run: func(_ context.Context, s *state.ResearchState) (*state.Update, error) {
				return &state.Update{
					Timeline: []state.TimelineEntry{{EventID: "e1", Summary: "lease signed"}},
				}, nil
			},
		},
		orchestrator.NodeSynthesis: {
			name:   orchestrator.NodeSynthesis,
			writes: []state.Field{state.FieldReportSections, state.FieldCitations},
			run: func(_ context.Context, _ *state.ResearchState) (*state.Update, error) {
				return &state.Update{
					ReportSections: []state.ReportSection{{ID: "s1", Title: "Summary", Order: 1}},
				}, nil
			},
		},
	}
	return nodes
}

func newTestRunner(t *testing.T, nodes map[string]*scriptNode) (*Runner, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var list []orchestrator.AgentNode
	for _, n := range nodes {
		list = append(list, n)
	}
	runner, err := NewRunner(store, Config{Nodes: list, RunTimeout: time.Minute})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return runner, store
}

func waitStatus(t *testing.T, runner *Runner, runID string, want Status) *Description {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		d, err := runner.Describe(context.Background(), runID)
		if err == nil && d.Status == want {
			return d
		}
		select {
		case <-deadline:
			t.Fatalf("run never reached %s (last: %+v, err: %v)", want, d, err)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunner_StartToCompletion(t *testing.T) {
	runner, store := newTestRunner(t, quickNodes())
	ctx := context.Background()
	runID := uuid.NewString()

	if err := runner.Start(ctx, StartInput{RunID: runID, CaseID: "case-1", Query: "when was the lease signed?"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	runner.WaitRun(ctx, runID)

	d := waitStatus(t, runner, runID, StatusCompleted)
	if d.ProgressPct != 100 || d.Phase != string(state.PhaseCompleted) {
		t.Errorf("unexpected final description: %+v", d)
	}
	if d.FindingsCount != 1 || d.CitationsCount != 1 {
		t.Errorf("counts not mirrored: %+v", d)
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("mirror row: %v", err)
	}
	if run.Status != persistence.RunStatusCompleted {
		t.Errorf("mirror status = %s", run.Status)
	}
	if run.CompletedAt == nil {
		t.Error("mirror completed_at not set")
	}

	// Query after completion serves the final checkpoint.
	st, err := runner.Query(ctx, runID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(st.ReportSections) != 1 {
		t.Errorf("final state missing report: %+v", st.ReportSections)
	}

	events, _ := store.ListRunEvents(ctx, runID, 0)
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	if len(types) < 3 || types[0] != persistence.EventRunCreated {
		t.Errorf("audit trail incomplete: %v", types)
	}
}

func TestRunner_DuplicateStartRejected(t *testing.T) {
	nodes := quickNodes()
	release := make(chan struct{})
	nodes[orchestrator.NodeDiscovery].run = func(ctx context.Context, _ *state.ResearchState) (*state.Update, error) {
		<-release
		return &state.Update{}, nil
	}
	runner, _ := newTestRunner(t, nodes)
	runID := uuid.NewString()
	if err := runner.Start(context.Background(), StartInput{RunID: runID, CaseID: "case-1", Query: "q"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer close(release)
	if err := runner.Start(context.Background(), StartInput{RunID: runID, CaseID: "case-1", Query: "q"}); err == nil {
		t.Fatal("duplicate start must fail")
	}
}

func TestRunner_PauseResume(t *testing.T) {
	nodes := quickNodes()
	runner, store := newTestRunner(t, nodes)
	ctx := context.Background()
	runID := uuid.NewString()

	// Pause is requested while the planner executes, so it lands at the
	// boundary right after the planner's commit.
	nodes[orchestrator.NodePlanner].run = func(_ context.Context, s *state.ResearchState) (*state.Update, error) {
		runner.Pause(ctx, runID)
		return &state.Update{
			PlannedQueries: []state.PlannedQuery{{ID: "q1", Category: state.CategoryDocuments, Query: s.Query}},
		}, nil
	}

	if err := runner.Start(ctx, StartInput{RunID: runID, CaseID: "case-1", Query: "q"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		d, _ := runner.Describe(ctx, runID)
		if d != nil && d.IsPaused {
			break
		}
		select {
		case <-deadline:
			t.Fatal("run never paused")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Planner output was committed before the pause took effect.
	st, err := runner.Query(ctx, runID)
	if err != nil {
		t.Fatalf("query while paused: %v", err)
	}
	if len(st.PlannedQueries) != 1 {
		t.Error("planner commit lost across pause")
	}
	if atomic.LoadInt32(&nodes[orchestrator.NodeDocumentAnalyst].calls) != 0 {
		t.Error("analyst ran while paused")
	}
	run, _ := store.GetRun(ctx, runID)
	if run.Status != persistence.RunStatusPaused {
		t.Errorf("mirror status = %s, want PAUSED", run.Status)
	}

	if err := runner.Resume(ctx, runID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	runner.WaitRun(ctx, runID)
	waitStatus(t, runner, runID, StatusCompleted)
}

func TestRunner_ResumeRequiresPaused(t *testing.T) {
	nodes := quickNodes()
	release := make(chan struct{})
	nodes[orchestrator.NodeDiscovery].run = func(ctx context.Context, _ *state.ResearchState) (*state.Update, error) {
		<-release
		return &state.Update{}, nil
	}
	runner, _ := newTestRunner(t, nodes)
	runID := uuid.NewString()
	runner.Start(context.Background(), StartInput{RunID: runID, CaseID: "case-1", Query: "q"})
	defer close(release)

	if err := runner.Resume(context.Background(), runID); err == nil {
		t.Fatal("resume of a running run must fail")
	}
}

func TestRunner_Cancel(t *testing.T) {
	nodes := quickNodes()
	runner, store := newTestRunner(t, nodes)
	ctx := context.Background()
	runID := uuid.NewString()

	nodes[orchestrator.NodePlanner].run = func(_ context.Context, _ *state.ResearchState) (*state.Update, error) {
		runner.Cancel(ctx, runID, "client asked to stop")
		return &state.Update{PlannedQueries: []state.PlannedQuery{{ID: "q1", Category: state.CategoryDocuments}}}, nil
	}

	if err := runner.Start(ctx, StartInput{RunID: runID, CaseID: "case-1", Query: "q"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	runner.WaitRun(ctx, runID)

	deadline := time.After(10 * time.Second)
	for {
		run, err := store.GetRun(ctx, runID)
		if err == nil && run.Status == persistence.RunStatusCancelled {
			if run.ErrorMessage != "client asked to stop" {
				t.Errorf("cancel reason not on mirror row: %q", run.ErrorMessage)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("mirror never reached CANCELLED")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if atomic.LoadInt32(&nodes[orchestrator.NodeDocumentAnalyst].calls) != 0 {
		t.Error("analyst ran after cancel")
	}

	events, err := store.ListRunEvents(ctx, runID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.EventType == persistence.EventRunCancelled {
			found = true
			if !strings.Contains(ev.Payload, "client asked to stop") {
				t.Errorf("cancel event payload missing reason: %q", ev.Payload)
			}
		}
	}
	if !found {
		t.Error("no run.cancelled event recorded")
	}
}

func TestRunner_FailedLaunchMarksMirrorFailed(t *testing.T) {
	runner, store := newTestRunner(t, quickNodes())
	ctx := context.Background()
	runID := uuid.NewString()

	runner.Shutdown(time.Second)
	if err := runner.Start(ctx, StartInput{RunID: runID, CaseID: "case-1", Query: "q"}); err == nil {
		t.Fatal("start after shutdown must fail")
	}

	// The mirror row was created before the launch attempt; it must not stay
	// PENDING forever.
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("mirror row: %v", err)
	}
	if run.Status != persistence.RunStatusFailed {
		t.Errorf("mirror status = %s, want FAILED", run.Status)
	}
	if run.ErrorMessage == "" {
		t.Error("mirror row has no error message")
	}
}

func TestRunner_CancelNotLive(t *testing.T) {
	runner, _ := newTestRunner(t, quickNodes())
	err := runner.Cancel(context.Background(), "ghost", "")
	if err == nil {
		t.Fatal("cancel of a non-live run must report ErrRunNotLive")
	}
}

func TestRunner_RecoverFromCheckpoint(t *testing.T) {
	nodes := quickNodes()
	runner, store := newTestRunner(t, nodes)
	ctx := context.Background()
	runID := uuid.NewString()

	// Fabricate an interrupted run: mirror RUNNING, checkpoint after planner.
	if _, err := store.CreateRun(ctx, runID, "case-1", "q", "", nil); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := store.UpdateRunStatus(ctx, runID, persistence.RunStatusRunning, ""); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	st := state.New(runID, "case-1", "q", "")
	st.DocumentInventory = []state.EvidenceItem{{ID: "d1", Category: state.CategoryDocuments}}
	st.PlannedQueries = []state.PlannedQuery{{ID: "q1", Category: state.CategoryDocuments, Query: "q"}}
	st.CompletedNodes = []string{orchestrator.NodeDiscovery, orchestrator.NodePlanner}
	st.Phase = state.PhasePlanning
	st.ProgressPct = 25
	if _, _, err := store.Put(ctx, st, orchestrator.NodePlanner); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	n, err := runner.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d runs, want 1", n)
	}
	runner.WaitRun(ctx, runID)
	waitStatus(t, runner, runID, StatusCompleted)

	if atomic.LoadInt32(&nodes[orchestrator.NodeDiscovery].calls) != 0 {
		t.Error("discovery re-ran on recovery")
	}
	if atomic.LoadInt32(&nodes[orchestrator.NodePlanner].calls) != 0 {
		t.Error("planner re-ran on recovery")
	}
	if atomic.LoadInt32(&nodes[orchestrator.NodeDocumentAnalyst].calls) != 1 {
		t.Error("analyst did not run on recovery")
	}
}
