package commands

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alliecatowo/legalease-ai/internal/orchestrator"
	"github.com/alliecatowo/legalease-ai/internal/persistence"
	"github.com/alliecatowo/legalease-ai/internal/state"
	"github.com/alliecatowo/legalease-ai/internal/workflow"
	"github.com/google/uuid"
)

type stubNode struct {
	name   string
	writes []state.Field
	run    func(ctx context.Context, s *state.ResearchState) (*state.Update, error)
}

func (n *stubNode) Name() string          { return n.name }
func (n *stubNode) Writes() []state.Field { return n.writes }
func (n *stubNode) Run(ctx context.Context, s *state.ResearchState) (*state.Update, error) {
	if n.run == nil {
		return &state.Update{}, nil
	}
	return n.run(ctx, s)
}

// testNodes is a documents-only topology where every node returns
// immediately unless overridden.
func testNodes(overrides map[string]func(context.Context, *state.ResearchState) (*state.Update, error)) []orchestrator.AgentNode {
	specs := []struct {
		name   string
		writes []state.Field
		run    func(context.Context, *state.ResearchState) (*state.Update, error)
	}{
		{orchestrator.NodeDiscovery, []state.Field{state.FieldDocumentInventory, state.FieldTranscriptInventory, state.FieldCommunicationsInventory},
			func(_ context.Context, _ *state.ResearchState) (*state.Update, error) {
				return &state.Update{DocumentInventory: []state.EvidenceItem{{ID: "d1", Category: state.CategoryDocuments}}}, nil
			}},
		{orchestrator.NodePlanner, []state.Field{state.FieldPlannedQueries}, nil},
		{orchestrator.NodeDocumentAnalyst, []state.Field{state.FieldFindings}, nil},
		{orchestrator.NodeTranscriptAnalyst, []state.Field{state.FieldFindings}, nil},
		{orchestrator.NodeCommunicationsAnalyst, []state.Field{state.FieldFindings}, nil},
		{orchestrator.NodeCorrelator, []state.Field{state.FieldTimeline}, nil},
		{orchestrator.NodeSynthesis, []state.Field{state.FieldReportSections},
			func(_ context.Context, _ *state.ResearchState) (*state.Update, error) {
				return &state.Update{ReportSections: []state.ReportSection{{ID: "s1", Title: "Summary", Order: 1}}}, nil
			}},
	}
	var nodes []orchestrator.AgentNode
	for _, sp := range specs {
		run := sp.run
		if o, ok := overrides[sp.name]; ok {
			run = o
		}
		nodes = append(nodes, &stubNode{name: sp.name, writes: sp.writes, run: run})
	}
	return nodes
}

func newTestCommands(t *testing.T, overrides map[string]func(context.Context, *state.ResearchState) (*state.Update, error)) (*Commands, *workflow.Runner, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	runner, err := workflow.NewRunner(store, workflow.Config{Nodes: testNodes(overrides), RunTimeout: time.Minute})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return New(runner, store, nil), runner, store
}

func TestStart(t *testing.T) {
	cmds, runner, store := newTestCommands(t, nil)
	ctx := context.Background()

	res, err := cmds.Start(ctx, StartRequest{CaseID: "case-1", Query: "who signed the lease?"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !res.Success || res.RunID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	runner.WaitRun(ctx, res.RunID)

	run, err := store.GetRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("mirror row: %v", err)
	}
	if run.Status != persistence.RunStatusCompleted {
		t.Errorf("mirror status = %s", run.Status)
	}
}

func TestStart_Validation(t *testing.T) {
	cmds, _, _ := newTestCommands(t, nil)
	tests := []struct {
		name string
		req  StartRequest
	}{
		{"missing case", StartRequest{Query: "q"}},
		{"missing query", StartRequest{CaseID: "case-1"}},
		{"blank query", StartRequest{CaseID: "case-1", Query: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := cmds.Start(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("validation must not be an error: %v", err)
			}
			if res.Success {
				t.Errorf("invalid request accepted: %+v", res)
			}
		})
	}
}

func TestPauseResumeCancel_Lifecycle(t *testing.T) {
	release := make(chan struct{})
	cmds, runner, _ := newTestCommands(t, map[string]func(context.Context, *state.ResearchState) (*state.Update, error){
		orchestrator.NodePlanner: func(ctx context.Context, _ *state.ResearchState) (*state.Update, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &state.Update{}, nil
		},
	})
	ctx := context.Background()

	res, err := cmds.Start(ctx, StartRequest{CaseID: "case-1", Query: "q"})
	if err != nil || !res.Success {
		t.Fatalf("start: %v %+v", err, res)
	}
	runID := res.RunID

	// Pause while the planner is blocked: the request is accepted and lands
	// at the next boundary.
	pres, err := cmds.Pause(ctx, runID)
	if err != nil || !pres.Success {
		t.Fatalf("pause: %v %+v", err, pres)
	}
	close(release)

	deadline := time.After(10 * time.Second)
	for {
		sres, err := cmds.Status(ctx, runID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if sres.Run != nil && sres.Run.IsPaused {
			break
		}
		select {
		case <-deadline:
			t.Fatal("run never paused")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Pausing a paused run is a successful no-op.
	pres, err = cmds.Pause(ctx, runID)
	if err != nil || !pres.Success {
		t.Fatalf("pause while paused: %v %+v", err, pres)
	}

	rres, err := cmds.Resume(ctx, runID)
	if err != nil || !rres.Success {
		t.Fatalf("resume: %v %+v", err, rres)
	}
	runner.WaitRun(ctx, runID)

	// Cancel after completion is a successful no-op.
	deadline = time.After(10 * time.Second)
	for {
		cres, err := cmds.Cancel(ctx, runID, "")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if cres.Success && cres.Run != nil && cres.Run.Status == workflow.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("terminal cancel never became a no-op: %+v", cres)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestResume_NotPaused(t *testing.T) {
	release := make(chan struct{})
	cmds, _, _ := newTestCommands(t, map[string]func(context.Context, *state.ResearchState) (*state.Update, error){
		orchestrator.NodeDiscovery: func(ctx context.Context, _ *state.ResearchState) (*state.Update, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &state.Update{}, nil
		},
	})
	defer close(release)

	res, err := cmds.Start(context.Background(), StartRequest{CaseID: "case-1", Query: "q"})
	if err != nil || !res.Success {
		t.Fatalf("start: %v %+v", err, res)
	}
	rres, err := cmds.Resume(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rres.Success || rres.Retryable {
		t.Errorf("resuming a running run must fail non-retryably: %+v", rres)
	}
}

func TestUnhostedRun(t *testing.T) {
	cmds, _, store := newTestCommands(t, nil)
	ctx := context.Background()
	runID := uuid.NewString()

	// A mirror row with no hosted workflow, as after a daemon restart before
	// recovery runs.
	if _, err := store.CreateRun(ctx, runID, "case-1", "q", "", nil); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := store.UpdateRunStatus(ctx, runID, persistence.RunStatusRunning, ""); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	pres, err := cmds.Pause(ctx, runID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if pres.Success || !pres.Retryable {
		t.Errorf("pause of an unhosted run must be retryable: %+v", pres)
	}

	// Cancel reconciles the mirror directly so the row is not stuck RUNNING.
	cres, err := cmds.Cancel(ctx, runID, "daemon replaced mid-run")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cres.Success {
		t.Fatalf("cancel of an unhosted run: %+v", cres)
	}
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("mirror row: %v", err)
	}
	if run.Status != persistence.RunStatusCancelled {
		t.Errorf("mirror status = %s, want CANCELLED", run.Status)
	}
	if run.ErrorMessage != "daemon replaced mid-run" {
		t.Errorf("cancel reason not recorded: %q", run.ErrorMessage)
	}
}

func TestStatus_NotFound(t *testing.T) {
	cmds, _, _ := newTestCommands(t, nil)
	res, err := cmds.Status(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.Success {
		t.Errorf("unknown run must not succeed: %+v", res)
	}
}
