package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alliecatowo/legalease-ai/internal/broadcast"
	"github.com/alliecatowo/legalease-ai/internal/commands"
	"github.com/alliecatowo/legalease-ai/internal/orchestrator"
	"github.com/alliecatowo/legalease-ai/internal/persistence"
	"github.com/alliecatowo/legalease-ai/internal/state"
	"github.com/alliecatowo/legalease-ai/internal/workflow"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const testToken = "test-token"

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

func testNodes() []orchestrator.AgentNode {
	return []orchestrator.AgentNode{
		&stubNode{name: orchestrator.NodeDiscovery,
			writes: []state.Field{state.FieldDocumentInventory, state.FieldTranscriptInventory, state.FieldCommunicationsInventory},
			run: func(_ context.Context, _ *state.ResearchState) (*state.Update, error) {
				return &state.Update{DocumentInventory: []state.EvidenceItem{{ID: "d1", Category: state.CategoryDocuments}}}, nil
			}},
		&stubNode{name: orchestrator.NodePlanner, writes: []state.Field{state.FieldPlannedQueries}},
		&stubNode{name: orchestrator.NodeDocumentAnalyst, writes: []state.Field{state.FieldFindings},
			run: func(_ context.Context, _ *state.ResearchState) (*state.Update, error) {
				return &state.Update{Findings: []state.Finding{{ID: "f1", Category: state.CategoryDocuments, Statement: "x"}}}, nil
			}},
		&stubNode{name: orchestrator.NodeTranscriptAnalyst, writes: []state.Field{state.FieldFindings}},
		&stubNode{name: orchestrator.NodeCommunicationsAnalyst, writes: []state.Field{state.FieldFindings}},
		&stubNode{name: orchestrator.NodeCorrelator, writes: []state.Field{state.FieldTimeline}},
		&stubNode{name: orchestrator.NodeSynthesis, writes: []state.Field{state.FieldReportSections},
			run: func(_ context.Context, _ *state.ResearchState) (*state.Update, error) {
				return &state.Update{ReportSections: []state.ReportSection{{ID: "s1", Title: "Summary", Order: 1}}}, nil
			}},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *workflow.Runner) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	runner, err := workflow.NewRunner(store, workflow.Config{Nodes: testNodes(), RunTimeout: time.Minute})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	cmds := commands.New(runner, store, nil)
	bc := broadcast.New(runner, broadcast.Config{PollInterval: 20 * time.Millisecond})

	srv := httptest.NewServer(New(Config{
		Commands:    cmds,
		Runner:      runner,
		Store:       store,
		Broadcaster: bc,
		AuthToken:   testToken,
	}).Handler())
	t.Cleanup(srv.Close)
	return srv, runner
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/research")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/research", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", resp.StatusCode)
	}

	// Health stays open for liveness checks.
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status = %d", resp.StatusCode)
	}
}

func TestResearchLifecycle(t *testing.T) {
	srv, runner := newTestServer(t)
	ctx := context.Background()

	var started commands.Result
	code := doJSON(t, http.MethodPost, srv.URL+"/api/v1/research",
		commands.StartRequest{CaseID: "case-1", Query: "who signed the lease?"}, &started)
	if code != http.StatusCreated || !started.Success || started.RunID == "" {
		t.Fatalf("start: code=%d result=%+v", code, started)
	}
	runner.WaitRun(ctx, started.RunID)

	var status commands.Result
	deadline := time.After(10 * time.Second)
	for {
		code = doJSON(t, http.MethodGet, srv.URL+"/api/v1/research/"+started.RunID, nil, &status)
		if code == http.StatusOK && status.Run != nil && status.Run.Status == workflow.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("run never completed: code=%d result=%+v", code, status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	var stateResp state.ResearchState
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/v1/research/"+started.RunID+"/state", nil, &stateResp); code != http.StatusOK {
		t.Fatalf("state: code=%d", code)
	}
	if len(stateResp.ReportSections) != 1 {
		t.Errorf("state missing report: %+v", stateResp.ReportSections)
	}

	var cps struct {
		Count int `json:"count"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/v1/research/"+started.RunID+"/checkpoints", nil, &cps); code != http.StatusOK {
		t.Fatalf("checkpoints: code=%d", code)
	}
	if cps.Count < 7 {
		t.Errorf("checkpoint count = %d, want one per node plus completion", cps.Count)
	}

	var list struct {
		Count int `json:"count"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/v1/research?case_id=case-1", nil, &list); code != http.StatusOK || list.Count != 1 {
		t.Errorf("list: code=%d count=%d", code, list.Count)
	}

	// Cancel after completion is an idempotent success.
	var cancelRes commands.Result
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/v1/research/"+started.RunID+"/cancel", nil, &cancelRes); code != http.StatusOK || !cancelRes.Success {
		t.Errorf("terminal cancel: code=%d result=%+v", code, cancelRes)
	}

	// Resume of a terminal run conflicts.
	var resumeRes commands.Result
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/v1/research/"+started.RunID+"/resume", nil, &resumeRes); code != http.StatusConflict {
		t.Errorf("terminal resume: code=%d result=%+v", code, resumeRes)
	}
}

func TestUnknownRun(t *testing.T) {
	srv, _ := newTestServer(t)
	var res commands.Result
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/v1/research/ghost", nil, &res); code != http.StatusNotFound {
		t.Errorf("status of unknown run: code=%d", code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/v1/research/ghost/pause", nil, &res); code != http.StatusNotFound {
		t.Errorf("pause of unknown run: code=%d", code)
	}
}

func TestStartValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	var res commands.Result
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/v1/research", commands.StartRequest{CaseID: "case-1"}, &res); code != http.StatusConflict {
		t.Errorf("missing query: code=%d result=%+v", code, res)
	}
}

func TestStream(t *testing.T) {
	srv, runner := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var started commands.Result
	doJSON(t, http.MethodPost, srv.URL+"/api/v1/research",
		commands.StartRequest{CaseID: "case-1", Query: "q"}, &started)
	runner.WaitRun(ctx, started.RunID)

	// Subscribing to a finished run still yields the status and terminal
	// events before a clean close.
	conn, _, err := websocket.Dial(ctx, srv.URL+"/ws/research?run_id="+started.RunID, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var events []broadcast.Event
	for {
		var ev broadcast.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			break
		}
		events = append(events, ev)
		if ev.Type == broadcast.EventCompleted {
			break
		}
	}
	if len(events) < 2 {
		t.Fatalf("expected status and terminal events, got %+v", events)
	}
	if events[0].Type != broadcast.EventStatus {
		t.Errorf("first event = %s, want status", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != broadcast.EventCompleted || last.RunID != started.RunID {
		t.Errorf("terminal event: %+v", last)
	}
}

func TestStream_UnknownRun(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL+"/ws/research?run_id=ghost", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		// The server may reject at close before the handshake completes.
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	var ev broadcast.Event
	if err := wsjson.Read(ctx, conn, &ev); err == nil {
		t.Errorf("unknown run must not stream events: %+v", ev)
	}
}
