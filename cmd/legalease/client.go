package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/alliecatowo/legalease-ai/internal/commands"
	"github.com/alliecatowo/legalease-ai/internal/config"
	"github.com/alliecatowo/legalease-ai/internal/persistence"
	"github.com/alliecatowo/legalease-ai/internal/tui"
)

// apiClient talks to a running daemon over its REST API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	addr := strings.TrimSpace(cfg.BindAddr)
	if addr == "" {
		addr = "127.0.0.1:18990"
	}
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		if host, port, err := net.SplitHostPort(addr); err == nil {
			base = net.JoinHostPort(host, port)
		}
		base = "http://" + base
	}

	token := cfg.AuthToken
	if token == "" {
		// The daemon persists its generated token next to the database.
		if b, err := os.ReadFile(filepath.Join(cfg.HomeDir, "auth_token")); err == nil {
			token = strings.TrimSpace(string(b))
		}
	}

	return &apiClient{
		baseURL: strings.TrimRight(base, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
		}
	}
	return resp.StatusCode, nil
}

func runStartCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	caseID := fs.String("case", "", "case identifier (required)")
	query := fs.String("query", "", "primary research question (required)")
	theory := fs.String("theory", "", "secondary theory to weigh against the primary")
	watch := fs.Bool("watch", false, "attach the live progress view after starting")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *caseID == "" || *query == "" {
		fmt.Fprintln(os.Stderr, "usage: legalease start -case <id> -query <question> [-theory <alt>] [-watch]")
		return 2
	}

	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var res commands.Result
	status, err := client.do(ctx, http.MethodPost, "/api/v1/research", commands.StartRequest{
		CaseID:          *caseID,
		Query:           *query,
		SecondaryTheory: *theory,
	}, &res)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if status != http.StatusCreated || !res.Success {
		fmt.Fprintf(os.Stderr, "start rejected (%d): %s\n", status, res.Message)
		return 1
	}
	fmt.Printf("started run %s\n", res.RunID)

	if *watch {
		return watchRun(ctx, client, res.RunID)
	}
	fmt.Printf("follow it with: legalease watch %s\n", res.RunID)
	return 0
}

func runControlCommand(ctx context.Context, verb string, args []string) int {
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	var reason *string
	if verb == "cancel" {
		reason = fs.String("reason", "", "why the run is being cancelled")
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		if verb == "cancel" {
			fmt.Fprintln(os.Stderr, "usage: legalease cancel [-reason <text>] <run_id>")
		} else {
			fmt.Fprintf(os.Stderr, "usage: legalease %s <run_id>\n", verb)
		}
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var body any
	if reason != nil && *reason != "" {
		body = map[string]string{"reason": *reason}
	}
	var res commands.Result
	status, err := client.do(ctx, http.MethodPost,
		"/api/v1/research/"+url.PathEscape(fs.Arg(0))+"/"+verb, body, &res)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	switch {
	case res.Success:
		fmt.Println(res.Message)
		return 0
	case status == http.StatusServiceUnavailable:
		fmt.Fprintf(os.Stderr, "%s (retry shortly)\n", res.Message)
		return 1
	default:
		fmt.Fprintf(os.Stderr, "%s failed (%d): %s\n", verb, status, res.Message)
		return 1
	}
}

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: legalease status <run_id>")
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var res commands.Result
	status, err := client.do(ctx, http.MethodGet, "/api/v1/research/"+url.PathEscape(args[0]), nil, &res)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if status == http.StatusNotFound {
		fmt.Fprintf(os.Stderr, "run %s not found\n", args[0])
		return 1
	}
	if !res.Success || res.Run == nil {
		fmt.Fprintf(os.Stderr, "status failed (%d): %s\n", status, res.Message)
		return 1
	}

	d := res.Run
	fmt.Printf("run:       %s\n", d.RunID)
	fmt.Printf("case:      %s\n", d.CaseID)
	fmt.Printf("status:    %s", d.Status)
	if d.IsPaused {
		fmt.Print(" (paused)")
	}
	fmt.Println()
	fmt.Printf("phase:     %s\n", d.Phase)
	fmt.Printf("progress:  %.0f%%\n", d.ProgressPct)
	if d.CurrentActivity != "" {
		fmt.Printf("agent:     %s\n", d.CurrentActivity)
	}
	fmt.Printf("collected: %d findings, %d citations\n", d.FindingsCount, d.CitationsCount)
	if d.Error != "" {
		fmt.Printf("error:     %s\n", d.Error)
	}
	fmt.Printf("updated:   %s\n", d.UpdatedAt.Local().Format(time.RFC3339))
	return 0
}

func runRunsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	caseID := fs.String("case", "", "filter by case identifier")
	status := fs.String("status", "", "filter by run status (RUNNING, PAUSED, COMPLETED, ...)")
	limit := fs.Int("limit", 20, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	q := url.Values{}
	if *caseID != "" {
		q.Set("case_id", *caseID)
	}
	if *status != "" {
		q.Set("status", strings.ToUpper(*status))
	}
	q.Set("limit", fmt.Sprint(*limit))

	var out struct {
		Runs  []*persistence.ResearchRun `json:"runs"`
		Count int                        `json:"count"`
	}
	code, err := client.do(ctx, http.MethodGet, "/api/v1/research?"+q.Encode(), nil, &out)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(os.Stderr, "list failed (%d)\n", code)
		return 1
	}
	if len(out.Runs) == 0 {
		fmt.Println("no runs")
		return 0
	}

	fmt.Printf("%-36s  %-12s  %-12s  %-11s  %5s  %s\n",
		"RUN", "CASE", "STATUS", "PHASE", "PROG", "UPDATED")
	for _, run := range out.Runs {
		fmt.Printf("%-36s  %-12s  %-12s  %-11s  %4.0f%%  %s\n",
			run.RunID, run.CaseID, run.Status, run.Phase,
			run.ProgressPct, run.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return 0
}

func runWatchCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: legalease watch <run_id>")
		return 2
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "watch needs a terminal; use `legalease status` instead")
		return 1
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return watchRun(ctx, client, args[0])
}

func watchRun(ctx context.Context, client *apiClient, runID string) int {
	wsURL := strings.Replace(client.baseURL, "http", "ws", 1) +
		"/ws/research?run_id=" + url.QueryEscape(runID)
	if err := tui.RunWatch(ctx, wsURL, client.token, runID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runHealthCommand(ctx context.Context) int {
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, client.baseURL+"/healthz", nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "health: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		fmt.Println()
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
