// Package commands is the operation layer between surfaces (HTTP gateway,
// CLI) and the workflow runner. Every command validates its preconditions,
// performs the transition, and returns a structured result the caller can
// render without inspecting errors.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alliecatowo/legalease-ai/internal/persistence"
	"github.com/alliecatowo/legalease-ai/internal/shared"
	"github.com/alliecatowo/legalease-ai/internal/workflow"
	"github.com/google/uuid"
)

// Result is the structured outcome of one command.
type Result struct {
	Success   bool                  `json:"success"`
	Message   string                `json:"message"`
	RunID     string                `json:"run_id,omitempty"`
	Retryable bool                  `json:"retryable,omitempty"`
	NotFound  bool                  `json:"-"`
	Run       *workflow.Description `json:"run,omitempty"`
}

func failure(runID, msg string) *Result {
	return &Result{Success: false, Message: msg, RunID: runID}
}

func notFound(runID string) *Result {
	return &Result{Success: false, Message: "run not found", RunID: runID, NotFound: true}
}

func retryable(runID, msg string) *Result {
	return &Result{Success: false, Message: msg, RunID: runID, Retryable: true}
}

// StartRequest carries the inputs of a new research run.
type StartRequest struct {
	CaseID          string            `json:"case_id"`
	Query           string            `json:"query"`
	SecondaryTheory string            `json:"secondary_theory,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type Commands struct {
	runner *workflow.Runner
	store  *persistence.Store
	logger *slog.Logger
}

func New(runner *workflow.Runner, store *persistence.Store, logger *slog.Logger) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commands{runner: runner, store: store, logger: logger}
}

// Start launches a new research run and returns its generated run ID.
func (c *Commands) Start(ctx context.Context, req StartRequest) (*Result, error) {
	req.CaseID = strings.TrimSpace(req.CaseID)
	req.Query = strings.TrimSpace(req.Query)
	if req.CaseID == "" {
		return failure("", "case_id is required"), nil
	}
	if req.Query == "" {
		return failure("", "query is required"), nil
	}

	runID := uuid.NewString()
	ctx = shared.WithRunID(shared.WithCaseID(ctx, req.CaseID), runID)
	if err := c.runner.Start(ctx, workflow.StartInput{
		RunID:           runID,
		CaseID:          req.CaseID,
		Query:           req.Query,
		SecondaryTheory: req.SecondaryTheory,
		Metadata:        req.Metadata,
	}); err != nil {
		return nil, fmt.Errorf("start research: %w", err)
	}

	desc, err := c.runner.Describe(ctx, runID)
	if err != nil {
		desc = nil
	}
	c.logger.Info("research started", "run_id", runID, "case_id", req.CaseID)
	return &Result{
		Success: true,
		Message: "research run started",
		RunID:   runID,
		Run:     desc,
	}, nil
}

// Pause requests a pause at the next node boundary. The run keeps executing
// its current node; the result reflects the request, not the committed pause.
func (c *Commands) Pause(ctx context.Context, runID string) (*Result, error) {
	desc, err := c.runner.Describe(ctx, runID)
	if errors.Is(err, workflow.ErrRunNotFound) {
		return notFound(runID), nil
	}
	if err != nil {
		return nil, err
	}
	if desc.IsPaused {
		return &Result{Success: true, Message: "run is already paused", RunID: runID, Run: desc}, nil
	}
	if terminalStatus(desc.Status) {
		return failure(runID, fmt.Sprintf("run is %s and cannot be paused", desc.Status)), nil
	}

	if err := c.runner.Pause(ctx, runID); err != nil {
		if errors.Is(err, workflow.ErrRunNotLive) {
			// Mirror says active but no workflow is hosted: the engine has
			// not recovered this run yet.
			return retryable(runID, "run is not hosted by this engine yet; retry shortly"), nil
		}
		return nil, err
	}
	return &Result{Success: true, Message: "pause requested; takes effect at the next node boundary", RunID: runID, Run: desc}, nil
}

// Resume wakes a paused run.
func (c *Commands) Resume(ctx context.Context, runID string) (*Result, error) {
	desc, err := c.runner.Describe(ctx, runID)
	if errors.Is(err, workflow.ErrRunNotFound) {
		return notFound(runID), nil
	}
	if err != nil {
		return nil, err
	}
	if terminalStatus(desc.Status) {
		return failure(runID, fmt.Sprintf("run is %s and cannot be resumed", desc.Status)), nil
	}

	err = c.runner.Resume(ctx, runID)
	switch {
	case err == nil:
		return &Result{Success: true, Message: "run resumed", RunID: runID, Run: desc}, nil
	case errors.Is(err, workflow.ErrNotPaused):
		return failure(runID, "run is not paused"), nil
	case errors.Is(err, workflow.ErrRunNotLive):
		return retryable(runID, "run is not hosted by this engine yet; retry shortly"), nil
	default:
		return nil, err
	}
}

// Cancel requests cancellation, recording the caller's reason when given.
// Cancelling an already-terminal run is a successful no-op; a run the engine
// does not host gets its mirror row reconciled directly so the record is not
// stuck active forever.
func (c *Commands) Cancel(ctx context.Context, runID, reason string) (*Result, error) {
	reason = strings.TrimSpace(reason)
	desc, err := c.runner.Describe(ctx, runID)
	if errors.Is(err, workflow.ErrRunNotFound) {
		return notFound(runID), nil
	}
	if err != nil {
		return nil, err
	}
	if terminalStatus(desc.Status) {
		return &Result{Success: true, Message: fmt.Sprintf("run is already %s", desc.Status), RunID: runID, Run: desc}, nil
	}

	err = c.runner.Cancel(ctx, runID, reason)
	switch {
	case err == nil:
		return &Result{Success: true, Message: "cancel requested; takes effect at the next node boundary", RunID: runID, Run: desc}, nil
	case errors.Is(err, workflow.ErrRunNotLive):
		msg := reason
		if msg == "" {
			msg = "cancelled while not hosted"
		}
		if err := c.store.UpdateRunStatus(ctx, runID, persistence.RunStatusCancelled, msg); err != nil {
			return nil, fmt.Errorf("reconcile unhosted run %s: %w", runID, err)
		}
		payload := ""
		if reason != "" {
			payload = fmt.Sprintf(`{"reason":%q}`, reason)
		}
		_ = c.store.AppendRunEvent(ctx, runID, persistence.EventRunCancelled, "", persistence.RunStatus(desc.Status), persistence.RunStatusCancelled, payload)
		c.logger.Info("unhosted run cancelled via mirror", "run_id", runID, "reason", reason)
		return &Result{Success: true, Message: "run cancelled", RunID: runID}, nil
	default:
		return nil, err
	}
}

// Status describes one run.
func (c *Commands) Status(ctx context.Context, runID string) (*Result, error) {
	desc, err := c.runner.Describe(ctx, runID)
	if errors.Is(err, workflow.ErrRunNotFound) {
		return notFound(runID), nil
	}
	if err != nil {
		return nil, err
	}
	return &Result{Success: true, Message: string(desc.Status), RunID: runID, Run: desc}, nil
}

// ListRuns returns mirror rows, optionally filtered by case and status.
func (c *Commands) ListRuns(ctx context.Context, caseID string, status persistence.RunStatus, limit int) ([]*persistence.ResearchRun, error) {
	return c.store.ListRuns(ctx, caseID, status, limit)
}

func terminalStatus(s workflow.Status) bool {
	switch s {
	case workflow.StatusCompleted, workflow.StatusFailed, workflow.StatusCancelled, workflow.StatusTerminated:
		return true
	}
	return false
}
