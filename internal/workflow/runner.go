// Package workflow hosts research runs as durable in-process workflows. The
// runner launches one executor per run, keeps a queryable snapshot fresh on
// every commit, reconciles the research_runs mirror, and relaunches
// interrupted runs from their latest checkpoint on startup.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alliecatowo/legalease-ai/internal/bus"
	"github.com/alliecatowo/legalease-ai/internal/orchestrator"
	"github.com/alliecatowo/legalease-ai/internal/persistence"
	"github.com/alliecatowo/legalease-ai/internal/state"
)

// Status is the workflow-level execution status of one hosted run.
type Status string

const (
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTerminated Status = "TERMINATED" // Hard timeout or host shutdown.
)

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrRunNotLive     = errors.New("run is not live")
	ErrRunAlreadyLive = errors.New("run is already live")
	ErrNotPaused      = errors.New("run is not paused")
)

const defaultRunTimeout = 4 * time.Hour

type Config struct {
	Nodes      []orchestrator.AgentNode
	RunTimeout time.Duration // 0 = 4h hard ceiling per run
	Bus        *bus.Bus
	Logger     *slog.Logger
}

// StartInput carries everything needed to launch a new research run.
type StartInput struct {
	RunID           string
	CaseID          string
	Query           string
	SecondaryTheory string
	Metadata        map[string]string
}

// Description is a cheap point-in-time view of a run, servable from the live
// snapshot or, for finished runs, from the mirror row.
type Description struct {
	RunID           string    `json:"run_id"`
	CaseID          string    `json:"case_id"`
	Status          Status    `json:"status"`
	Phase           string    `json:"phase"`
	ProgressPct     float64   `json:"progress_pct"`
	CurrentActivity string    `json:"current_activity,omitempty"`
	IsPaused        bool      `json:"is_paused"`
	FindingsCount   int       `json:"findings_count"`
	CitationsCount  int       `json:"citations_count"`
	Error           string    `json:"error,omitempty"`
	Live            bool      `json:"live"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type handle struct {
	runID   string
	caseID  string
	signals *runSignals
	cancel  context.CancelFunc
	done    chan struct{}

	mu           sync.RWMutex
	snapshot     *state.ResearchState
	status       Status
	err          error
	cancelReason string
}

func (h *handle) setCancelReason(reason string) {
	h.mu.Lock()
	if h.cancelReason == "" {
		h.cancelReason = reason
	}
	h.mu.Unlock()
}

func (h *handle) reason() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cancelReason
}

func (h *handle) observe(st *state.ResearchState) {
	h.mu.Lock()
	h.snapshot = st
	h.mu.Unlock()
}

func (h *handle) view() (*state.ResearchState, Status, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshot, h.status, h.err
}

func (h *handle) finish(status Status, err error) {
	h.mu.Lock()
	h.status = status
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

type Runner struct {
	store  *persistence.Store
	cfg    Config
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	handles map[string]*handle
	closed  bool

	wg sync.WaitGroup
}

func NewRunner(store *persistence.Store, cfg Config) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("runner requires a store")
	}
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("runner requires the agent node set")
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:   store,
		cfg:     cfg,
		bus:     cfg.Bus,
		logger:  logger,
		handles: map[string]*handle{},
	}, nil
}

// Start registers a new run and launches its workflow. The workflow runs on
// a detached context: the caller's request ending does not stop the run.
func (r *Runner) Start(ctx context.Context, in StartInput) error {
	if in.RunID == "" || in.CaseID == "" || in.Query == "" {
		return fmt.Errorf("start run: run id, case id, and query are required")
	}

	if _, err := r.store.CreateRun(ctx, in.RunID, in.CaseID, in.Query, in.SecondaryTheory, in.Metadata); err != nil {
		return fmt.Errorf("register run %s: %w", in.RunID, err)
	}
	_ = r.store.AppendRunEvent(ctx, in.RunID, persistence.EventRunCreated, "", "", persistence.RunStatusPending, "")

	st := state.New(in.RunID, in.CaseID, in.Query, in.SecondaryTheory)
	if err := r.launch(ctx, st, persistence.EventRunStarted); err != nil {
		// The row was created above; a run that never launched must not sit
		// PENDING (or RUNNING, when the executor build failed) forever.
		r.mirrorTerminal(ctx, in.RunID, persistence.RunStatusFailed, err.Error())
		_ = r.store.AppendRunEvent(ctx, in.RunID, persistence.EventRunFailed, "", "", persistence.RunStatusFailed, "")
		return err
	}
	return nil
}

// launch transitions the mirror to RUNNING and starts the workflow goroutine.
func (r *Runner) launch(ctx context.Context, st *state.ResearchState, startEvent string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("runner is shut down")
	}
	if _, live := r.handles[st.RunID]; live {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunAlreadyLive, st.RunID)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), r.cfg.RunTimeout)
	h := &handle{
		runID:   st.RunID,
		caseID:  st.CaseID,
		signals: newRunSignals(),
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  StatusRunning,
	}
	h.observe(st)
	r.handles[st.RunID] = h
	r.mu.Unlock()

	if err := r.store.UpdateRunStatus(ctx, st.RunID, persistence.RunStatusRunning, ""); err != nil {
		r.drop(st.RunID)
		cancel()
		return fmt.Errorf("mark run running: %w", err)
	}
	_ = r.store.AppendRunEvent(ctx, st.RunID, startEvent, "", persistence.RunStatusPending, persistence.RunStatusRunning, "")

	exec, err := orchestrator.New(orchestrator.Config{
		Nodes:       r.cfg.Nodes,
		Checkpoints: r.store,
		Bus:         r.bus,
		Logger:      r.logger,
		Signals:     h.signals,
		OnCommit: func(snapshot *state.ResearchState) {
			h.observe(snapshot)
			r.reconcile(snapshot)
		},
	})
	if err != nil {
		r.drop(st.RunID)
		cancel()
		return fmt.Errorf("build executor: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		final, runErr := exec.Run(runCtx, st)
		h.observe(final)
		r.settle(h, final, runErr)
	}()
	return nil
}

// settle maps the executor outcome onto the handle and the mirror.
func (r *Runner) settle(h *handle, final *state.ResearchState, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var status Status
	switch {
	case runErr == nil:
		status = StatusCompleted
		r.mirrorTerminal(ctx, h.runID, persistence.RunStatusCompleted, "")
		_ = r.store.AppendRunEvent(ctx, h.runID, persistence.EventRunCompleted, "", persistence.RunStatusRunning, persistence.RunStatusCompleted, "")
	case errors.Is(runErr, orchestrator.ErrCancelled):
		status = StatusCancelled
		reason := h.reason()
		payload := ""
		if reason != "" {
			payload = fmt.Sprintf(`{"reason":%q}`, reason)
		}
		r.mirrorTerminal(ctx, h.runID, persistence.RunStatusCancelled, reason)
		_ = r.store.AppendRunEvent(ctx, h.runID, persistence.EventRunCancelled, "", "", persistence.RunStatusCancelled, payload)
	case errors.Is(runErr, context.DeadlineExceeded):
		status = StatusTerminated
		msg := fmt.Sprintf("run exceeded the %s hard timeout", r.cfg.RunTimeout)
		r.mirrorTerminal(ctx, h.runID, persistence.RunStatusFailed, msg)
		_ = r.store.AppendRunEvent(ctx, h.runID, persistence.EventRunFailed, "", "", persistence.RunStatusFailed, "")
	case errors.Is(runErr, context.Canceled):
		// Host shutdown: leave the mirror status alone so recovery relaunches
		// this run from its latest checkpoint on the next start.
		status = StatusTerminated
	default:
		status = StatusFailed
		r.mirrorTerminal(ctx, h.runID, persistence.RunStatusFailed, runErr.Error())
		_ = r.store.AppendRunEvent(ctx, h.runID, persistence.EventRunFailed, "", "", persistence.RunStatusFailed, "")
	}

	if final != nil {
		if err := r.store.SyncRunFromState(ctx, final); err != nil {
			r.logger.Warn("final mirror sync failed", "run_id", h.runID, "error", err)
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		r.logger.Error("run finished with error", "run_id", h.runID, "status", status, "error", runErr)
	} else {
		r.logger.Info("run finished", "run_id", h.runID, "status", status)
	}

	h.finish(status, runErr)
	r.drop(h.runID)
}

func (r *Runner) mirrorTerminal(ctx context.Context, runID string, to persistence.RunStatus, msg string) {
	if err := r.store.UpdateRunStatus(ctx, runID, to, msg); err != nil {
		r.logger.Warn("mirror terminal update failed", "run_id", runID, "status", to, "error", err)
	}
}

// reconcile pushes a committed snapshot into the mirror. Pause and resume
// surface here because the executor flips Status at checkpoint boundaries.
func (r *Runner) reconcile(snapshot *state.ResearchState) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.SyncRunFromState(ctx, snapshot); err != nil {
		r.logger.Warn("mirror sync failed", "run_id", snapshot.RunID, "error", err)
		return
	}
	switch snapshot.Status {
	case state.StatusPaused:
		if err := r.store.UpdateRunStatus(ctx, snapshot.RunID, persistence.RunStatusPaused, ""); err == nil {
			_ = r.store.AppendRunEvent(ctx, snapshot.RunID, persistence.EventRunPaused, "", persistence.RunStatusRunning, persistence.RunStatusPaused, "")
		}
	case state.StatusRunning:
		run, err := r.store.GetRun(ctx, snapshot.RunID)
		if err == nil && run.Status == persistence.RunStatusPaused {
			if err := r.store.UpdateRunStatus(ctx, snapshot.RunID, persistence.RunStatusRunning, ""); err == nil {
				_ = r.store.AppendRunEvent(ctx, snapshot.RunID, persistence.EventRunResumed, "", persistence.RunStatusPaused, persistence.RunStatusRunning, "")
			}
		}
	}
}

func (r *Runner) drop(runID string) {
	r.mu.Lock()
	delete(r.handles, runID)
	r.mu.Unlock()
}

func (r *Runner) live(runID string) (*handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[runID]
	return h, ok
}

// Pause requests a pause at the next node boundary. Any node already
// executing finishes and commits first.
func (r *Runner) Pause(ctx context.Context, runID string) error {
	h, ok := r.live(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotLive, runID)
	}
	h.signals.RequestPause()
	r.logger.Info("pause requested", "run_id", runID)
	return nil
}

// Resume wakes a paused run.
func (r *Runner) Resume(ctx context.Context, runID string) error {
	h, ok := r.live(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotLive, runID)
	}
	snapshot, _, _ := h.view()
	if snapshot == nil || snapshot.Status != state.StatusPaused {
		return fmt.Errorf("%w: %s", ErrNotPaused, runID)
	}
	h.signals.RequestResume()
	r.logger.Info("resume requested", "run_id", runID)
	return nil
}

// Cancel requests cancellation at the next node boundary, waking the run if
// it is paused. The reason, when given, lands on the mirror row and in the
// run.cancelled audit event. Returns ErrRunNotLive when no workflow is
// hosted; callers reconcile the mirror directly in that case.
func (r *Runner) Cancel(ctx context.Context, runID, reason string) error {
	h, ok := r.live(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotLive, runID)
	}
	if reason != "" {
		h.setCancelReason(reason)
	}
	h.signals.RequestCancel()
	r.logger.Info("cancel requested", "run_id", runID, "reason", reason)
	return nil
}

// Describe returns a cheap view of a run. Live runs answer from the latest
// committed snapshot; finished runs answer from the mirror row.
func (r *Runner) Describe(ctx context.Context, runID string) (*Description, error) {
	if h, ok := r.live(runID); ok {
		snapshot, status, runErr := h.view()
		d := &Description{
			RunID:  h.runID,
			CaseID: h.caseID,
			Status: status,
			Live:   true,
		}
		if snapshot != nil {
			d.Phase = string(snapshot.Phase)
			d.ProgressPct = snapshot.ProgressPct
			d.CurrentActivity = snapshot.CurrentAgent
			d.IsPaused = snapshot.Status == state.StatusPaused
			d.FindingsCount = snapshot.FindingsCount()
			d.CitationsCount = snapshot.CitationsCount()
			d.UpdatedAt = snapshot.UpdatedAt
		}
		if runErr != nil {
			d.Error = runErr.Error()
		}
		return d, nil
	}

	run, err := r.store.GetRun(ctx, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return &Description{
		RunID:           run.RunID,
		CaseID:          run.CaseID,
		Status:          Status(run.Status),
		Phase:           run.Phase,
		ProgressPct:     run.ProgressPct,
		CurrentActivity: run.CurrentActivity,
		IsPaused:        run.Status == persistence.RunStatusPaused,
		FindingsCount:   run.FindingsCount,
		CitationsCount:  run.CitationsCount,
		Error:           run.ErrorMessage,
		UpdatedAt:       run.UpdatedAt,
	}, nil
}

// Query returns the full research state of a run: the live snapshot when the
// workflow is hosted, otherwise the latest durable checkpoint.
func (r *Runner) Query(ctx context.Context, runID string) (*state.ResearchState, error) {
	if h, ok := r.live(runID); ok {
		snapshot, _, _ := h.view()
		if snapshot != nil {
			return snapshot.Clone(), nil
		}
	}
	st, _, err := r.store.GetLatestCheckpoint(ctx, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Recover relaunches RUNNING and PAUSED mirror runs from their latest
// checkpoint. Called once at daemon startup, before the gateway serves.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	active, err := r.store.ListActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}
	recovered := 0
	for _, run := range active {
		if _, live := r.live(run.RunID); live {
			continue
		}
		st, cp, err := r.store.GetLatestCheckpoint(ctx, run.RunID)
		if errors.Is(err, sql.ErrNoRows) {
			// Interrupted before the first checkpoint: restart from scratch.
			st = state.New(run.RunID, run.CaseID, run.Query, run.SecondaryTheory)
		} else if err != nil {
			r.logger.Error("recovery: checkpoint load failed", "run_id", run.RunID, "error", err)
			continue
		} else {
			r.logger.Info("recovery: resuming from checkpoint",
				"run_id", run.RunID, "seq", cp.Seq, "node", cp.Node, "phase", st.Phase)
		}
		if err := r.launch(ctx, st, persistence.EventRunRecovered); err != nil {
			r.logger.Error("recovery: relaunch failed", "run_id", run.RunID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		r.logger.Info("recovered interrupted runs", "count", recovered)
	}
	return recovered, nil
}

// WaitRun blocks until the run's workflow goroutine finishes. Test helper
// and drain support.
func (r *Runner) WaitRun(ctx context.Context, runID string) error {
	h, ok := r.live(runID)
	if !ok {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return nil
	}
}

// Shutdown stops accepting work and interrupts live runs. Interrupted runs
// keep their RUNNING mirror status and recover on the next start.
func (r *Runner) Shutdown(timeout time.Duration) {
	r.mu.Lock()
	r.closed = true
	var cancels []context.CancelFunc
	for _, h := range r.handles {
		cancels = append(cancels, h.cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("shutdown timeout: abandoning live workflows")
	}
}
