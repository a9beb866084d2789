package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alliecatowo/legalease-ai/internal/bus"
	"github.com/alliecatowo/legalease-ai/internal/state"
)

// RunStatus is the lifecycle status of a research run as seen by readers.
// The mirror is eventually consistent with the live workflow state; the
// workflow is the source of truth while a run is executing.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusPaused    RunStatus = "PAUSED"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status ends the run.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

var allowedRunTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunStatusPending: {
		RunStatusRunning:   {},
		RunStatusFailed:    {},
		RunStatusCancelled: {},
	},
	RunStatusRunning: {
		RunStatusPaused:    {},
		RunStatusCompleted: {},
		RunStatusFailed:    {},
		RunStatusCancelled: {},
	},
	RunStatusPaused: {
		RunStatusRunning:   {},
		RunStatusFailed:    {}, // Recovery gave up.
		RunStatusCancelled: {},
	},
}

// CanTransition reports whether from -> to is a legal mirror transition.
// Same-status writes are always allowed so reconciliation is idempotent.
func CanTransition(from, to RunStatus) bool {
	if from == to {
		return true
	}
	next, ok := allowedRunTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ResearchRun is the durable read-model row for one research run.
type ResearchRun struct {
	RunID           string            `json:"run_id"`
	CaseID          string            `json:"case_id"`
	Query           string            `json:"query"`
	SecondaryTheory string            `json:"secondary_theory,omitempty"`
	Status          RunStatus         `json:"status"`
	Phase           string            `json:"phase"`
	ProgressPct     float64           `json:"progress_pct"`
	CurrentActivity string            `json:"current_activity,omitempty"`
	FindingsCount   int               `json:"findings_count"`
	CitationsCount  int               `json:"citations_count"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// CreateRun inserts a new PENDING run row.
func (s *Store) CreateRun(ctx context.Context, runID, caseID, query, secondaryTheory string, metadata map[string]string) (*ResearchRun, error) {
	if runID == "" || caseID == "" {
		return nil, fmt.Errorf("create run: run id and case id are required")
	}
	meta := "{}"
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal run metadata: %w", err)
		}
		meta = string(raw)
	}
	now := time.Now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO research_runs (run_id, case_id, query, secondary_theory, status, phase, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, runID, caseID, query, secondaryTheory, RunStatusPending, state.PhaseDiscovery, meta, now, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return s.GetRun(ctx, runID)
}

// GetRun loads one run row. Returns sql.ErrNoRows when absent.
func (s *Store) GetRun(ctx context.Context, runID string) (*ResearchRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, case_id, query, secondary_theory, status, phase, progress_pct,
		       current_activity, findings_count, citations_count, error_message, metadata,
		       created_at, updated_at, completed_at
		FROM research_runs WHERE run_id = ?;
	`, runID)
	return scanRun(row)
}

// ListRuns returns runs newest-first, optionally filtered by case and status.
// A non-positive limit means no limit.
func (s *Store) ListRuns(ctx context.Context, caseID string, status RunStatus, limit int) ([]*ResearchRun, error) {
	query := `
		SELECT run_id, case_id, query, secondary_theory, status, phase, progress_pct,
		       current_activity, findings_count, citations_count, error_message, metadata,
		       created_at, updated_at, completed_at
		FROM research_runs WHERE 1=1`
	var args []any
	if caseID != "" {
		query += " AND case_id = ?"
		args = append(args, caseID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, run_id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*ResearchRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListActiveRuns returns RUNNING and PAUSED runs, oldest-first. Used by
// crash recovery to decide which runs to relaunch from their checkpoints.
func (s *Store) ListActiveRuns(ctx context.Context) ([]*ResearchRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, case_id, query, secondary_theory, status, phase, progress_pct,
		       current_activity, findings_count, citations_count, error_message, metadata,
		       created_at, updated_at, completed_at
		FROM research_runs
		WHERE status IN (?, ?)
		ORDER BY created_at ASC;
	`, RunStatusRunning, RunStatusPaused)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()

	var out []*ResearchRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// UpdateRunStatus moves a run to a new status, validating the transition
// against the mirror state machine. Terminal statuses set completed_at.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, to RunStatus, errorMessage string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !CanTransition(run.Status, to) {
		return fmt.Errorf("invalid run transition %s -> %s for %s", run.Status, to, runID)
	}
	now := time.Now().UTC()
	var completedAt any
	if to.Terminal() {
		completedAt = now
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE research_runs
			SET status = ?, error_message = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
			WHERE run_id = ?;
		`, to, errorMessage, now, completedAt, runID)
		return err
	})
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if s.bus != nil && run.Status != to {
		s.bus.Publish(bus.TopicRunStateChanged, bus.RunStateChangedEvent{
			RunID:     runID,
			CaseID:    run.CaseID,
			OldStatus: string(run.Status),
			NewStatus: string(to),
			Phase:     run.Phase,
		})
	}
	return nil
}

// SyncRunFromState reconciles the mirror row from a workflow state snapshot.
// Progress and counts never regress: the mirror lags the live state but a
// reader polling it must not see numbers move backwards.
func (s *Store) SyncRunFromState(ctx context.Context, st *state.ResearchState) error {
	if st == nil {
		return fmt.Errorf("sync run: nil state")
	}
	errMsg := ""
	if n := len(st.ErrorLog); n > 0 {
		errMsg = st.ErrorLog[n-1].Message
	}
	now := time.Now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE research_runs
			SET phase = ?,
			    progress_pct = MAX(progress_pct, ?),
			    current_activity = ?,
			    findings_count = MAX(findings_count, ?),
			    citations_count = MAX(citations_count, ?),
			    error_message = ?,
			    updated_at = ?
			WHERE run_id = ?;
		`, st.Phase, st.ProgressPct, st.CurrentAgent, st.FindingsCount(), st.CitationsCount(), errMsg, now, st.RunID)
		return err
	})
	if err != nil {
		return fmt.Errorf("sync run %s: %w", st.RunID, err)
	}
	return nil
}

// SetRunMetadata replaces the metadata bag on a run.
func (s *Store) SetRunMetadata(ctx context.Context, runID string, metadata map[string]string) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE research_runs SET metadata = ?, updated_at = ? WHERE run_id = ?;
		`, string(raw), time.Now().UTC(), runID)
		return err
	})
}

// DeleteRun removes a run row with its checkpoints and events.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?;`, runID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM run_events WHERE run_id = ?;`, runID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM research_runs WHERE run_id = ?;`, runID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*ResearchRun, error) {
	var run ResearchRun
	var meta string
	var completedAt sql.NullTime
	err := row.Scan(
		&run.RunID, &run.CaseID, &run.Query, &run.SecondaryTheory,
		&run.Status, &run.Phase, &run.ProgressPct,
		&run.CurrentActivity, &run.FindingsCount, &run.CitationsCount,
		&run.ErrorMessage, &meta,
		&run.CreatedAt, &run.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &run.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal run metadata: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		run.CompletedAt = &t
	}
	return &run, nil
}
