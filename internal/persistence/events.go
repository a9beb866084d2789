package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/alliecatowo/legalease-ai/internal/shared"
)

// Run event types recorded in the audit trail.
const (
	EventRunCreated     = "run.created"
	EventRunStarted     = "run.started"
	EventRunPaused      = "run.paused"
	EventRunResumed     = "run.resumed"
	EventRunCompleted   = "run.completed"
	EventRunFailed      = "run.failed"
	EventRunCancelled   = "run.cancelled"
	EventRunRecovered   = "run.recovered"
	EventNodeCompleted  = "node.completed"
	EventNodeFailed     = "node.failed"
	EventCheckpointSave = "checkpoint.saved"
)

// RunEvent is one row of the append-only run audit trail.
type RunEvent struct {
	EventID    int64     `json:"event_id"`
	RunID      string    `json:"run_id"`
	EventType  string    `json:"event_type"`
	Node       string    `json:"node,omitempty"`
	StatusFrom string    `json:"status_from,omitempty"`
	StatusTo   string    `json:"status_to,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AppendRunEvent records one audit event. The trace id is taken from the
// context so operator actions and workflow commits correlate in the log.
func (s *Store) AppendRunEvent(ctx context.Context, runID, eventType, node string, statusFrom, statusTo RunStatus, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO run_events (run_id, event_type, node, status_from, status_to, payload, trace_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, runID, eventType, node, statusFrom, statusTo, payload, shared.TraceID(ctx), time.Now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("append run event %s for %s: %w", eventType, runID, err)
	}
	return nil
}

// ListRunEvents returns a run's audit trail oldest-first. A non-positive
// limit means no limit.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]*RunEvent, error) {
	query := `
		SELECT event_id, run_id, event_type, node, status_from, status_to, payload, trace_id, created_at
		FROM run_events WHERE run_id = ?
		ORDER BY event_id ASC`
	args := []any{runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list run events for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []*RunEvent
	for rows.Next() {
		var ev RunEvent
		if err := rows.Scan(&ev.EventID, &ev.RunID, &ev.EventType, &ev.Node,
			&ev.StatusFrom, &ev.StatusTo, &ev.Payload, &ev.TraceID, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// PruneRunEvents deletes audit rows older than the cutoff for terminal runs.
func (s *Store) PruneRunEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM run_events
			WHERE created_at < ? AND run_id IN (
				SELECT run_id FROM research_runs WHERE status IN (?, ?, ?)
			);
		`, cutoff.UTC(), RunStatusCompleted, RunStatusFailed, RunStatusCancelled)
		if err != nil {
			return err
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune run events: %w", err)
	}
	return pruned, nil
}
