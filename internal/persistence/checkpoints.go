package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alliecatowo/legalease-ai/internal/bus"
	"github.com/alliecatowo/legalease-ai/internal/state"
	"github.com/google/uuid"
)

// Checkpoint is the metadata for one durable state snapshot. Blobs are
// loaded separately so listings stay cheap.
type Checkpoint struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int64     `json:"seq"`
	Node      string    `json:"node"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Put persists a snapshot as the next checkpoint in the run's sequence.
// Satisfies the executor's CheckpointWriter; a failed write keeps the
// sequence untouched so the executor can refuse to advance.
func (s *Store) Put(ctx context.Context, snapshot *state.ResearchState, node string) (string, int64, error) {
	if snapshot == nil {
		return "", 0, fmt.Errorf("checkpoint: nil snapshot")
	}
	if err := snapshot.Validate(); err != nil {
		return "", 0, fmt.Errorf("checkpoint: %w", err)
	}
	blob, err := state.Encode(snapshot)
	if err != nil {
		return "", 0, fmt.Errorf("checkpoint %s: %w", snapshot.RunID, err)
	}

	id := uuid.NewString()
	var seq int64
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE run_id = ?;`,
			snapshot.RunID,
		).Scan(&seq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (id, run_id, seq, node, blob, size_bytes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, id, snapshot.RunID, seq, node, blob, len(blob), time.Now().UTC()); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", 0, fmt.Errorf("write checkpoint for %s: %w", snapshot.RunID, err)
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicCheckpointSaved, bus.CheckpointSavedEvent{
			RunID:        snapshot.RunID,
			CheckpointID: id,
			Sequence:     seq,
			Node:         node,
		})
	}
	return id, seq, nil
}

// GetLatestCheckpoint returns the newest snapshot for a run.
// Returns sql.ErrNoRows when the run has no checkpoints.
func (s *Store) GetLatestCheckpoint(ctx context.Context, runID string) (*state.ResearchState, *Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, seq, node, blob, size_bytes, created_at
		FROM checkpoints WHERE run_id = ?
		ORDER BY seq DESC LIMIT 1;
	`, runID)

	var cp Checkpoint
	var blob []byte
	if err := row.Scan(&cp.ID, &cp.RunID, &cp.Seq, &cp.Node, &blob, &cp.SizeBytes, &cp.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, sql.ErrNoRows
		}
		return nil, nil, fmt.Errorf("load latest checkpoint for %s: %w", runID, err)
	}
	st, err := state.Decode(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("decode checkpoint %s: %w", cp.ID, err)
	}
	return st, &cp, nil
}

// ListCheckpoints returns checkpoint metadata for a run, oldest-first.
// A non-positive limit means no limit.
func (s *Store) ListCheckpoints(ctx context.Context, runID string, limit int) ([]*Checkpoint, error) {
	query := `
		SELECT id, run_id, seq, node, size_bytes, created_at
		FROM checkpoints WHERE run_id = ?
		ORDER BY seq ASC`
	args := []any{runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ID, &cp.RunID, &cp.Seq, &cp.Node, &cp.SizeBytes, &cp.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// PruneCheckpoints deletes all but the newest keep checkpoints of a run.
// The latest checkpoint is never deleted.
func (s *Store) PruneCheckpoints(ctx context.Context, runID string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	var pruned int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM checkpoints
			WHERE run_id = ? AND seq NOT IN (
				SELECT seq FROM checkpoints WHERE run_id = ?
				ORDER BY seq DESC LIMIT ?
			);
		`, runID, runID, keep)
		if err != nil {
			return err
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints for %s: %w", runID, err)
	}
	return pruned, nil
}

// PruneTerminalCheckpoints trims checkpoint history for terminal runs that
// finished before the cutoff, keeping only the final snapshot of each.
func (s *Store) PruneTerminalCheckpoints(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM research_runs
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?;
	`, RunStatusCompleted, RunStatusFailed, RunStatusCancelled, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("select terminal runs: %w", err)
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		runIDs = append(runIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var total int64
	for _, id := range runIDs {
		n, err := s.PruneCheckpoints(ctx, id, 1)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
