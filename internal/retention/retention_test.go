package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alliecatowo/legalease-ai/internal/persistence"
	"github.com/alliecatowo/legalease-ai/internal/state"
)

func seedTerminalRun(t *testing.T, store *persistence.Store, runID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateRun(ctx, runID, "case-1", "q", "", nil); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := store.UpdateRunStatus(ctx, runID, persistence.RunStatusRunning, ""); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	st := state.New(runID, "case-1", "q", "")
	for i := 0; i < 3; i++ {
		if _, _, err := store.Put(ctx, st, "discovery"); err != nil {
			t.Fatalf("checkpoint %d: %v", i, err)
		}
	}
	if err := store.AppendRunEvent(ctx, runID, persistence.EventRunStarted, "", persistence.RunStatusPending, persistence.RunStatusRunning, ""); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := store.UpdateRunStatus(ctx, runID, persistence.RunStatusCompleted, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestSweep(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	seedTerminalRun(t, store, "run-old")

	// The run completed just before the sweep, so a near-zero window puts it
	// past the cutoff.
	time.Sleep(10 * time.Millisecond)
	j, err := NewJanitor(Config{Store: store, Window: time.Nanosecond})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	j.Sweep(ctx)

	cps, err := store.ListCheckpoints(ctx, "run-old", 0)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(cps) != 1 {
		t.Errorf("checkpoints after sweep = %d, want only the final snapshot", len(cps))
	}
	events, err := store.ListRunEvents(ctx, "run-old", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events after sweep = %d, want 0", len(events))
	}
}

func TestSweep_KeepsRecentRuns(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	seedTerminalRun(t, store, "run-recent")

	j, err := NewJanitor(Config{Store: store, Window: 24 * time.Hour})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	j.Sweep(ctx)

	cps, _ := store.ListCheckpoints(ctx, "run-recent", 0)
	if len(cps) != 3 {
		t.Errorf("recent run pruned: %d checkpoints left", len(cps))
	}
}

func TestNewJanitor_InvalidSchedule(t *testing.T) {
	if _, err := NewJanitor(Config{Schedule: "not a cron expr"}); err == nil {
		t.Fatal("invalid schedule must be rejected")
	}
}

func TestStartStop(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	j, err := NewJanitor(Config{Store: store, Schedule: "* * * * *"})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	j.Start(context.Background())
	j.Stop()
}
