package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alliecatowo/legalease-ai/internal/orchestrator"
)

func TestSignals_PauseThenResume(t *testing.T) {
	s := newRunSignals()
	s.RequestPause()
	if got := s.Check(); got != orchestrator.SignalPause {
		t.Fatalf("check = %v, want pause", got)
	}

	done := make(chan orchestrator.Signal, 1)
	go func() {
		sig, _ := s.WaitResume(context.Background())
		done <- sig
	}()
	time.Sleep(10 * time.Millisecond)
	s.RequestResume()

	select {
	case sig := <-done:
		if sig != orchestrator.SignalNone {
			t.Errorf("resumed with %v", sig)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resume never woke the waiter")
	}
}

func TestSignals_ResumeBeforeCheckClearsPause(t *testing.T) {
	s := newRunSignals()
	s.RequestPause()
	s.RequestResume()
	if got := s.Check(); got != orchestrator.SignalNone {
		t.Errorf("check after resume = %v, want none", got)
	}
}

func TestSignals_DuplicateResumeDoesNotUndoNextPause(t *testing.T) {
	s := newRunSignals()

	// First pause/resume cycle.
	s.RequestPause()
	if got := s.Check(); got != orchestrator.SignalPause {
		t.Fatalf("check = %v, want pause", got)
	}
	s.RequestResume()
	if sig, err := s.WaitResume(context.Background()); err != nil || sig != orchestrator.SignalNone {
		t.Fatalf("wait resume: %v %v", sig, err)
	}

	// A second resume while the run is not paused must not buffer a wake
	// token for the next pause to consume.
	s.RequestResume()

	s.RequestPause()
	if got := s.Check(); got != orchestrator.SignalPause {
		t.Fatalf("second check = %v, want pause", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if sig, err := s.WaitResume(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stale token woke the pause: %v %v", sig, err)
	}
}

func TestSignals_CancelWakesPausedRun(t *testing.T) {
	s := newRunSignals()
	s.RequestPause()
	if got := s.Check(); got != orchestrator.SignalPause {
		t.Fatalf("check = %v, want pause", got)
	}

	s.RequestCancel()
	sig, err := s.WaitResume(context.Background())
	if err != nil {
		t.Fatalf("wait resume: %v", err)
	}
	if sig != orchestrator.SignalCancel {
		t.Errorf("paused run woken with %v, want cancel", sig)
	}
}

func TestSignals_CancelWinsOverPause(t *testing.T) {
	s := newRunSignals()
	s.RequestCancel()
	s.RequestPause()
	if got := s.Check(); got != orchestrator.SignalCancel {
		t.Errorf("check = %v, want cancel", got)
	}
}
