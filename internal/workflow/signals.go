package workflow

import (
	"context"
	"sync"

	"github.com/alliecatowo/legalease-ai/internal/orchestrator"
)

// runSignals delivers operator signals to one live executor. Signals are
// advisory: the executor observes them at node boundaries, never mid-node.
type runSignals struct {
	mu      sync.Mutex
	pending orchestrator.Signal
	paused  bool
	resume  chan orchestrator.Signal
}

func newRunSignals() *runSignals {
	return &runSignals{resume: make(chan orchestrator.Signal, 1)}
}

// RequestPause marks a pause for the next boundary check. A pending cancel
// always wins.
func (s *runSignals) RequestPause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != orchestrator.SignalCancel {
		s.pending = orchestrator.SignalPause
	}
}

// RequestCancel marks a cancel and wakes the run if it is paused.
func (s *runSignals) RequestCancel() {
	s.mu.Lock()
	s.pending = orchestrator.SignalCancel
	s.mu.Unlock()
	select {
	case s.resume <- orchestrator.SignalCancel:
	default:
	}
}

// RequestResume wakes a paused run. A resume while the run is not paused is
// a no-op; a buffered wake token here would silently undo the next pause.
func (s *runSignals) RequestResume() {
	s.mu.Lock()
	if s.pending == orchestrator.SignalPause {
		s.pending = orchestrator.SignalNone
		s.mu.Unlock()
		return
	}
	if !s.paused {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	select {
	case s.resume <- orchestrator.SignalNone:
	default:
	}
}

func (s *runSignals) Check() orchestrator.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig := s.pending
	s.pending = orchestrator.SignalNone
	if sig == orchestrator.SignalPause {
		s.paused = true
	}
	return sig
}

func (s *runSignals) WaitResume(ctx context.Context) (orchestrator.Signal, error) {
	select {
	case <-ctx.Done():
		return orchestrator.SignalNone, ctx.Err()
	case sig := <-s.resume:
		s.mu.Lock()
		s.paused = false
		s.mu.Unlock()
		return sig, nil
	}
}
