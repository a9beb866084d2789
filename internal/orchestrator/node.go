// Package orchestrator drives the fixed research phase graph: it schedules
// agent nodes over a dynamic frontier, merges their partial updates through
// the state reducers in a deterministic commit order, and checkpoints after
// every node.
package orchestrator

import (
	"context"

	"github.com/alliecatowo/legalease-ai/internal/state"
)

// AgentNode is one unit of work in the phase graph. A node reads a state
// snapshot and returns a partial update; it never mutates the snapshot.
// Writes declares the state fields the node is permitted to touch; an
// update outside that set is rejected and the node marked failed.
type AgentNode interface {
	Name() string
	Writes() []state.Field
	Run(ctx context.Context, snapshot *state.ResearchState) (*state.Update, error)
}

// CheckpointWriter persists a full state snapshot after a node commits.
// The executor does not advance past a node until the write is confirmed.
type CheckpointWriter interface {
	Put(ctx context.Context, snapshot *state.ResearchState, node string) (checkpointID string, seq int64, err error)
}

// Signal is an advisory lifecycle instruction observed at node boundaries.
type Signal int

const (
	SignalNone Signal = iota
	SignalPause
	SignalCancel
)

// SignalSource delivers pause/resume/cancel signals to a running executor.
// Check is non-blocking and called between node commits; WaitResume blocks a
// paused run until a resume or cancel arrives.
type SignalSource interface {
	Check() Signal
	WaitResume(ctx context.Context) (Signal, error)
}

// nopSignals is used when no controller is attached (tests, one-shot runs).
type nopSignals struct{}

func (nopSignals) Check() Signal { return SignalNone }

func (nopSignals) WaitResume(ctx context.Context) (Signal, error) { return SignalNone, nil }
