package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alliecatowo/legalease-ai/internal/bus"
	"github.com/alliecatowo/legalease-ai/internal/state"
)

// ErrCancelled is returned by Run when a cancel signal is observed at a node
// boundary. The state checkpointed before returning is the resume point if
// the cancellation is ever audited.
var ErrCancelled = errors.New("run cancelled")

// executorOwned is the field set the executor itself writes when recording
// node failures and lifecycle transitions.
var executorOwned = append([]state.Field{state.FieldErrorLog}, state.ControlFields...)

// Config holds the executor's collaborators. Nodes must cover the full fixed
// topology; Bus, Signals, and OnCommit are optional.
type Config struct {
	Nodes       []AgentNode
	Checkpoints CheckpointWriter
	Bus         *bus.Bus
	Logger      *slog.Logger
	Signals     SignalSource

	// OnCommit observes every committed snapshot (post-checkpoint). Used by
	// the workflow runner to keep its queryable snapshot fresh.
	OnCommit func(*state.ResearchState)
}

// Executor walks the phase graph with a dynamic frontier: at each step it
// runs every eligible node (in parallel within a fan-out level), applies the
// partial updates one at a time in declaration order, and checkpoints after
// each merge.
type Executor struct {
	nodes       map[string]AgentNode
	checkpoints CheckpointWriter
	bus         *bus.Bus
	logger      *slog.Logger
	signals     SignalSource
	onCommit    func(*state.ResearchState)
}

// New validates that cfg covers the fixed topology and builds an executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("executor requires a checkpoint writer")
	}
	nodes := make(map[string]AgentNode, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if _, dup := nodes[n.Name()]; dup {
			return nil, fmt.Errorf("duplicate node %q", n.Name())
		}
		if _, known := nodePhase[n.Name()]; !known {
			return nil, fmt.Errorf("node %q is not part of the phase topology", n.Name())
		}
		nodes[n.Name()] = n
	}
	for _, name := range nodeOrder {
		if _, ok := nodes[name]; !ok {
			return nil, fmt.Errorf("topology node %q has no implementation", name)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	signals := cfg.Signals
	if signals == nil {
		signals = nopSignals{}
	}
	return &Executor{
		nodes:       nodes,
		checkpoints: cfg.Checkpoints,
		bus:         cfg.Bus,
		logger:      logger,
		signals:     signals,
		onCommit:    cfg.OnCommit,
	}, nil
}

type nodeResult struct {
	update   *state.Update
	err      error
	duration time.Duration
}

// Run executes the graph from the given state until the terminal node
// completes, a mandatory node fails, or a cancel signal is observed. The
// state may come from New or from a restored checkpoint; completed nodes are
// never re-run on resume.
func (e *Executor) Run(ctx context.Context, st *state.ResearchState) (*state.ResearchState, error) {
	if err := st.Validate(); err != nil {
		return st, err
	}

	completed := make(map[string]bool, len(st.CompletedNodes))
	for _, n := range st.CompletedNodes {
		completed[n] = true
	}
	failed := make(map[string]bool)
	skipped := make(map[string]bool)

	// A run resumed while paused stays paused until a resume signal arrives.
	if st.Status == state.StatusPaused {
		var err error
		st, err = e.awaitResume(ctx, st)
		if err != nil {
			return st, err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		switch e.signals.Check() {
		case SignalCancel:
			return e.cancel(ctx, st)
		case SignalPause:
			var err error
			st, err = e.pause(ctx, st)
			if err != nil {
				return st, err
			}
		}

		frontier := e.frontier(st, completed, failed, skipped)
		if len(frontier) == 0 {
			if completed[NodeSynthesis] {
				return e.finalize(ctx, st)
			}
			return st, fmt.Errorf("no eligible nodes with synthesis incomplete (run %s)", st.RunID)
		}

		results := e.executeLevel(ctx, frontier, st)

		// Merge application is strictly serialized in declaration order,
		// even though node execution above was parallel.
		for _, name := range frontier {
			res := results[name]
			node := e.nodes[name]

			var merged *state.ResearchState
			if res.err == nil {
				var applyErr error
				merged, applyErr = state.Apply(st, res.update, node.Writes())
				if applyErr != nil {
					res.err = applyErr
				}
			}

			if res.err != nil {
				var err error
				st, err = e.commitNodeFailure(ctx, st, name, res.err)
				if err != nil {
					return st, err
				}
				failed[name] = true
				if mandatoryPath[name] {
					return st, fmt.Errorf("mandatory node %s failed: %w", name, res.err)
				}
				e.logger.Warn("optional node failed, branch output absent",
					"run_id", st.RunID, "node", name, "error", res.err)
				continue
			}

			completed[name] = true
			st = merged

			var err error
			st, err = e.commitNodeSuccess(ctx, st, name, completed, res.duration)
			if err != nil {
				// Checkpoint write failure: the node's progress is not
				// durable, so do not advance past it.
				completed[name] = false
				return st, err
			}
		}
	}
}

// frontier returns the nodes whose predecessors are all settled and whose
// routing predicate admits them. Nodes failing their predicate are marked
// skipped, which settles them for downstream fan-in.
func (e *Executor) frontier(st *state.ResearchState, completed, failed, skipped map[string]bool) []string {
	settled := func(n string) bool {
		return completed[n] || skipped[n] || (failed[n] && !mandatoryPath[n])
	}
	var out []string
	for _, n := range nodeOrder {
		if completed[n] || failed[n] || skipped[n] {
			continue
		}
		ready := true
		for _, p := range predecessors[n] {
			if !settled(p) {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if !Scheduled(n, st) {
			skipped[n] = true
			e.logger.Info("node skipped: empty inventory", "run_id", st.RunID, "node", n)
			continue
		}
		out = append(out, n)
	}
	return out
}

// executeLevel runs all frontier nodes concurrently against private clones of
// the current snapshot and collects their results.
func (e *Executor) executeLevel(ctx context.Context, frontier []string, st *state.ResearchState) map[string]nodeResult {
	results := make(map[string]nodeResult, len(frontier))
	done := make(chan struct{})
	type keyed struct {
		name string
		res  nodeResult
	}
	ch := make(chan keyed, len(frontier))

	for _, name := range frontier {
		node := e.nodes[name]
		e.publish(bus.TopicNodeStarted, bus.NodeEvent{
			RunID:    st.RunID,
			Node:     name,
			Phase:    string(nodePhase[name]),
			Progress: st.ProgressPct,
		})
		go func(name string, node AgentNode, snapshot *state.ResearchState) {
			start := time.Now()
			upd, err := node.Run(ctx, snapshot)
			if err == nil && upd == nil {
				upd = &state.Update{}
			}
			ch <- keyed{name: name, res: nodeResult{update: upd, err: err, duration: time.Since(start)}}
		}(name, node, st.Clone())
	}

	go func() {
		for range frontier {
			k := <-ch
			results[k.name] = k.res
		}
		close(done)
	}()
	<-done
	return results
}

func (e *Executor) commitNodeSuccess(ctx context.Context, st *state.ResearchState, name string, completed map[string]bool, dur time.Duration) (*state.ResearchState, error) {
	completedAnalysts := 0
	for _, a := range analystNodes {
		if completed[a] {
			completedAnalysts++
		}
	}
	phase := nodePhase[name]
	progress := progressAfter(name, st, completedAnalysts, len(ScheduledAnalysts(st)))
	agent := name

	next, err := state.Apply(st, &state.Update{
		Phase:          &phase,
		ProgressPct:    &progress,
		CurrentAgent:   &agent,
		CompletedNodes: []string{name},
	}, state.ControlFields)
	if err != nil {
		return st, fmt.Errorf("commit control update for %s: %w", name, err)
	}

	cpID, seq, err := e.checkpoints.Put(ctx, next, name)
	if err != nil {
		return st, fmt.Errorf("checkpoint after %s: %w", name, err)
	}

	e.logger.Info("node committed",
		"run_id", next.RunID, "node", name, "phase", next.Phase,
		"progress_pct", next.ProgressPct, "checkpoint", cpID, "duration_ms", dur.Milliseconds())
	e.publish(bus.TopicNodeCompleted, bus.NodeEvent{
		RunID:      next.RunID,
		Node:       name,
		Phase:      string(next.Phase),
		Progress:   next.ProgressPct,
		DurationMs: dur.Milliseconds(),
	})
	e.publish(bus.TopicCheckpointSaved, bus.CheckpointSavedEvent{
		RunID:        next.RunID,
		CheckpointID: cpID,
		Sequence:     seq,
		Node:         name,
	})
	e.observe(next)
	return next, nil
}

func (e *Executor) commitNodeFailure(ctx context.Context, st *state.ResearchState, name string, cause error) (*state.ResearchState, error) {
	upd := &state.Update{
		ErrorLog: []state.ErrorEntry{{
			Node:       name,
			Message:    cause.Error(),
			OccurredAt: time.Now().UTC(),
		}},
	}
	if mandatoryPath[name] {
		failedStatus := state.StatusFailed
		upd.Status = &failedStatus
	}
	next, err := state.Apply(st, upd, executorOwned)
	if err != nil {
		return st, fmt.Errorf("record failure of %s: %w", name, err)
	}
	if _, _, err := e.checkpoints.Put(ctx, next, name); err != nil {
		return st, fmt.Errorf("checkpoint failure of %s: %w", name, err)
	}
	e.publish(bus.TopicNodeFailed, bus.NodeEvent{
		RunID: next.RunID,
		Node:  name,
		Phase: string(next.Phase),
		Error: cause.Error(),
	})
	e.observe(next)
	return next, nil
}

// pause commits a PAUSED snapshot, then blocks until resume or cancel.
func (e *Executor) pause(ctx context.Context, st *state.ResearchState) (*state.ResearchState, error) {
	paused := state.StatusPaused
	next, err := state.Apply(st, &state.Update{Status: &paused}, state.ControlFields)
	if err != nil {
		return st, fmt.Errorf("apply pause: %w", err)
	}
	if _, _, err := e.checkpoints.Put(ctx, next, checkpointPause); err != nil {
		return st, fmt.Errorf("checkpoint pause: %w", err)
	}
	e.logger.Info("run paused at node boundary", "run_id", next.RunID, "phase", next.Phase)
	e.publishStateChange(st, next)
	e.observe(next)
	return e.awaitResume(ctx, next)
}

func (e *Executor) awaitResume(ctx context.Context, st *state.ResearchState) (*state.ResearchState, error) {
	sig, err := e.signals.WaitResume(ctx)
	if err != nil {
		return st, err
	}
	if sig == SignalCancel {
		return e.cancel(ctx, st)
	}
	running := state.StatusRunning
	next, err := state.Apply(st, &state.Update{Status: &running}, state.ControlFields)
	if err != nil {
		return st, fmt.Errorf("apply resume: %w", err)
	}
	if _, _, err := e.checkpoints.Put(ctx, next, checkpointResume); err != nil {
		return st, fmt.Errorf("checkpoint resume: %w", err)
	}
	e.logger.Info("run resumed", "run_id", next.RunID, "phase", next.Phase)
	e.publishStateChange(st, next)
	e.observe(next)
	return next, nil
}

// cancel records the cancellation and returns ErrCancelled. The terminal
// CANCELLED status lives on the engine/mirror side; the checkpointed state
// keeps its last status so an audit sees where the run stopped.
func (e *Executor) cancel(ctx context.Context, st *state.ResearchState) (*state.ResearchState, error) {
	next, err := state.Apply(st, &state.Update{
		ErrorLog: []state.ErrorEntry{{
			Node:       "executor",
			Message:    "run cancelled by operator",
			OccurredAt: time.Now().UTC(),
		}},
	}, executorOwned)
	if err != nil {
		return st, fmt.Errorf("record cancel: %w", err)
	}
	if _, _, err := e.checkpoints.Put(ctx, next, checkpointCancel); err != nil {
		return st, fmt.Errorf("checkpoint cancel: %w", err)
	}
	e.publish(bus.TopicRunCancelled, bus.RunStateChangedEvent{
		RunID:     next.RunID,
		CaseID:    next.CaseID,
		OldStatus: string(st.Status),
		NewStatus: "CANCELLED",
		Phase:     string(next.Phase),
	})
	e.observe(next)
	return next, ErrCancelled
}

func (e *Executor) finalize(ctx context.Context, st *state.ResearchState) (*state.ResearchState, error) {
	completedPhase := state.PhaseCompleted
	completedStatus := state.StatusCompleted
	full := 100.0
	none := ""
	next, err := state.Apply(st, &state.Update{
		Phase:        &completedPhase,
		Status:       &completedStatus,
		ProgressPct:  &full,
		CurrentAgent: &none,
	}, state.ControlFields)
	if err != nil {
		return st, fmt.Errorf("finalize: %w", err)
	}
	if _, _, err := e.checkpoints.Put(ctx, next, checkpointComplete); err != nil {
		return st, fmt.Errorf("checkpoint completion: %w", err)
	}
	e.logger.Info("run completed", "run_id", next.RunID,
		"findings", next.FindingsCount(), "citations", next.CitationsCount())
	e.publish(bus.TopicRunCompleted, bus.RunStateChangedEvent{
		RunID:     next.RunID,
		CaseID:    next.CaseID,
		OldStatus: string(st.Status),
		NewStatus: string(next.Status),
		Phase:     string(next.Phase),
	})
	e.observe(next)
	return next, nil
}

func (e *Executor) publishStateChange(old, next *state.ResearchState) {
	e.publish(bus.TopicRunStateChanged, bus.RunStateChangedEvent{
		RunID:     next.RunID,
		CaseID:    next.CaseID,
		OldStatus: string(old.Status),
		NewStatus: string(next.Status),
		Phase:     string(next.Phase),
	})
}

func (e *Executor) publish(topic string, payload interface{}) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}

func (e *Executor) observe(st *state.ResearchState) {
	if e.onCommit != nil {
		e.onCommit(st)
	}
}
