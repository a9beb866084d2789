package bus

// Research run event topics.
const (
	TopicRunStateChanged = "research.run.state_changed"
	TopicRunCompleted    = "research.run.completed"
	TopicRunFailed       = "research.run.failed"
	TopicRunCancelled    = "research.run.cancelled"
	TopicNodeStarted     = "research.node.started"
	TopicNodeCompleted   = "research.node.completed"
	TopicNodeFailed      = "research.node.failed"
	TopicCheckpointSaved = "research.checkpoint.saved"
)

// RunStateChangedEvent is published when a run's status or phase changes.
type RunStateChangedEvent struct {
	RunID     string // Run ID
	CaseID    string // Case ID
	OldStatus string // Previous status (e.g. RUNNING)
	NewStatus string // New status (e.g. PAUSED)
	Phase     string // Current phase
}

// NodeEvent is published when an agent node starts, completes, or fails.
type NodeEvent struct {
	RunID      string  // Run ID
	Node       string  // Agent node name
	Phase      string  // Phase the node belongs to
	Progress   float64 // Progress percent after the node committed
	DurationMs int64   // Node wall time (zero for started events)
	Error      string  // Failure detail (failed events only)
}

// CheckpointSavedEvent is published after a checkpoint commit.
type CheckpointSavedEvent struct {
	RunID        string // Run ID
	CheckpointID string // Checkpoint ID
	Sequence     int64  // Monotonic checkpoint sequence within the run
	Node         string // Node that produced the snapshot
}
