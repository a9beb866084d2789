package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the engine's metric instruments.
type Metrics struct {
	RunsStarted      metric.Int64Counter
	RunsCompleted    metric.Int64Counter
	RunsFailed       metric.Int64Counter
	RunsCancelled    metric.Int64Counter
	ActiveRuns       metric.Int64UpDownCounter
	NodeDuration     metric.Float64Histogram
	NodeFailures     metric.Int64Counter
	CheckpointsSaved metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("legalease.runs.started",
		metric.WithDescription("Research runs started"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("legalease.runs.completed",
		metric.WithDescription("Research runs finished successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("legalease.runs.failed",
		metric.WithDescription("Research runs that ended in failure"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsCancelled, err = meter.Int64Counter("legalease.runs.cancelled",
		metric.WithDescription("Research runs cancelled by an operator"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("legalease.runs.active",
		metric.WithDescription("Research runs currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.NodeDuration, err = meter.Float64Histogram("legalease.node.duration",
		metric.WithDescription("Agent node wall time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.NodeFailures, err = meter.Int64Counter("legalease.node.failures",
		metric.WithDescription("Agent node failures"),
	)
	if err != nil {
		return nil, err
	}

	m.CheckpointsSaved, err = meter.Int64Counter("legalease.checkpoints.saved",
		metric.WithDescription("Checkpoints committed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
