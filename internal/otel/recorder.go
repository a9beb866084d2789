package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/alliecatowo/legalease-ai/internal/bus"
)

// Recorder feeds the metric instruments from engine bus events so the
// executor and runner stay free of telemetry plumbing.
type Recorder struct {
	metrics *Metrics
	sub     *bus.Subscription
	eng     *bus.Bus
	done    chan struct{}
}

// NewRecorder subscribes to all research topics and records metrics until
// Stop is called.
func NewRecorder(eng *bus.Bus, metrics *Metrics) *Recorder {
	r := &Recorder{
		metrics: metrics,
		sub:     eng.Subscribe("research."),
		eng:     eng,
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) Stop() {
	r.eng.Unsubscribe(r.sub)
	<-r.done
}

func (r *Recorder) loop() {
	defer close(r.done)
	ctx := context.Background()
	for ev := range r.sub.Ch() {
		switch ev.Topic {
		case bus.TopicRunStateChanged:
			sc, ok := ev.Payload.(bus.RunStateChangedEvent)
			if !ok {
				continue
			}
			r.recordTransition(ctx, sc)
		case bus.TopicNodeCompleted:
			ne, ok := ev.Payload.(bus.NodeEvent)
			if !ok {
				continue
			}
			r.metrics.NodeDuration.Record(ctx,
				time.Duration(ne.DurationMs*int64(time.Millisecond)).Seconds(),
				metric.WithAttributes(attribute.String("node", ne.Node)))
		case bus.TopicNodeFailed:
			ne, ok := ev.Payload.(bus.NodeEvent)
			if !ok {
				continue
			}
			r.metrics.NodeFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("node", ne.Node)))
		case bus.TopicCheckpointSaved:
			r.metrics.CheckpointsSaved.Add(ctx, 1)
		}
	}
}

func (r *Recorder) recordTransition(ctx context.Context, sc bus.RunStateChangedEvent) {
	switch sc.NewStatus {
	case "RUNNING":
		if sc.OldStatus == "PENDING" {
			r.metrics.RunsStarted.Add(ctx, 1)
			r.metrics.ActiveRuns.Add(ctx, 1)
		}
	case "COMPLETED":
		r.metrics.RunsCompleted.Add(ctx, 1)
		r.metrics.ActiveRuns.Add(ctx, -1)
	case "FAILED":
		r.metrics.RunsFailed.Add(ctx, 1)
		r.metrics.ActiveRuns.Add(ctx, -1)
	case "CANCELLED":
		r.metrics.RunsCancelled.Add(ctx, 1)
		r.metrics.ActiveRuns.Add(ctx, -1)
	}
}
