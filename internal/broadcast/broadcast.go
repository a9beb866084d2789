// Package broadcast turns run progress into a stream of typed events for
// subscribers (websocket clients, the watch TUI). It polls the workflow
// layer rather than hooking the executor, so a slow consumer can never slow
// a run down.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alliecatowo/legalease-ai/internal/workflow"
)

// EventType is the wire-level kind of a progress event.
type EventType string

const (
	EventStatus      EventType = "status"
	EventProgress    EventType = "progress"
	EventPhaseChange EventType = "phase_change"
	EventCompleted   EventType = "completed"
	EventError       EventType = "error"
)

// Data is the payload carried by every event.
type Data struct {
	Phase           string  `json:"phase"`
	ProgressPct     float64 `json:"progress_pct"`
	CurrentActivity string  `json:"current_activity,omitempty"`
	FindingsCount   int     `json:"findings_count"`
	CitationsCount  int     `json:"citations_count"`
	IsPaused        bool    `json:"is_paused"`
	IsCancelled     bool    `json:"is_cancelled"`
	Error           string  `json:"error,omitempty"`
}

// Event is one typed progress event for a run.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Data      Data      `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber receives events for one run. A Send error marks the subscriber
// dead; it is pruned and closed. Close is called exactly once.
type Subscriber interface {
	Send(ev Event) error
	Close()
}

// Describer is the slice of the workflow runner the broadcaster needs.
type Describer interface {
	Describe(ctx context.Context, runID string) (*workflow.Description, error)
}

type Config struct {
	PollInterval       time.Duration // live runs, default 2s
	PausedPollInterval time.Duration // paused runs, default 10s
	ProgressThreshold  float64       // minimum delta for a progress event, default 1.0
	Logger             *slog.Logger
}

type Broadcaster struct {
	describer Describer
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
}

func New(describer Describer, cfg Config) *Broadcaster {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PausedPollInterval <= 0 {
		cfg.PausedPollInterval = 10 * time.Second
	}
	if cfg.ProgressThreshold <= 0 {
		cfg.ProgressThreshold = 1.0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broadcaster{
		describer: describer,
		cfg:       cfg,
		logger:    cfg.Logger,
		watchers:  map[string]*watcher{},
	}
}

// Subscribe attaches a subscriber to a run's event stream. The current
// status is delivered immediately; the returned func detaches the
// subscriber (idempotent).
func (b *Broadcaster) Subscribe(ctx context.Context, runID string, sub Subscriber) (func(), error) {
	d, err := b.describer.Describe(ctx, runID)
	if err != nil {
		return nil, err
	}

	// A run already finished gets its status and terminal event immediately
	// so the client can close cleanly instead of waiting on a dead stream.
	if terminal(d.Status) {
		if err := sub.Send(statusEvent(runID, d)); err == nil {
			_ = sub.Send(terminalEvent(runID, d))
		}
		sub.Close()
		return func() {}, nil
	}

	// A fetched watcher can be finishing concurrently; add refuses once its
	// loop has exited, so retry until a live one accepts the subscriber.
	var w *watcher
	for {
		b.mu.Lock()
		cur, ok := b.watchers[runID]
		if !ok {
			cur = newWatcher(b, runID)
			b.watchers[runID] = cur
			go cur.loop(*d)
		}
		b.mu.Unlock()
		if cur.add(sub) {
			w = cur
			break
		}
	}

	if err := sub.Send(statusEvent(runID, d)); err != nil {
		w.remove(sub)
		return nil, err
	}
	return func() { w.remove(sub) }, nil
}

// SubscriberCount reports the live subscribers across all runs.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, w := range b.watchers {
		n += w.count()
	}
	return n
}

func (b *Broadcaster) dropWatcher(runID string) {
	b.mu.Lock()
	delete(b.watchers, runID)
	b.mu.Unlock()
}

type watcher struct {
	b     *Broadcaster
	runID string
	stop  chan struct{}

	mu   sync.Mutex
	subs map[Subscriber]struct{}
	done bool
}

func newWatcher(b *Broadcaster, runID string) *watcher {
	return &watcher{
		b:     b,
		runID: runID,
		stop:  make(chan struct{}),
		subs:  map[Subscriber]struct{}{},
	}
}

// add registers a subscriber. It reports false once the watcher is done so
// callers attach to a fresh watcher instead of a dead loop.
func (w *watcher) add(sub Subscriber) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return false
	}
	w.subs[sub] = struct{}{}
	return true
}

func (w *watcher) remove(sub Subscriber) {
	w.mu.Lock()
	if _, ok := w.subs[sub]; !ok {
		w.mu.Unlock()
		return
	}
	delete(w.subs, sub)
	empty := len(w.subs) == 0 && !w.done
	w.mu.Unlock()

	sub.Close()
	if empty {
		w.shutdown()
	}
}

func (w *watcher) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// broadcast fans an event out, pruning subscribers whose Send fails.
func (w *watcher) broadcast(ev Event) {
	w.mu.Lock()
	var dead []Subscriber
	for sub := range w.subs {
		if err := sub.Send(ev); err != nil {
			dead = append(dead, sub)
			delete(w.subs, sub)
		}
	}
	w.mu.Unlock()

	for _, sub := range dead {
		w.b.logger.Debug("pruned dead subscriber", "run_id", w.runID)
		sub.Close()
	}
}

// finish delivers the terminal event and closes every subscriber.
func (w *watcher) finish(ev Event) {
	w.mu.Lock()
	w.done = true
	subs := make([]Subscriber, 0, len(w.subs))
	for sub := range w.subs {
		subs = append(subs, sub)
	}
	w.subs = map[Subscriber]struct{}{}
	w.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Send(ev)
		sub.Close()
	}
	w.b.dropWatcher(w.runID)
}

func (w *watcher) shutdown() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
	w.b.dropWatcher(w.runID)
	close(w.stop)
}

// loop polls the run until it reaches a terminal status. Paused runs poll at
// the slower interval; threshold gating keeps chatty progress off the wire.
func (w *watcher) loop(last workflow.Description) {
	lastProgress := last.ProgressPct
	for {
		interval := w.b.cfg.PollInterval
		if last.IsPaused {
			interval = w.b.cfg.PausedPollInterval
		}
		select {
		case <-w.stop:
			return
		case <-time.After(interval):
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.b.cfg.PollInterval)
		d, err := w.b.describer.Describe(ctx, w.runID)
		cancel()
		if err != nil {
			w.b.logger.Warn("describe failed, stream closing", "run_id", w.runID, "error", err)
			w.finish(Event{
				Type:      EventError,
				RunID:     w.runID,
				Data:      Data{Error: err.Error()},
				Timestamp: time.Now().UTC(),
			})
			return
		}

		if terminal(d.Status) {
			w.finish(terminalEvent(w.runID, d))
			return
		}

		if d.Phase != last.Phase {
			w.broadcast(Event{
				Type:      EventPhaseChange,
				RunID:     w.runID,
				Data:      data(d),
				Timestamp: time.Now().UTC(),
			})
			lastProgress = d.ProgressPct
		} else if d.IsPaused != last.IsPaused {
			w.broadcast(statusEvent(w.runID, d))
			lastProgress = d.ProgressPct
		} else if d.ProgressPct-lastProgress >= w.b.cfg.ProgressThreshold {
			w.broadcast(Event{
				Type:      EventProgress,
				RunID:     w.runID,
				Data:      data(d),
				Timestamp: time.Now().UTC(),
			})
			lastProgress = d.ProgressPct
		}
		last = *d
	}
}

func terminal(s workflow.Status) bool {
	switch s {
	case workflow.StatusCompleted, workflow.StatusFailed, workflow.StatusCancelled, workflow.StatusTerminated:
		return true
	}
	return false
}

func data(d *workflow.Description) Data {
	return Data{
		Phase:           d.Phase,
		ProgressPct:     d.ProgressPct,
		CurrentActivity: d.CurrentActivity,
		FindingsCount:   d.FindingsCount,
		CitationsCount:  d.CitationsCount,
		IsPaused:        d.IsPaused,
		IsCancelled:     d.Status == workflow.StatusCancelled,
		Error:           d.Error,
	}
}

func statusEvent(runID string, d *workflow.Description) Event {
	return Event{
		Type:      EventStatus,
		RunID:     runID,
		Data:      data(d),
		Timestamp: time.Now().UTC(),
	}
}

// terminalEvent builds the final message of a stream. The protocol allows
// only completed or error here; cancelled runs close as completed with
// is_cancelled set in the payload.
func terminalEvent(runID string, d *workflow.Description) Event {
	typ := EventCompleted
	switch d.Status {
	case workflow.StatusFailed, workflow.StatusTerminated:
		typ = EventError
	}
	return Event{
		Type:      typ,
		RunID:     runID,
		Data:      data(d),
		Timestamp: time.Now().UTC(),
	}
}
