// Package retention runs the storage janitor: on a cron schedule it prunes
// superseded checkpoints and audit events of terminal runs older than the
// retention window. The final checkpoint of every terminal run is kept so
// completed research stays queryable.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/alliecatowo/legalease-ai/internal/persistence"
)

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const (
	defaultSchedule = "0 3 * * *" // daily, 03:00 local
	defaultWindow   = 7 * 24 * time.Hour
)

type Config struct {
	Store *persistence.Store

	// Schedule is a 5-field cron expression. Empty means daily at 03:00.
	Schedule string

	// Window is how long terminal run history is kept before pruning.
	Window time.Duration

	Logger *slog.Logger
}

// Janitor prunes expired run history on a cron schedule.
type Janitor struct {
	store    *persistence.Store
	schedule cronlib.Schedule
	window   time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewJanitor(cfg Config) (*Janitor, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = defaultSchedule
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", expr, err)
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:    cfg.Store,
		schedule: schedule,
		window:   window,
		logger:   logger,
	}, nil
}

// Start begins the janitor loop in a background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("retention janitor started", "window", j.window)
}

// Stop cancels the loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("retention janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()
	for {
		next := j.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			j.Sweep(ctx)
		}
	}
}

// Sweep prunes history older than the retention window. Exposed so the
// daemon can force a sweep at startup.
func (j *Janitor) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-j.window)
	checkpoints, err := j.store.PruneTerminalCheckpoints(ctx, cutoff)
	if err != nil {
		j.logger.Error("retention: checkpoint prune failed", "error", err)
		return
	}
	events, err := j.store.PruneRunEvents(ctx, cutoff)
	if err != nil {
		j.logger.Error("retention: event prune failed", "error", err)
		return
	}
	if checkpoints > 0 || events > 0 {
		j.logger.Info("retention sweep complete",
			"checkpoints_pruned", checkpoints, "events_pruned", events, "cutoff", cutoff)
	}
}
