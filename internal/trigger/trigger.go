// Package trigger enqueues scheduled experiments when their next execution
// time arrives.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/perfqueue/internal/db"
	"github.com/livinlefevreloca/perfqueue/internal/queue"
	"github.com/livinlefevreloca/perfqueue/internal/recurrence"
)

// Store finds due experiments and advances their schedule
type Store interface {
	LoadDueScheduledExperiments(now time.Time) ([]db.ScheduledExperiment, error)
	UpdateNextExecution(id string, next *time.Time) error
}

// Enqueuer accepts run requests
type Enqueuer interface {
	Enqueue(req queue.RunRequest) string
}

// Config holds trigger loop settings
type Config struct {
	Enabled bool `toml:"enabled"`

	// How often due experiments are looked up
	LoopInterval time.Duration `toml:"loop_interval"`
}

// DefaultConfig checks for due experiments every 15 seconds
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		LoopInterval: 15 * time.Second,
	}
}

// Validate checks trigger settings
func (c Config) Validate() error {
	if c.Enabled && c.LoopInterval <= 0 {
		return fmt.Errorf("trigger loop_interval must be positive, got %v", c.LoopInterval)
	}
	return nil
}

// Trigger is the loop that turns due scheduled experiments into run requests
type Trigger struct {
	config   Config
	store    Store
	enqueuer Enqueuer
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a trigger loop
func New(config Config, store Store, enqueuer Enqueuer, logger *slog.Logger) *Trigger {
	return &Trigger{
		config:   config,
		store:    store,
		enqueuer: enqueuer,
		logger:   logger,
		now:      time.Now,
	}
}

// Run checks for due experiments on every tick until ctx is done
func (t *Trigger) Run(ctx context.Context) {
	ticker := time.NewTicker(t.config.LoopInterval)
	defer ticker.Stop()

	t.logger.Info("trigger loop started", "interval", t.config.LoopInterval)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("trigger loop stopped")
			return
		case <-ticker.C:
			t.Iteration(t.now())
		}
	}
}

// Iteration enqueues every experiment due at now and advances its next
// execution time. Missed occurrences are not caught up: repeating experiments
// move to their first occurrence after now. Repeat fields are read in UTC
// whatever now's location. Returns the number enqueued.
func (t *Trigger) Iteration(now time.Time) int {
	now = now.UTC()

	due, err := t.store.LoadDueScheduledExperiments(now)
	if err != nil {
		t.logger.Error("failed to load due scheduled experiments", "error", err)
		return 0
	}

	enqueued := 0
	for _, exp := range due {
		next := t.advance(exp, now)

		// Advance first so a failing store cannot enqueue the same occurrence twice
		if err := t.store.UpdateNextExecution(exp.ID, next); err != nil {
			t.logger.Error("failed to advance scheduled experiment, skipping",
				"experiment_id", exp.ID,
				"error", err)
			continue
		}

		t.enqueuer.Enqueue(queue.RunRequest{
			ID:            exp.ID,
			Account:       exp.Account,
			Controller:    exp.Controller,
			Scenario:      exp.Scenario,
			Configuration: exp.Configuration,
		})
		enqueued++

		t.logger.Info("scheduled experiment triggered",
			"experiment_id", exp.ID,
			"account", exp.Account,
			"next_execution_time", next)
	}

	return enqueued
}

// advance computes the next execution time after a run at now. One-shot
// experiments and experiments with invalid repeat fields are not scheduled again.
func (t *Trigger) advance(exp db.ScheduledExperiment, now time.Time) *time.Time {
	if !exp.Repeating {
		return nil
	}

	schedule, err := recurrence.Parse(exp.RepeatDays, exp.RepeatHours, exp.RepeatMinutes)
	if err != nil {
		t.logger.Error("invalid recurrence, experiment will not repeat",
			"experiment_id", exp.ID,
			"error", err)
		return nil
	}

	next := schedule.Next(now)
	return &next
}
