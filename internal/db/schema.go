package db

import (
	"encoding/json"
	"time"
)

// ScheduledExperiment is a persisted experiment definition owned by an account.
// Durations is the append-only history of completed run durations, oldest first.
type ScheduledExperiment struct {
	ID            string
	Account       string
	Label         string
	Controller    string
	Scenario      string
	Configuration json.RawMessage

	// Scheduling metadata
	StartTime         time.Time
	AddedTime         time.Time
	Repeating         bool
	RepeatDays        string // days of week, 0-6, cron list syntax
	RepeatHours       string // 0-23
	RepeatMinutes     string // 0-59
	NextExecutionTime *time.Time

	Durations []time.Duration
}

// DurationEntry is a single row of experiment_durations
type DurationEntry struct {
	ExperimentID string
	Position     int
	Duration     time.Duration
	RecordedAt   time.Time
}
