package notify

import (
	"time"

	"github.com/livinlefevreloca/perfqueue/internal/db"
	"github.com/livinlefevreloca/perfqueue/internal/durations"
)

// ExperimentView is the client-facing form of a scheduled experiment
type ExperimentView struct {
	ID                string            `json:"id"`
	Account           string            `json:"account"`
	Label             string            `json:"label"`
	Controller        string            `json:"controller"`
	Scenario          string            `json:"scenario,omitempty"`
	StartTime         time.Time         `json:"start_time"`
	AddedTime         time.Time         `json:"added_time"`
	Repeating         bool              `json:"repeating"`
	RepeatDays        string            `json:"repeat_days,omitempty"`
	RepeatHours       string            `json:"repeat_hours,omitempty"`
	RepeatMinutes     string            `json:"repeat_minutes,omitempty"`
	NextExecutionTime *time.Time        `json:"next_execution_time,omitempty"`
	DurationsMs       []int64           `json:"durations_ms"`
	Stats             durations.Summary `json:"stats"`
}

// NewExperimentView converts a stored experiment
func NewExperimentView(exp db.ScheduledExperiment) ExperimentView {
	ms := make([]int64, len(exp.Durations))
	for i, d := range exp.Durations {
		ms[i] = d.Milliseconds()
	}

	return ExperimentView{
		ID:                exp.ID,
		Account:           exp.Account,
		Label:             exp.Label,
		Controller:        exp.Controller,
		Scenario:          exp.Scenario,
		StartTime:         exp.StartTime,
		AddedTime:         exp.AddedTime,
		Repeating:         exp.Repeating,
		RepeatDays:        exp.RepeatDays,
		RepeatHours:       exp.RepeatHours,
		RepeatMinutes:     exp.RepeatMinutes,
		NextExecutionTime: exp.NextExecutionTime,
		DurationsMs:       ms,
		Stats:             durations.Summarize(exp.Durations),
	}
}

// NewExperimentViews converts a list of stored experiments, preserving order
func NewExperimentViews(exps []db.ScheduledExperiment) []ExperimentView {
	views := make([]ExperimentView, len(exps))
	for i, exp := range exps {
		views[i] = NewExperimentView(exp)
	}
	return views
}
