package db

import (
	"database/sql"
	"time"
)

const experimentColumns = `id, account, label, controller, scenario, configuration, start_time, added_time,
	repeating, repeat_days, repeat_hours, repeat_minutes, next_execution_time`

// =============================================================================
// Scheduled Experiment Operations
// =============================================================================

// CreateScheduledExperiment inserts a new scheduled experiment together with
// any durations it already carries.
func (db *DB) CreateScheduledExperiment(exp *ScheduledExperiment) error {
	if exp.AddedTime.IsZero() {
		exp.AddedTime = time.Now().UTC()
	}

	return db.WithTransaction(func(tx *Tx) error {
		query := `
			INSERT INTO scheduled_experiments (` + experimentColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`

		_, err := tx.Exec(query,
			exp.ID,
			exp.Account,
			exp.Label,
			exp.Controller,
			exp.Scenario,
			nullableJSON(exp.Configuration),
			exp.StartTime.UTC(),
			exp.AddedTime.UTC(),
			exp.Repeating,
			exp.RepeatDays,
			exp.RepeatHours,
			exp.RepeatMinutes,
			utcPtr(exp.NextExecutionTime),
		)
		if err != nil {
			if IsDuplicate(err) {
				return ErrDuplicate
			}
			return err
		}

		return tx.appendDurations(exp.ID, 0, exp.Durations)
	})
}

// LoadScheduledExperiment retrieves a scheduled experiment and its duration history
func (db *DB) LoadScheduledExperiment(id string) (*ScheduledExperiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM scheduled_experiments WHERE id = ?`

	exp, err := scanExperiment(db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	durations, err := db.loadDurations(`
		SELECT experiment_id, duration_ns FROM experiment_durations
		WHERE experiment_id = ?
		ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	exp.Durations = durations[id]

	return exp, nil
}

// LoadScheduledExperiments retrieves all scheduled experiments of an account,
// oldest first, each with its duration history
func (db *DB) LoadScheduledExperiments(account string) ([]ScheduledExperiment, error) {
	query := `
		SELECT ` + experimentColumns + `
		FROM scheduled_experiments
		WHERE account = ?
		ORDER BY added_time, id
	`

	exps, err := db.queryExperiments(query, account)
	if err != nil {
		return nil, err
	}

	durations, err := db.loadDurations(`
		SELECT d.experiment_id, d.duration_ns
		FROM experiment_durations d
		JOIN scheduled_experiments e ON e.id = d.experiment_id
		WHERE e.account = ?
		ORDER BY d.experiment_id, d.position
	`, account)
	if err != nil {
		return nil, err
	}

	for i := range exps {
		exps[i].Durations = durations[exps[i].ID]
	}

	return exps, nil
}

// LoadDueScheduledExperiments retrieves experiments whose next execution time
// is at or before now. Durations are not loaded.
func (db *DB) LoadDueScheduledExperiments(now time.Time) ([]ScheduledExperiment, error) {
	query := `
		SELECT ` + experimentColumns + `
		FROM scheduled_experiments
		WHERE next_execution_time IS NOT NULL AND next_execution_time <= ?
		ORDER BY next_execution_time, id
	`

	return db.queryExperiments(query, now.UTC())
}

// StoreScheduledExperiment updates the experiment's fields and appends any
// durations beyond those already persisted. Stored history is never rewritten.
func (db *DB) StoreScheduledExperiment(exp *ScheduledExperiment) error {
	return db.WithTransaction(func(tx *Tx) error {
		query := `
			UPDATE scheduled_experiments
			SET label = ?, controller = ?, scenario = ?, configuration = ?, start_time = ?,
				repeating = ?, repeat_days = ?, repeat_hours = ?, repeat_minutes = ?, next_execution_time = ?
			WHERE id = ?
		`

		result, err := tx.Exec(query,
			exp.Label,
			exp.Controller,
			exp.Scenario,
			nullableJSON(exp.Configuration),
			exp.StartTime.UTC(),
			exp.Repeating,
			exp.RepeatDays,
			exp.RepeatHours,
			exp.RepeatMinutes,
			utcPtr(exp.NextExecutionTime),
			exp.ID,
		)
		if err != nil {
			return err
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrNotFound
		}

		var stored int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM experiment_durations WHERE experiment_id = ?`, exp.ID).Scan(&stored); err != nil {
			return err
		}
		if stored >= len(exp.Durations) {
			return nil
		}

		return tx.appendDurations(exp.ID, stored, exp.Durations[stored:])
	})
}

// AppendDuration appends one run duration to an experiment's history in a
// single statement. No other column is touched, so it cannot race with
// schedule updates. Returns ErrNotFound when the experiment does not exist.
func (db *DB) AppendDuration(id string, d time.Duration) error {
	result, err := db.Exec(`
		INSERT INTO experiment_durations (experiment_id, position, duration_ns, recorded_at)
		SELECT e.id,
			(SELECT COALESCE(MAX(position), -1) + 1 FROM experiment_durations WHERE experiment_id = e.id),
			?, ?
		FROM scheduled_experiments e
		WHERE e.id = ?
	`, int64(d), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateNextExecution sets or clears the next execution time of an experiment
func (db *DB) UpdateNextExecution(id string, next *time.Time) error {
	result, err := db.Exec(`UPDATE scheduled_experiments SET next_execution_time = ? WHERE id = ?`, utcPtr(next), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteScheduledExperiment deletes an experiment and, by cascade, its history
func (db *DB) DeleteScheduledExperiment(id string) error {
	result, err := db.Exec(`DELETE FROM scheduled_experiments WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// GetDurationEntries returns the raw duration rows of an experiment in position order
func (db *DB) GetDurationEntries(experimentID string) ([]DurationEntry, error) {
	rows, err := db.Query(`
		SELECT experiment_id, position, duration_ns, recorded_at
		FROM experiment_durations
		WHERE experiment_id = ?
		ORDER BY position
	`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []DurationEntry{}
	for rows.Next() {
		var entry DurationEntry
		var ns int64
		if err := rows.Scan(&entry.ExperimentID, &entry.Position, &ns, &entry.RecordedAt); err != nil {
			return nil, err
		}
		entry.Duration = time.Duration(ns)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// =============================================================================
// Helpers
// =============================================================================

func (tx *Tx) appendDurations(experimentID string, offset int, durations []time.Duration) error {
	if len(durations) == 0 {
		return nil
	}

	stmt, err := tx.Prepare(`
		INSERT INTO experiment_durations (experiment_id, position, duration_ns, recorded_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, d := range durations {
		if _, err := stmt.Exec(experimentID, offset+i, int64(d), now); err != nil {
			return err
		}
	}

	return nil
}

func (db *DB) loadDurations(query string, args ...any) (map[string][]time.Duration, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	durations := make(map[string][]time.Duration)
	for rows.Next() {
		var id string
		var ns int64
		if err := rows.Scan(&id, &ns); err != nil {
			return nil, err
		}
		durations[id] = append(durations[id], time.Duration(ns))
	}

	return durations, rows.Err()
}

func (db *DB) queryExperiments(query string, args ...any) ([]ScheduledExperiment, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exps []ScheduledExperiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		exps = append(exps, *exp)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Return empty slice instead of nil
	if exps == nil {
		exps = []ScheduledExperiment{}
	}

	return exps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (*ScheduledExperiment, error) {
	exp := &ScheduledExperiment{}
	var configuration sql.NullString

	err := row.Scan(
		&exp.ID,
		&exp.Account,
		&exp.Label,
		&exp.Controller,
		&exp.Scenario,
		&configuration,
		&exp.StartTime,
		&exp.AddedTime,
		&exp.Repeating,
		&exp.RepeatDays,
		&exp.RepeatHours,
		&exp.RepeatMinutes,
		&exp.NextExecutionTime,
	)
	if err != nil {
		return nil, err
	}

	if configuration.Valid {
		exp.Configuration = []byte(configuration.String)
	}

	return exp, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
