package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/livinlefevreloca/perfqueue/internal/runner"
)

// RunRequest is one queued experiment run. Timestamps are zero until set.
type RunRequest struct {
	ID            string          `json:"id"`
	Account       string          `json:"account"`
	Controller    string          `json:"controller"`
	Scenario      string          `json:"scenario,omitempty"`
	Configuration json.RawMessage `json:"configuration,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
}

// Status is a consistent snapshot of the queue
type Status struct {
	Executing bool         `json:"executing"`
	Loaded    bool         `json:"loaded"`
	Token     string       `json:"token,omitempty"`
	Current   *RunRequest  `json:"current,omitempty"`
	Waiting   []RunRequest `json:"waiting"`
}

// ConfigBuilder builds the configuration of a single run
type ConfigBuilder interface {
	Build(req runner.BuildRequest) (json.RawMessage, error)
}

// Submitter starts runs asynchronously
type Submitter interface {
	Submit(spec runner.Spec) *runner.Handle
}

// TokenSource is where runners publish their readiness token
type TokenSource interface {
	Lookup(key string) (string, bool)
	Remove(key string)
}

// Persistence appends run durations to scheduled experiments. Implementations
// return db.ErrNotFound when id has no record.
type Persistence interface {
	AppendDuration(id string, d time.Duration) error
}

// Notifier is told whenever an account's runs change state
type Notifier interface {
	Notify(account string)
}

// Config holds execution queue settings
type Config struct {
	// Bounded wait for the runner's readiness token
	TokenPollAttempts int           `toml:"token_poll_attempts"`
	TokenPollInterval time.Duration `toml:"token_poll_interval"`

	// Cancel runs that exceed this duration. Zero disables the limit.
	RunTimeout time.Duration `toml:"run_timeout"`
}

// DefaultConfig returns the standard one second token wait and no run timeout
func DefaultConfig() Config {
	return Config{
		TokenPollAttempts: 100,
		TokenPollInterval: 10 * time.Millisecond,
		RunTimeout:        0,
	}
}

// Validate checks queue settings
func (c Config) Validate() error {
	if c.TokenPollAttempts <= 0 {
		return fmt.Errorf("queue token_poll_attempts must be positive, got %d", c.TokenPollAttempts)
	}
	if c.TokenPollInterval <= 0 {
		return fmt.Errorf("queue token_poll_interval must be positive, got %v", c.TokenPollInterval)
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("queue run_timeout must not be negative, got %v", c.RunTimeout)
	}
	return nil
}
