// Package notify pushes refreshed scheduled-experiment lists to every live
// session bound to an account.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/livinlefevreloca/perfqueue/internal/db"
	"github.com/livinlefevreloca/perfqueue/internal/inbox"
	"github.com/livinlefevreloca/perfqueue/internal/push"
)

// Loader loads an account's scheduled experiments
type Loader interface {
	LoadScheduledExperiments(account string) ([]db.ScheduledExperiment, error)
}

// Directory lists the live sessions bound to an account
type Directory interface {
	SessionsFor(account string) []string
}

// Pusher delivers a message to one session
type Pusher interface {
	Push(sessionID string, msg push.Message) error
}

// Config holds notification settings
type Config struct {
	// Accounts queued for fan-out. Further accounts wait in an overflow list
	BufferSize int `toml:"buffer_size"`
}

// DefaultConfig returns notification defaults
func DefaultConfig() Config {
	return Config{
		BufferSize: 1024,
	}
}

// Validate checks notification settings
func (c Config) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("notify buffer_size must be positive, got %d", c.BufferSize)
	}
	return nil
}

// Notifier hands account notifications to a single fan-out goroutine so
// callers never wait on persistence or delivery. Notifications coalesce per
// account: an account already awaiting fan-out is not queued again, since the
// fan-out reads the latest state anyway.
type Notifier struct {
	inbox     *inbox.Inbox[string]
	loader    Loader
	directory Directory
	pusher    Pusher
	logger    *slog.Logger

	mu       sync.Mutex
	pending  map[string]struct{}
	overflow []string
}

// New creates a notifier. Run must be started for notifications to be delivered.
func New(config Config, loader Loader, directory Directory, pusher Pusher, logger *slog.Logger) *Notifier {
	return &Notifier{
		inbox:     inbox.New[string](config.BufferSize, 0, logger),
		loader:    loader,
		directory: directory,
		pusher:    pusher,
		logger:    logger,
		pending:   make(map[string]struct{}),
	}
}

// Notify schedules a fan-out for account without blocking
func (n *Notifier) Notify(account string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.pending[account]; ok {
		return
	}
	n.pending[account] = struct{}{}

	if !n.inbox.Offer(account) {
		n.overflow = append(n.overflow, account)
		n.logger.Debug("notification deferred to overflow", "account", account, "overflow", len(n.overflow))
	}
}

// Run delivers queued notifications until ctx is done. Overflow accounts are
// delivered after each queued one; the inbox only overflows while full, so a
// receive always follows.
func (n *Notifier) Run(ctx context.Context) {
	for {
		account, ok := n.inbox.Receive(ctx)
		if !ok {
			return
		}
		n.deliver(account)

		for _, account := range n.takeOverflow() {
			n.deliver(account)
		}
	}
}

// deliver clears the pending mark before fanning out so a change made during
// the fan-out schedules another one
func (n *Notifier) deliver(account string) {
	n.mu.Lock()
	delete(n.pending, account)
	n.mu.Unlock()

	n.FanOut(account)
}

func (n *Notifier) takeOverflow() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	accounts := n.overflow
	n.overflow = nil
	return accounts
}

// FanOut loads the account's experiments and pushes the full list to every
// session bound to the account. Returns the number of sessions reached.
// Delivery is best effort: failures are logged and not retried.
func (n *Notifier) FanOut(account string) int {
	targets := n.directory.SessionsFor(account)
	if len(targets) == 0 {
		return 0
	}

	exps, err := n.loader.LoadScheduledExperiments(account)
	if err != nil {
		n.logger.Error("failed to load scheduled experiments for notification",
			"account", account,
			"error", err)
		return 0
	}

	msg := push.Message{
		Type:    push.TypeScheduledExperimentUpdate,
		Payload: NewExperimentViews(exps),
	}

	delivered := 0
	for _, sessionID := range targets {
		if err := n.pusher.Push(sessionID, msg); err != nil {
			n.logger.Warn("failed to push scheduled experiment update",
				"account", account,
				"session_id", sessionID,
				"error", err)
			continue
		}
		delivered++
	}

	n.logger.Debug("scheduled experiment update pushed",
		"account", account,
		"sessions", delivered,
		"experiments", len(exps))

	return delivered
}

// Stats returns inbox statistics
func (n *Notifier) Stats() inbox.Stats {
	return n.inbox.GetStats()
}
