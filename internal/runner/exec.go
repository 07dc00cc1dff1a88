package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Environment variables handed to runner processes
const (
	EnvSessionKey = "PERFQUEUE_SESSION_KEY"
	EnvTokenKey   = "PERFQUEUE_TOKEN_KEY"
	EnvConfig     = "PERFQUEUE_CONFIG"
	EnvTokenURL   = "PERFQUEUE_TOKEN_URL"
	EnvRunID      = "PERFQUEUE_RUN_ID"
)

// maxOutputLog bounds how much runner output is logged on failure
const maxOutputLog = 4096

// ExecBackend runs the runner as a local process. The built configuration is
// written to a temporary file whose path is passed in PERFQUEUE_CONFIG.
type ExecBackend struct {
	command     string
	args        []string
	tokenURL    string
	gracePeriod time.Duration
	logger      *slog.Logger
}

// NewExecBackend creates an exec backend from the runner configuration
func NewExecBackend(config Config, logger *slog.Logger) *ExecBackend {
	return &ExecBackend{
		command:     config.Command,
		args:        config.Args,
		tokenURL:    config.TokenURL,
		gracePeriod: config.StopGracePeriod,
		logger:      logger,
	}
}

// Execute implements Executor
func (b *ExecBackend) Execute(ctx context.Context, spec Spec) error {
	configFile, err := os.CreateTemp("", "perfqueue-run-*.json")
	if err != nil {
		return fmt.Errorf("failed to create configuration file: %w", err)
	}
	defer os.Remove(configFile.Name())

	if _, err := configFile.Write(spec.Configuration); err != nil {
		configFile.Close()
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	if err := configFile.Close(); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	output := newTailBuffer(maxOutputLog)
	cmd := exec.CommandContext(ctx, b.command, b.args...)
	cmd.Env = append(os.Environ(),
		EnvRunID+"="+spec.RunID,
		EnvSessionKey+"="+spec.SessionKey,
		EnvTokenKey+"="+spec.TokenKey,
		EnvConfig+"="+configFile.Name(),
		EnvTokenURL+"="+b.tokenURL,
	)
	cmd.Stdout = output
	cmd.Stderr = output

	// Interrupt first so the runner can disconnect from its controller
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = b.gracePeriod

	b.logger.Debug("starting runner process",
		"run_id", spec.RunID,
		"command", b.command,
		"config_file", configFile.Name())

	err = cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		b.logger.Warn("runner process failed",
			"run_id", spec.RunID,
			"error", err,
			"output", strings.TrimSpace(output.String()))
		return fmt.Errorf("runner process failed: %w", err)
	}

	return nil
}

// tailBuffer is an io.Writer that keeps only the last size bytes written
type tailBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{buf: make([]byte, 0, size), size: size}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.size {
		b.buf = append(b.buf[:0], p[n-b.size:]...)
		return n, nil
	}

	if overflow := len(b.buf) + n - b.size; overflow > 0 {
		b.buf = append(b.buf[:0], b.buf[overflow:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
