package runner

import (
	"fmt"
	"log/slog"
	"time"
)

// Backend names
const (
	BackendExec       = "exec"
	BackendKubernetes = "kubernetes"
)

// Config defines how runs are started
type Config struct {
	// Which backend launches runner processes: exec or kubernetes
	Backend string `toml:"backend"`

	// Runner command and arguments (exec backend) or container args (kubernetes backend)
	Command string   `toml:"command"`
	Args    []string `toml:"args"`

	// JSON file every run configuration is layered on top of
	BaseConfiguration string `toml:"base_configuration"`

	// Optional JSON schema the built configuration must satisfy
	SchemaFile string `toml:"schema_file"`

	// URL runners post their readiness token to
	TokenURL string `toml:"token_url"`

	// Grace period between interrupt and kill when a run is cancelled
	StopGracePeriod time.Duration `toml:"stop_grace_period"`

	Kubernetes KubernetesConfig `toml:"kubernetes"`
}

// KubernetesConfig holds settings for the kubernetes backend
type KubernetesConfig struct {
	Namespace      string        `toml:"namespace"`
	Image          string        `toml:"image"`
	Kubeconfig     string        `toml:"kubeconfig"`
	ServiceAccount string        `toml:"service_account"`
	PollInterval   time.Duration `toml:"poll_interval"`
}

// DefaultConfig returns defaults for a locally installed runner
func DefaultConfig() Config {
	return Config{
		Backend:         BackendExec,
		Command:         "perf-runner",
		TokenURL:        "http://127.0.0.1:8080/api/v1/tokens",
		StopGracePeriod: 10 * time.Second,
		Kubernetes: KubernetesConfig{
			Namespace:    "default",
			PollInterval: 2 * time.Second,
		},
	}
}

// Validate checks the configuration of the selected backend
func (c Config) Validate() error {
	switch c.Backend {
	case BackendExec:
		if c.Command == "" {
			return fmt.Errorf("runner command must be specified for the exec backend")
		}
	case BackendKubernetes:
		if c.Kubernetes.Image == "" {
			return fmt.Errorf("runner kubernetes.image must be specified for the kubernetes backend")
		}
		if c.Kubernetes.Namespace == "" {
			return fmt.Errorf("runner kubernetes.namespace must be specified")
		}
		if c.Kubernetes.PollInterval <= 0 {
			return fmt.Errorf("runner kubernetes.poll_interval must be positive, got %v", c.Kubernetes.PollInterval)
		}
	default:
		return fmt.Errorf("unsupported runner backend: %s (must be exec or kubernetes)", c.Backend)
	}

	if c.StopGracePeriod < 0 {
		return fmt.Errorf("runner stop_grace_period must not be negative")
	}

	return nil
}

// NewExecutor creates the executor for the configured backend
func NewExecutor(config Config, logger *slog.Logger) (Executor, error) {
	switch config.Backend {
	case BackendExec:
		return NewExecBackend(config, logger), nil
	case BackendKubernetes:
		client, err := NewKubernetesClient(config.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, err
		}
		return NewKubernetesBackend(client, config, logger), nil
	default:
		return nil, fmt.Errorf("unsupported runner backend: %s", config.Backend)
	}
}
