package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(c *Config) {}},
		{name: "exec without command", modify: func(c *Config) { c.Command = "" }, wantErr: true},
		{name: "unknown backend", modify: func(c *Config) { c.Backend = "ssh" }, wantErr: true},
		{name: "kubernetes without image", modify: func(c *Config) { c.Backend = BackendKubernetes }, wantErr: true},
		{
			name: "kubernetes with image",
			modify: func(c *Config) {
				c.Backend = BackendKubernetes
				c.Kubernetes.Image = "runner:latest"
			},
		},
		{
			name: "kubernetes zero poll interval",
			modify: func(c *Config) {
				c.Backend = BackendKubernetes
				c.Kubernetes.Image = "runner:latest"
				c.Kubernetes.PollInterval = 0
			},
			wantErr: true,
		},
		{name: "negative grace period", modify: func(c *Config) { c.StopGracePeriod = -time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			err := config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
