package config

import (
	"fmt"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config holds BarnOwl process configuration. Everything component-specific
// (connection string, tenancy mode, cleanup interval) arrives later through
// the sidecar's Init call; only host-level concerns live here.
type Config struct {
	// Socket placement, per the pluggable-components contract. The sidecar
	// scans SocketFolder for *.sock files and dials each one it finds.
	SocketFolder  string `env:"DAPR_COMPONENT_SOCKETS_FOLDER" envDefault:"/tmp/dapr-components-sockets"`
	ComponentName string `env:"BARNOWL_COMPONENT_NAME" envDefault:"barnowl"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Ops listener (healthz/readyz/metrics over TCP). Empty disables it:
	// the sidecar only needs the socket, so the listener is opt-in.
	OpsAddr string `env:"BARNOWL_OPS_ADDR"`

	// Metrics
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`
}

// Load reads configuration from environment variables into a struct of type T.
func Load[T any]() (*T, error) {
	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// SocketPath returns the Unix socket path the component must listen on.
func (c *Config) SocketPath() string {
	return filepath.Join(c.SocketFolder, c.ComponentName+".sock")
}
