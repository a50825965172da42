package agent

import (
	"time"

	"github.com/owulveryck/agentrelay/internal/supervisor"
)

// Config holds the configuration of an Agent.
type Config struct {
	// AgentID is the id to register with. Empty lets the hub allocate one;
	// the allocated id is then reused on every reconnect.
	AgentID string

	// DisplayName is the human-readable name shown to operators.
	DisplayName string

	// Version is reported by the health server (optional, defaults to "1.0.0").
	Version string

	// HealthAddr is where /health, /ready and /metrics are served. Empty
	// disables the health server.
	HealthAddr string

	// StatusInterval is how often metrics are reported to the hub.
	StatusInterval time.Duration

	// DedupSize bounds the ids remembered by the queue consumer.
	DedupSize int

	// WatchdogTimeout is how long the control stream may stay silent before
	// the agent reconnects. Zero derives it from the hub heartbeat interval.
	WatchdogTimeout time.Duration

	// Reconnect bounds the reconnect loop.
	Reconnect supervisor.Policy
}

// WithDefaults returns a copy of c with defaults applied to optional fields.
func (c *Config) WithDefaults() *Config {
	config := *c

	if config.Version == "" {
		config.Version = "1.0.0"
	}
	if config.StatusInterval <= 0 {
		config.StatusInterval = 10 * time.Second
	}
	if config.DedupSize <= 0 {
		config.DedupSize = 1024
	}
	return &config
}

// Validate checks the required fields.
func (c *Config) Validate() error {
	if c.DisplayName == "" {
		return ErrMissingName
	}
	return nil
}
