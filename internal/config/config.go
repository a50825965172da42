package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration of every relay process. Each process reads
// the sections it needs.
type Config struct {
	Hub           HubConfig           `yaml:"hub"`
	Router        RouterConfig        `yaml:"router"`
	Agent         AgentConfig         `yaml:"agent"`
	Queue         QueueConfig         `yaml:"queue"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// HubConfig holds the hub listeners, timers and operator limits.
type HubConfig struct {
	// ID names this hub inside origin handles.
	ID       string `yaml:"id"`
	GRPCAddr string `yaml:"grpc_addr"`
	// HTTPAddr serves the operator WebSocket, the admin API and health endpoints.
	HTTPAddr          string        `yaml:"http_addr"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	LivenessTimeout   time.Duration `yaml:"liveness_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ResyncSchedule    string        `yaml:"resync_schedule"`
	ObserverBuffer    int           `yaml:"observer_buffer"`
	LoopQueue         int           `yaml:"loop_queue"`
	DedupSize         int           `yaml:"dedup_size"`
	// IngressRate limits envelopes per second on each operator connection.
	IngressRate  float64 `yaml:"ingress_rate"`
	IngressBurst int     `yaml:"ingress_burst"`
}

// RouterConfig holds the router settings.
type RouterConfig struct {
	ID           string          `yaml:"id"`
	HubAddr      string          `yaml:"hub_addr"`
	HealthAddr   string          `yaml:"health_addr"`
	DedupSize    int             `yaml:"dedup_size"`
	AffinitySize int             `yaml:"affinity_size"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
}

// AgentConfig holds the settings of one agent process.
type AgentConfig struct {
	// ID is reused on every registration when set; empty lets the hub allocate one.
	ID             string          `yaml:"id"`
	DisplayName    string          `yaml:"display_name"`
	HubAddr        string          `yaml:"hub_addr"`
	HealthAddr     string          `yaml:"health_addr"`
	StatusInterval time.Duration   `yaml:"status_interval"`
	DedupSize      int             `yaml:"dedup_size"`
	Responder      ResponderConfig `yaml:"responder"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

// ResponderConfig selects and configures the agent responder.
type ResponderConfig struct {
	Kind         string        `yaml:"kind"` // mock, openai, gemini
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Project      string        `yaml:"project"`
	Location     string        `yaml:"location"`
	SystemPrompt string        `yaml:"system_prompt"`
	Delay        time.Duration `yaml:"delay"`
}

// ReconnectConfig bounds client reconnection.
type ReconnectConfig struct {
	MaxAttempts     uint64        `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// QueueConfig selects the transport queue backend.
type QueueConfig struct {
	Backend         string        `yaml:"backend"` // memory or redis
	Capacity        int           `yaml:"capacity"`
	RedeliveryDelay time.Duration `yaml:"redelivery_delay"`
	Redis           RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the Redis Streams backend.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	Group    string        `yaml:"group"`
	Block    time.Duration `yaml:"block"`
	MinIdle  time.Duration `yaml:"min_idle"`
	MaxLen   int64         `yaml:"max_len"`
}

// ObservabilityConfig configures tracing, metrics and health.
type ObservabilityConfig struct {
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	LogLevel       string `yaml:"log_level"`
}

// Default returns a configuration that runs every process on one machine.
func Default() *Config {
	reconnect := ReconnectConfig{MaxAttempts: 8, InitialInterval: 500 * time.Millisecond, MaxInterval: 10 * time.Second}
	return &Config{
		Hub: HubConfig{
			ID:                "hub-1",
			GRPCAddr:          ":50051",
			HTTPAddr:          ":8080",
			PingInterval:      10 * time.Second,
			LivenessTimeout:   30 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			ResyncSchedule:    "@every 30s",
			ObserverBuffer:    64,
			LoopQueue:         256,
			DedupSize:         4096,
			IngressRate:       20,
			IngressBurst:      40,
		},
		Router: RouterConfig{
			ID:           "router-1",
			HubAddr:      "localhost:50051",
			HealthAddr:   ":8081",
			DedupSize:    4096,
			AffinitySize: 4096,
			Reconnect:    reconnect,
		},
		Agent: AgentConfig{
			DisplayName:    "agent",
			HubAddr:        "localhost:50051",
			HealthAddr:     ":8082",
			StatusInterval: 10 * time.Second,
			DedupSize:      1024,
			Responder:      ResponderConfig{Kind: "mock", Location: "us-central1"},
			Reconnect:      reconnect,
		},
		Queue: QueueConfig{
			Backend:         "memory",
			Capacity:        1024,
			RedeliveryDelay: time.Second,
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Prefix:  "agentrelay:",
				Group:   "agentrelay",
				Block:   2 * time.Second,
				MinIdle: 30 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			ServiceVersion: "1.0.0",
			Environment:    "development",
			OTLPEndpoint:   "127.0.0.1:4317",
			LogLevel:       "INFO",
		},
	}
}

// Load reads the optional YAML file at path over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Hub.ID = getEnv("AGENTRELAY_HUB_ID", c.Hub.ID)
	c.Hub.GRPCAddr = getEnv("AGENTRELAY_GRPC_ADDR", c.Hub.GRPCAddr)
	c.Hub.HTTPAddr = getEnv("AGENTRELAY_HTTP_ADDR", c.Hub.HTTPAddr)
	c.Hub.PingInterval = getEnvAsDuration("AGENTRELAY_PING_INTERVAL", c.Hub.PingInterval)
	c.Hub.LivenessTimeout = getEnvAsDuration("AGENTRELAY_LIVENESS_TIMEOUT", c.Hub.LivenessTimeout)
	c.Hub.HeartbeatInterval = getEnvAsDuration("AGENTRELAY_HEARTBEAT_INTERVAL", c.Hub.HeartbeatInterval)
	c.Hub.ResyncSchedule = getEnv("AGENTRELAY_RESYNC_SCHEDULE", c.Hub.ResyncSchedule)

	hubAddr := os.Getenv("AGENTRELAY_HUB_ADDR")
	if hubAddr != "" {
		c.Router.HubAddr = hubAddr
		c.Agent.HubAddr = hubAddr
	}
	c.Router.ID = getEnv("AGENTRELAY_ROUTER_ID", c.Router.ID)

	c.Agent.ID = getEnv("AGENTRELAY_AGENT_ID", c.Agent.ID)
	c.Agent.DisplayName = getEnv("AGENTRELAY_AGENT_NAME", c.Agent.DisplayName)
	c.Agent.StatusInterval = getEnvAsDuration("AGENTRELAY_STATUS_INTERVAL", c.Agent.StatusInterval)
	c.Agent.Responder.Kind = getEnv("AGENTRELAY_RESPONDER", c.Agent.Responder.Kind)
	c.Agent.Responder.Model = getEnv("AGENTRELAY_MODEL", c.Agent.Responder.Model)
	c.Agent.Responder.Delay = getEnvAsDuration("AGENTRELAY_REPLY_DELAY", c.Agent.Responder.Delay)
	c.Agent.Responder.APIKey = getEnv("OPENAI_API_KEY", c.Agent.Responder.APIKey)
	c.Agent.Responder.BaseURL = getEnv("OPENAI_BASE_URL", c.Agent.Responder.BaseURL)
	c.Agent.Responder.Project = getEnv("GCP_PROJECT", c.Agent.Responder.Project)
	c.Agent.Responder.Location = getEnv("GCP_LOCATION", c.Agent.Responder.Location)
	attempts := uint64(getEnvAsInt("AGENTRELAY_RECONNECT_ATTEMPTS", int(c.Agent.Reconnect.MaxAttempts)))
	c.Agent.Reconnect.MaxAttempts = attempts
	c.Router.Reconnect.MaxAttempts = uint64(getEnvAsInt("AGENTRELAY_RECONNECT_ATTEMPTS", int(c.Router.Reconnect.MaxAttempts)))

	c.Queue.Backend = getEnv("AGENTRELAY_QUEUE_BACKEND", c.Queue.Backend)
	c.Queue.Redis.Addr = getEnv("REDIS_ADDR", c.Queue.Redis.Addr)
	c.Queue.Redis.Password = getEnv("REDIS_PASSWORD", c.Queue.Redis.Password)
	c.Queue.Redis.DB = getEnvAsInt("REDIS_DB", c.Queue.Redis.DB)

	c.Observability.ServiceVersion = getEnv("SERVICE_VERSION", c.Observability.ServiceVersion)
	c.Observability.Environment = getEnv("ENVIRONMENT", c.Observability.Environment)
	c.Observability.OTLPEndpoint = getEnv("JAEGER_ENDPOINT", c.Observability.OTLPEndpoint)
	c.Observability.TracingEnabled = getEnvAsBool("TRACING_ENABLED", c.Observability.TracingEnabled)
	c.Observability.LogLevel = getEnv("LOG_LEVEL", c.Observability.LogLevel)
}

// Validate rejects values no process can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Hub.LivenessTimeout <= c.Hub.PingInterval {
		errs = append(errs, fmt.Errorf("hub.liveness_timeout (%s) must exceed hub.ping_interval (%s)", c.Hub.LivenessTimeout, c.Hub.PingInterval))
	}
	if c.Hub.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("hub.heartbeat_interval must be positive"))
	}
	if c.Hub.ResyncSchedule == "" {
		errs = append(errs, errors.New("hub.resync_schedule is required"))
	}
	if c.Hub.DedupSize <= 0 || c.Router.DedupSize <= 0 || c.Agent.DedupSize <= 0 {
		errs = append(errs, errors.New("dedup sizes must be positive"))
	}
	if c.Router.AffinitySize <= 0 {
		errs = append(errs, errors.New("router.affinity_size must be positive"))
	}
	if c.Hub.IngressRate <= 0 || c.Hub.IngressBurst <= 0 {
		errs = append(errs, errors.New("hub.ingress_rate and hub.ingress_burst must be positive"))
	}
	if c.Agent.DisplayName == "" {
		errs = append(errs, errors.New("agent.display_name is required"))
	}
	switch c.Agent.Responder.Kind {
	case "mock", "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("agent.responder.kind %q is not one of mock, openai, gemini", c.Agent.Responder.Kind))
	}
	if c.Agent.Reconnect.MaxAttempts == 0 || c.Router.Reconnect.MaxAttempts == 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must be at least 1"))
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.Redis.Addr == "" {
			errs = append(errs, errors.New("queue.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q is not one of memory, redis", c.Queue.Backend))
	}
	if _, err := ParseLogLevel(c.Observability.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLogLevel maps DEBUG, INFO, WARN and ERROR to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer with a default fallback
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as boolean with a default fallback
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as duration with a default fallback
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
