// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/zonedesk/zonedesk/internal/events"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host string `envconfig:"ZONEDESK_HOST" yaml:"host"`
	Port int    `envconfig:"ZONEDESK_PORT" yaml:"port"`

	// gRPC health endpoint
	GRPC GRPCConfig `yaml:"grpc"`

	// WebSocket session settings
	Realtime RealtimeConfig `yaml:"realtime"`

	// Broadcast dispatcher settings
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Auth maps bearer tokens to identities.
	Auth AuthConfig `yaml:"auth"`

	// Roles overrides or extends the built-in role table.
	Roles map[string]RoleConfig `yaml:"roles" ignored:"true"`

	// Audit configuration
	Audit AuditConfig `yaml:"audit"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// Client configuration for the zonedesk CLI
	Client ClientConfig `yaml:"client"`
}

// GRPCConfig holds gRPC health server settings.
type GRPCConfig struct {
	Enabled bool `envconfig:"ZONEDESK_GRPC_ENABLED" yaml:"enabled"`
	Port    int  `envconfig:"ZONEDESK_GRPC_PORT" yaml:"port"`
}

// RealtimeConfig holds per-session WebSocket settings.
type RealtimeConfig struct {
	Path           string        `envconfig:"ZONEDESK_WS_PATH" yaml:"path"`
	SendQueueSize  int           `envconfig:"ZONEDESK_WS_SEND_QUEUE" yaml:"send_queue_size"`
	WriteTimeout   time.Duration `envconfig:"ZONEDESK_WS_WRITE_TIMEOUT" yaml:"write_timeout"`
	PingInterval   time.Duration `envconfig:"ZONEDESK_WS_PING_INTERVAL" yaml:"ping_interval"`
	PongWait       time.Duration `envconfig:"ZONEDESK_WS_PONG_WAIT" yaml:"pong_wait"`
	MaxMessageSize int64         `envconfig:"ZONEDESK_WS_MAX_MESSAGE" yaml:"max_message_size"`
	IdleTimeout    time.Duration `envconfig:"ZONEDESK_IDLE_TIMEOUT" yaml:"idle_timeout"`
	SweepInterval  time.Duration `envconfig:"ZONEDESK_SWEEP_INTERVAL" yaml:"sweep_interval"`
	UpgradeRate    float64       `envconfig:"ZONEDESK_UPGRADE_RATE" yaml:"upgrade_rate"` // per client IP, per second
	UpgradeBurst   int           `envconfig:"ZONEDESK_UPGRADE_BURST" yaml:"upgrade_burst"`
	AllowedOrigins []string      `envconfig:"ZONEDESK_ALLOWED_ORIGINS" yaml:"allowed_origins"`
}

// DispatchConfig holds broadcast dispatcher settings.
type DispatchConfig struct {
	BatchWindow     time.Duration `envconfig:"ZONEDESK_BATCH_WINDOW" yaml:"batch_window"`
	MaxBatchSize    int           `envconfig:"ZONEDESK_MAX_BATCH_SIZE" yaml:"max_batch_size"`
	Workers         int           `envconfig:"ZONEDESK_DISPATCH_WORKERS" yaml:"workers"`
	RateLimitEvents int           `envconfig:"ZONEDESK_RATE_LIMIT_EVENTS" yaml:"rate_limit_events"` // 0 = disabled
	RateLimitWindow time.Duration `envconfig:"ZONEDESK_RATE_LIMIT_WINDOW" yaml:"rate_limit_window"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"ZONEDESK_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"ZONEDESK_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"ZONEDESK_KAFKA_GROUP" yaml:"kafka_group"`
	RedisURL     string `envconfig:"ZONEDESK_REDIS_URL" yaml:"redis_url"`
	EventsTopic  string `envconfig:"ZONEDESK_EVENTS_TOPIC" yaml:"events_topic"`
	RolesTopic   string `envconfig:"ZONEDESK_ROLES_TOPIC" yaml:"roles_topic"`
	EventLogPath string `envconfig:"ZONEDESK_EVENT_LOG" yaml:"event_log_path"` // empty = disabled
	ConnectRetry int    `envconfig:"ZONEDESK_BUS_CONNECT_RETRY" yaml:"connect_retry"`
}

// AuthConfig holds the static token table.
type AuthConfig struct {
	Tokens map[string]TokenConfig `yaml:"tokens" ignored:"true"`
}

// TokenConfig maps one bearer token to a user.
type TokenConfig struct {
	User      string    `yaml:"user"`
	Role      string    `yaml:"role"`
	ExpiresAt time.Time `yaml:"expires_at"` // zero = never
}

// RoleConfig describes one role.
type RoleConfig struct {
	Categories []string `yaml:"categories"`
	Defaults   []string `yaml:"defaults"`
	Clearance  string   `yaml:"clearance"`
}

// AuditConfig holds session audit settings.
type AuditConfig struct {
	Enabled       bool   `envconfig:"ZONEDESK_AUDIT_ENABLED" yaml:"enabled"`
	Path          string `envconfig:"ZONEDESK_AUDIT_PATH" yaml:"path"`
	PublishEvents bool   `envconfig:"ZONEDESK_AUDIT_PUBLISH" yaml:"publish_events"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"ZONEDESK_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"ZONEDESK_LOG_FORMAT" yaml:"format"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `envconfig:"ZONEDESK_METRICS_ENABLED" yaml:"enabled"`
	Path    string `envconfig:"ZONEDESK_METRICS_PATH" yaml:"path"`
}

// ClientConfig holds settings for the zonedesk client.
type ClientConfig struct {
	ServerURL            string        `envconfig:"ZONEDESK_SERVER_URL" yaml:"server_url"`
	Token                string        `envconfig:"ZONEDESK_TOKEN" yaml:"token"`
	HeartbeatInterval    time.Duration `envconfig:"ZONEDESK_HEARTBEAT_INTERVAL" yaml:"heartbeat_interval"`
	PongTimeout          time.Duration `envconfig:"ZONEDESK_PONG_TIMEOUT" yaml:"pong_timeout"`
	SelfCheckInterval    time.Duration `envconfig:"ZONEDESK_SELF_CHECK_INTERVAL" yaml:"self_check_interval"`
	DegradationThreshold int           `envconfig:"ZONEDESK_DEGRADATION_THRESHOLD" yaml:"degradation_threshold"`
	ReconnectInterval    time.Duration `envconfig:"ZONEDESK_RECONNECT_INTERVAL" yaml:"reconnect_interval"`
	MaxBackoff           time.Duration `envconfig:"ZONEDESK_MAX_BACKOFF" yaml:"max_backoff"`
	MaxReconnectAttempts int           `envconfig:"ZONEDESK_MAX_RECONNECT_ATTEMPTS" yaml:"max_reconnect_attempts"`
	ExponentialBackoff   bool          `envconfig:"ZONEDESK_EXPONENTIAL_BACKOFF" yaml:"exponential_backoff"`
	OfflineQueueSize     int           `envconfig:"ZONEDESK_OFFLINE_QUEUE" yaml:"offline_queue_size"`
	ProbeServer          string        `envconfig:"ZONEDESK_PROBE_SERVER" yaml:"probe_server"` // empty = no network probe
	ProbeInterval        time.Duration `envconfig:"ZONEDESK_PROBE_INTERVAL" yaml:"probe_interval"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8080

	cfg.GRPC = GRPCConfig{
		Enabled: true,
		Port:    9090,
	}

	cfg.Realtime = RealtimeConfig{
		Path:           "/ws",
		SendQueueSize:  256,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 64 * 1024,
		IdleTimeout:    2 * time.Minute,
		SweepInterval:  30 * time.Second,
		UpgradeRate:    5,
		UpgradeBurst:   10,
	}

	cfg.Dispatch = DispatchConfig{
		BatchWindow:     time.Second,
		MaxBatchSize:    50,
		Workers:         16,
		RateLimitEvents: 100,
		RateLimitWindow: 10 * time.Second,
	}

	cfg.Bus = BusConfig{
		Type:         "memory",
		KafkaGroup:   "zonedesk",
		EventsTopic:  "zonedesk.events",
		RolesTopic:   "zonedesk.roles",
		ConnectRetry: 5,
	}

	cfg.Audit = AuditConfig{
		Enabled:       true,
		PublishEvents: true,
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Metrics = MetricsConfig{
		Enabled: true,
		Path:    "/metrics",
	}

	cfg.Client = ClientConfig{
		ServerURL:            "ws://localhost:8080/ws",
		HeartbeatInterval:    30 * time.Second,
		PongTimeout:          10 * time.Second,
		SelfCheckInterval:    60 * time.Second,
		DegradationThreshold: 3,
		ReconnectInterval:    5 * time.Second,
		MaxBackoff:           60 * time.Second,
		MaxReconnectAttempts: 10,
		ExponentialBackoff:   true,
		OfflineQueueSize:     100,
		ProbeInterval:        15 * time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Server validation
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if c.GRPC.Enabled && (c.GRPC.Port < 1 || c.GRPC.Port > 65535) {
		errs = append(errs, "grpc.port must be between 1 and 65535")
	}
	if c.GRPC.Enabled && c.GRPC.Port == c.Port {
		errs = append(errs, "grpc.port must differ from port")
	}

	// Realtime validation
	if !strings.HasPrefix(c.Realtime.Path, "/") {
		errs = append(errs, "realtime.path must start with /")
	}
	if c.Realtime.SendQueueSize < 1 {
		errs = append(errs, "realtime.send_queue_size must be positive")
	}
	if c.Realtime.PingInterval <= 0 || c.Realtime.PongWait <= c.Realtime.PingInterval {
		errs = append(errs, "realtime.pong_wait must be greater than realtime.ping_interval")
	}
	if c.Realtime.IdleTimeout > 0 && c.Realtime.SweepInterval <= 0 {
		errs = append(errs, "realtime.sweep_interval must be positive when idle_timeout is set")
	}

	// Dispatch validation
	if c.Dispatch.BatchWindow <= 0 {
		errs = append(errs, "dispatch.batch_window must be positive")
	}
	if c.Dispatch.MaxBatchSize < 1 {
		errs = append(errs, "dispatch.max_batch_size must be positive")
	}
	if c.Dispatch.Workers < 1 {
		errs = append(errs, "dispatch.workers must be positive")
	}
	if c.Dispatch.RateLimitEvents > 0 && c.Dispatch.RateLimitWindow <= 0 {
		errs = append(errs, "dispatch.rate_limit_window must be positive when rate limiting is enabled")
	}

	// Bus validation
	switch c.Bus.Type {
	case "memory":
	case "kafka":
		if strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
			errs = append(errs, "bus.kafka_brokers is required for kafka bus")
		}
	case "redis":
		if c.Bus.RedisURL == "" {
			errs = append(errs, "bus.redis_url is required for redis bus")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory, kafka, or redis)", c.Bus.Type))
	}
	if c.Bus.EventsTopic == "" || c.Bus.RolesTopic == "" {
		errs = append(errs, "bus topics must not be empty")
	}

	// Roles and tokens
	policy, err := c.Policy()
	if err != nil {
		errs = append(errs, fmt.Sprintf("roles: %v", err))
	}
	for token, tc := range c.Auth.Tokens {
		if tc.User == "" {
			errs = append(errs, fmt.Sprintf("auth token %s: user is required", maskToken(token)))
		}
		if policy != nil && !policy.Known(events.Role(tc.Role)) {
			errs = append(errs, fmt.Sprintf("auth token %s: unknown role %q", maskToken(token), tc.Role))
		}
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	// Client validation
	if c.Client.DegradationThreshold < 1 {
		errs = append(errs, "client.degradation_threshold must be positive")
	}
	if c.Client.OfflineQueueSize < 1 {
		errs = append(errs, "client.offline_queue_size must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Policy builds the role policy from the built-in table and Roles.
func (c *Config) Policy() (*events.Policy, error) {
	specs := make(map[string]events.RoleSpec, len(c.Roles))
	for name, rc := range c.Roles {
		specs[name] = events.RoleSpec{
			Categories: rc.Categories,
			Defaults:   rc.Defaults,
			Clearance:  rc.Clearance,
		}
	}
	return events.NewPolicy(specs)
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCAddress returns the gRPC health server address.
func (c *Config) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPC.Port)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Log.Level == "debug"
}

func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
